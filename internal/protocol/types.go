package protocol

// Wire constants. A frame is a fixed 32-byte big-endian header followed by
// payload_len bytes of TLV fields.
const (
	Magic      uint32 = 0x50434831 // "PCH1"
	Version    uint16 = 1
	HeaderSize uint16 = 32
)

// Header flags.
const (
	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04
)

// MessageType identifies the operation a frame carries.
type MessageType uint32

const (
	MessageAddModule     MessageType = 1
	MessageRemoveModule  MessageType = 2
	MessageRun           MessageType = 3
	MessageCallFunction  MessageType = 4
	MessageReloadModules MessageType = 5
	MessageReply         MessageType = 6
	MessageErrorReport   MessageType = 7
	MessageHello         MessageType = 8
	MessagePost          MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case MessageAddModule:
		return "add_module"
	case MessageRemoveModule:
		return "remove_module"
	case MessageRun:
		return "run"
	case MessageCallFunction:
		return "call_function"
	case MessageReloadModules:
		return "reload_modules"
	case MessageReply:
		return "reply"
	case MessageErrorReport:
		return "error_report"
	case MessageHello:
		return "hello"
	case MessagePost:
		return "post"
	default:
		return "unknown"
	}
}

// FieldType is the TLV value type tag.
type FieldType uint8

const (
	FieldUint32 FieldType = 3
	FieldUint64 FieldType = 4
	FieldString FieldType = 6
	FieldBytes  FieldType = 7
)

// Field ids.
const (
	FieldModuleName   uint16 = 1
	FieldFunctionName uint16 = 2
	FieldText         uint16 = 3
	FieldPayload      uint16 = 4
	FieldThreadID     uint16 = 5
	FieldChannel      uint16 = 6
)

// Header is the fixed frame header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType MessageType
	Flags       uint32
	PayloadLen  uint64
}

// Field is one TLV field.
type Field struct {
	ID    uint16
	Type  FieldType
	Value []byte
}

// Message is one decoded frame.
type Message struct {
	Header Header
	Fields []Field
}

// Field returns the first field with id.
func (m *Message) Field(id uint16) (Field, bool) {
	for _, f := range m.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (m *Message) IsResponse() bool { return m.Header.Flags&FlagIsResponse != 0 }
func (m *Message) IsError() bool    { return m.Header.Flags&FlagIsError != 0 }

// Limits constrains decode and encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}
