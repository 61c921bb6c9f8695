package protocol

import (
	"fmt"

	"github.com/danmuck/patchctl/internal/logging"
)

// Requirement declares one field of a message type. Optional fields are
// type-checked when present.
type Requirement struct {
	ID       uint16
	Type     FieldType
	Required bool
}

type ValidationError struct {
	MessageType MessageType
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("protocol: message_type=%s: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("protocol: message_type=%s field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[MessageType][]Requirement{
	MessageAddModule: {
		{FieldModuleName, FieldString, true},
		{FieldText, FieldBytes, true},
	},
	MessageRemoveModule: {
		{FieldModuleName, FieldString, true},
	},
	MessageRun: {
		{FieldText, FieldBytes, true},
	},
	MessageCallFunction: {
		{FieldModuleName, FieldString, true},
		{FieldFunctionName, FieldString, true},
		{FieldPayload, FieldBytes, false},
	},
	MessageReloadModules: {},
	MessageReply: {
		{FieldPayload, FieldBytes, false},
		{FieldText, FieldBytes, false},
	},
	MessageErrorReport: {
		{FieldText, FieldBytes, true},
	},
	MessageHello: {
		{FieldThreadID, FieldUint32, false},
	},
	MessagePost: {
		{FieldChannel, FieldString, true},
		{FieldPayload, FieldBytes, false},
	},
}

// Validate enforces required fields and field types for msg's message type.
// Unknown fields are ignored.
func Validate(msg *Message) error {
	if msg == nil {
		return ErrInvalidLength
	}
	mt := msg.Header.MessageType
	reqs, ok := requirements[mt]
	if !ok {
		log := logging.Component("protocol")
		log.Debug().Msgf("protocol.Validate unknown message_type=%d", uint32(mt))
		return ValidationError{MessageType: mt, Reason: ErrUnknownMessageType.Error()}
	}
	for _, req := range reqs {
		f, found := msg.Field(req.ID)
		if !found {
			if req.Required {
				return ValidationError{MessageType: mt, FieldID: req.ID, Reason: "missing required field"}
			}
			continue
		}
		if f.Type != req.Type {
			return ValidationError{
				MessageType: mt,
				FieldID:     req.ID,
				Reason:      fmt.Sprintf("type mismatch got=%d want=%d", f.Type, req.Type),
			}
		}
	}
	return nil
}
