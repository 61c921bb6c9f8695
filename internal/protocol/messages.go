package protocol

// Request constructors. Message ids are assigned by the sender.

func NewAddModule(id uint64, module, source string) *Message {
	return &Message{
		Header: Header{MessageID: id, MessageType: MessageAddModule},
		Fields: []Field{
			NewFieldString(FieldModuleName, module),
			NewFieldBytes(FieldText, EncodeZ(source)),
		},
	}
}

func NewRemoveModule(id uint64, module string) *Message {
	return &Message{
		Header: Header{MessageID: id, MessageType: MessageRemoveModule},
		Fields: []Field{NewFieldString(FieldModuleName, module)},
	}
}

func NewRun(id uint64, source string) *Message {
	return &Message{
		Header: Header{MessageID: id, MessageType: MessageRun},
		Fields: []Field{NewFieldBytes(FieldText, EncodeZ(source))},
	}
}

// NewCallFunction carries args as a null-terminated JSON array; nil args
// omit the payload field.
func NewCallFunction(id uint64, module, function string, args []byte) *Message {
	msg := &Message{
		Header: Header{MessageID: id, MessageType: MessageCallFunction},
		Fields: []Field{
			NewFieldString(FieldModuleName, module),
			NewFieldString(FieldFunctionName, function),
		},
	}
	if args != nil {
		msg.Fields = append(msg.Fields, NewFieldBytes(FieldPayload, EncodeZ(string(args))))
	}
	return msg
}

func NewReloadModules(id uint64) *Message {
	return &Message{Header: Header{MessageID: id, MessageType: MessageReloadModules}}
}

// NewReply answers request id. payload is sent as is.
func NewReply(id uint64, payload []byte) *Message {
	msg := &Message{Header: Header{MessageID: id, MessageType: MessageReply, Flags: FlagIsResponse}}
	if payload != nil {
		msg.Fields = []Field{NewFieldBytes(FieldPayload, payload)}
	}
	return msg
}

// NewErrorReply answers request id with a failure carrying ASCII text.
func NewErrorReply(id uint64, text string) *Message {
	return &Message{
		Header: Header{MessageID: id, MessageType: MessageReply, Flags: FlagIsResponse | FlagIsError},
		Fields: []Field{NewFieldBytes(FieldText, EncodeZ(text))},
	}
}

func NewErrorReport(text string) *Message {
	return &Message{
		Header: Header{MessageType: MessageErrorReport},
		Fields: []Field{NewFieldBytes(FieldText, EncodeZ(text))},
	}
}

func NewHello(threadID uint32) *Message {
	return &Message{
		Header: Header{MessageType: MessageHello},
		Fields: []Field{NewFieldUint32(FieldThreadID, threadID)},
	}
}

// NewPost carries payload to the named channel on the controller side.
func NewPost(channel string, payload []byte) *Message {
	msg := &Message{
		Header: Header{MessageType: MessagePost},
		Fields: []Field{NewFieldString(FieldChannel, channel)},
	}
	if payload != nil {
		msg.Fields = append(msg.Fields, NewFieldBytes(FieldPayload, payload))
	}
	return msg
}

// BytesField returns the bytes value of field id, or nil when absent.
func (m *Message) BytesField(id uint16) ([]byte, error) {
	f, ok := m.Field(id)
	if !ok {
		return nil, nil
	}
	return f.Bytes()
}

// StringField returns the string value of field id, or "" when absent.
func (m *Message) StringField(id uint16) (string, error) {
	f, ok := m.Field(id)
	if !ok {
		return "", nil
	}
	return f.String()
}
