package protocol

import (
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// The wire types are coded by hand with the easyjson lexer and writer, so
// that a missing guid can be told apart from an empty one.
var (
	_ easyjson.Marshaler   = Message{}
	_ easyjson.Unmarshaler = (*Message)(nil)
	_ easyjson.Marshaler   = SerializedError{}
	_ easyjson.Unmarshaler = (*SerializedError)(nil)
	_ easyjson.Marshaler   = CreateParams{}
	_ easyjson.Unmarshaler = (*CreateParams)(nil)
)

func decodeMessage(in *jlexer.Lexer, out *Message) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if key == "guid" {
			out.hasGUID = true
		}
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "id":
			out.ID = in.Int64()
		case "guid":
			out.GUID = in.String()
		case "method":
			out.Method = in.String()
		case "params":
			(out.Params).UnmarshalEasyJSON(in)
		case "result":
			(out.Result).UnmarshalEasyJSON(in)
		case "error":
			if out.Error == nil {
				out.Error = new(SerializedError)
			}
			(*out.Error).UnmarshalEasyJSON(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

func encodeMessage(out *jwriter.Writer, in Message) {
	out.RawByte('{')
	first := true
	field := func(name string) {
		if first {
			first = false
			out.RawString(`"` + name + `":`)
			return
		}
		out.RawString(`,"` + name + `":`)
	}
	if in.ID != 0 {
		field("id")
		out.Int64(in.ID)
	}
	if in.GUID != "" || in.hasGUID {
		field("guid")
		out.String(in.GUID)
	}
	if in.Method != "" {
		field("method")
		out.String(in.Method)
	}
	if len(in.Params) != 0 {
		field("params")
		(in.Params).MarshalEasyJSON(out)
	}
	if len(in.Result) != 0 {
		field("result")
		(in.Result).MarshalEasyJSON(out)
	}
	if in.Error != nil {
		field("error")
		(*in.Error).MarshalEasyJSON(out)
	}
	out.RawByte('}')
}

// MarshalJSON implements json.Marshaler.
func (v Message) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	encodeMessage(&w, v)
	return w.Buffer.BuildBytes(), w.Error
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (v Message) MarshalEasyJSON(w *jwriter.Writer) {
	encodeMessage(w, v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Message) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	decodeMessage(&r, v)
	return r.Error()
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (v *Message) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeMessage(l, v)
}

func decodeSerializedError(in *jlexer.Lexer, out *SerializedError) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "name":
			out.Name = in.String()
		case "message":
			out.Message = in.String()
		case "stack":
			out.Stack = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

func encodeSerializedError(out *jwriter.Writer, in SerializedError) {
	out.RawByte('{')
	if in.Name != "" {
		out.RawString(`"name":`)
		out.String(in.Name)
		out.RawByte(',')
	}
	out.RawString(`"message":`)
	out.String(in.Message)
	if in.Stack != "" {
		out.RawString(`,"stack":`)
		out.String(in.Stack)
	}
	out.RawByte('}')
}

// MarshalJSON implements json.Marshaler.
func (v SerializedError) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	encodeSerializedError(&w, v)
	return w.Buffer.BuildBytes(), w.Error
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (v SerializedError) MarshalEasyJSON(w *jwriter.Writer) {
	encodeSerializedError(w, v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *SerializedError) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	decodeSerializedError(&r, v)
	return r.Error()
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (v *SerializedError) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeSerializedError(l, v)
}

func decodeCreateParams(in *jlexer.Lexer, out *CreateParams) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "type":
			out.Type = in.String()
		case "parentGuid":
			out.ParentGUID = in.String()
		case "initializer":
			(out.Initializer).UnmarshalEasyJSON(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

func encodeCreateParams(out *jwriter.Writer, in CreateParams) {
	out.RawString(`{"type":`)
	out.String(in.Type)
	out.RawString(`,"parentGuid":`)
	out.String(in.ParentGUID)
	if len(in.Initializer) != 0 {
		out.RawString(`,"initializer":`)
		(in.Initializer).MarshalEasyJSON(out)
	}
	out.RawByte('}')
}

// MarshalJSON implements json.Marshaler.
func (v CreateParams) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	encodeCreateParams(&w, v)
	return w.Buffer.BuildBytes(), w.Error
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (v CreateParams) MarshalEasyJSON(w *jwriter.Writer) {
	encodeCreateParams(w, v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *CreateParams) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	decodeCreateParams(&r, v)
	return r.Error()
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (v *CreateParams) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeCreateParams(l, v)
}
