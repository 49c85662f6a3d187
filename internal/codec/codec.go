package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/tidwall/gjson"
)

// Message is a decoded wire payload. ID is assigned by the sender and
// used by the store to reject duplicates. Group is set for messages sent
// to a group channel; it travels inside the ciphertext.
type Message struct {
	ID      string
	Content Content
	Group   *GroupRef
}

// envelope is the tagged-union wire form:
// {"type":..,"id":..,"group":{..},"payload":{..}}.
type envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Group   *GroupRef       `json:"group,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes m into its tagged envelope. Content that Decode would
// reject is refused with a CodecError matching ErrMalformed.
func Encode(m Message) ([]byte, error) {
	if m.Content == nil {
		return nil, fmt.Errorf("encoding message: %w", apperrors.ErrMalformed)
	}
	if err := Validate(m.Content); err != nil {
		return nil, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Type: string(m.Content.Type()), Err: err}
	}
	if m.Group != nil {
		if err := m.Group.validate(); err != nil {
			return nil, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Type: string(m.Content.Type()), Err: err}
		}
	}

	payload, err := json.Marshal(m.Content)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s payload: %w", m.Content.Type(), err)
	}

	data, err := json.Marshal(envelope{Type: m.Content.Type(), ID: m.ID, Group: m.Group, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}

	return data, nil
}

// Decode parses a tagged envelope. Unknown discriminants return a
// CodecError matching ErrUnrecognized; structurally invalid input
// returns one matching ErrMalformed.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Err: fmt.Errorf("invalid JSON")}
	}

	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String {
		return Message{}, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Err: fmt.Errorf("missing type")}
	}

	t := Type(typ.Str)
	if !known(t) {
		return Message{}, &apperrors.CodecError{Kind: apperrors.ErrUnrecognized, Type: typ.Str}
	}

	payload := gjson.GetBytes(data, "payload")
	if !payload.IsObject() {
		return Message{}, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Type: typ.Str, Err: fmt.Errorf("missing payload")}
	}

	content, err := decodePayload(t, []byte(payload.Raw))
	if err == nil {
		err = Validate(content)
	}
	if err != nil {
		return Message{}, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Type: typ.Str, Err: err}
	}

	m := Message{ID: gjson.GetBytes(data, "id").Str, Content: content}

	if g := gjson.GetBytes(data, "group"); g.Exists() {
		var ref GroupRef
		if !g.IsObject() {
			return Message{}, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Type: typ.Str, Err: fmt.Errorf("group is not an object")}
		}
		if err := unmarshalInto([]byte(g.Raw), &ref); err != nil {
			return Message{}, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Type: typ.Str, Err: err}
		}
		if err := ref.validate(); err != nil {
			return Message{}, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Type: typ.Str, Err: err}
		}
		m.Group = &ref
	}

	return m, nil
}

func known(t Type) bool {
	switch t {
	case TypeText, TypePhoto, TypeVoice, TypeCallOffer, TypeCallAnswer, TypeCallUpdate, TypeIceCandidate, TypeGroupUpdate:
		return true
	}
	return false
}

func decodePayload(t Type, raw []byte) (Content, error) {
	switch t {
	case TypeText:
		var v Text
		if err := unmarshalInto(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypePhoto:
		var v Photo
		if err := unmarshalInto(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeVoice:
		var v Voice
		if err := unmarshalInto(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeCallOffer:
		var v CallOffer
		if err := unmarshalInto(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeCallAnswer:
		var v CallAnswer
		if err := unmarshalInto(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeCallUpdate:
		var v CallUpdate
		if err := unmarshalInto(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeIceCandidate:
		var v IceCandidate
		if err := unmarshalInto(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeGroupUpdate:
		var v GroupUpdate
		if err := unmarshalInto(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unhandled type %q", t)
}

// Validate reports whether c satisfies the constraints Decode enforces.
// Encode applies it too, so everything Encode accepts decodes back.
func Validate(c Content) error {
	switch v := c.(type) {
	case Text:
		return nil
	case Photo:
		if v.Identifier == "" || v.URL == "" {
			return fmt.Errorf("photo requires identifier and url")
		}
	case Voice:
		if v.Identifier == "" || v.URL == "" {
			return fmt.Errorf("voice requires identifier and url")
		}
	case CallOffer:
		return requireCall(v.CallUUID)
	case CallAnswer:
		return requireCall(v.CallUUID)
	case CallUpdate:
		if v.Action != CallReceived && v.Action != CallEnded {
			return fmt.Errorf("unknown call action %q", v.Action)
		}
		return requireCall(v.CallUUID)
	case IceCandidate:
		return requireCall(v.CallUUID)
	case GroupUpdate:
		if len(v.Added) == 0 && len(v.Removed) == 0 {
			return fmt.Errorf("group update changes nothing")
		}
	case nil:
		return fmt.Errorf("no content")
	default:
		return fmt.Errorf("unsupported content %T", c)
	}
	return nil
}

func unmarshalInto(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

func requireCall(id string) error {
	if id == "" {
		return fmt.Errorf("missing callUUID")
	}
	return nil
}

// GroupRef identifies the group a message belongs to. ID is chosen by the
// group's creator and never changes; Name and Members carry the sender's
// current view of the group.
type GroupRef struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (g *GroupRef) validate() error {
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	if len(g.Members) < 2 {
		return fmt.Errorf("group needs at least two members")
	}
	for _, m := range g.Members {
		if m == "" {
			return fmt.Errorf("empty group member")
		}
	}
	return nil
}

// EncryptedMessage is the transport body: the sealed ciphertext of an
// encoded Message plus metadata the server may see.
type EncryptedMessage struct {
	Ciphertext []byte    `json:"ciphertext"`
	Date       time.Time `json:"date"`
}

// Export renders e as base64(JSON), the text form carried in stanza
// bodies and push payloads.
func (e EncryptedMessage) Export() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshalling encrypted message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ImportEncrypted parses the base64(JSON) text form.
func ImportEncrypted(body string) (EncryptedMessage, error) {
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return EncryptedMessage{}, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Err: fmt.Errorf("body is not base64: %w", err)}
	}

	var e EncryptedMessage
	if err := json.Unmarshal(data, &e); err != nil {
		return EncryptedMessage{}, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Err: err}
	}
	if len(e.Ciphertext) == 0 {
		return EncryptedMessage{}, &apperrors.CodecError{Kind: apperrors.ErrMalformed, Err: fmt.Errorf("empty ciphertext")}
	}

	return e, nil
}
