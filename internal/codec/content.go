// Package codec encodes and decodes the tagged message payloads carried
// inside encrypted transport bodies.
package codec

import "strings"

// Type is the wire discriminant of a message payload.
type Type string

const (
	TypeText         Type = "text"
	TypePhoto        Type = "photo"
	TypeVoice        Type = "voice"
	TypeCallOffer    Type = "call_offer"
	TypeCallAnswer   Type = "call_answer"
	TypeCallUpdate   Type = "call_update"
	TypeIceCandidate Type = "ice_candidate"
	TypeGroupUpdate  Type = "group_update"
)

// Content is one of the payload variants below. The interface is sealed;
// switches over Content should cover every variant.
type Content interface {
	Type() Type
	isContent()
}

// Text is a plain text message.
type Text struct {
	Body string `json:"body"`
}

// Photo references an encrypted image blob. Identifier is the hex SHA-256
// of the plaintext, URL the ciphertext location, and Secret the blob key
// and nonce. The secret only travels inside the end-to-end encrypted
// payload.
type Photo struct {
	Identifier string `json:"identifier"`
	URL        string `json:"url"`
	Secret     []byte `json:"secret,omitempty"`
}

// Voice references an encrypted audio blob. Duration is in seconds.
type Voice struct {
	Identifier string  `json:"identifier"`
	Duration   float64 `json:"duration"`
	URL        string  `json:"url"`
	Secret     []byte  `json:"secret,omitempty"`
}

// CallOffer carries an opaque WebRTC session description from the caller.
type CallOffer struct {
	CallUUID string `json:"callUUID"`
	Caller   string `json:"caller"`
	SDP      string `json:"sdp"`
}

// CallAnswer carries the callee's opaque session description.
type CallAnswer struct {
	CallUUID string `json:"callUUID"`
	SDP      string `json:"sdp"`
}

// CallAction is the lifecycle update carried by CallUpdate.
type CallAction string

const (
	CallReceived CallAction = "received"
	CallEnded    CallAction = "end"
)

// CallUpdate signals a change in call state.
type CallUpdate struct {
	CallUUID string     `json:"callUUID"`
	Action   CallAction `json:"action"`
}

// IceCandidate carries an opaque ICE candidate.
type IceCandidate struct {
	CallUUID      string  `json:"callUUID"`
	SDP           string  `json:"sdp"`
	SDPMLineIndex int32   `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

// GroupUpdate announces a membership change. The new membership itself
// travels in the message's GroupRef.
type GroupUpdate struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

func (Text) Type() Type         { return TypeText }
func (Photo) Type() Type        { return TypePhoto }
func (Voice) Type() Type        { return TypeVoice }
func (CallOffer) Type() Type    { return TypeCallOffer }
func (CallAnswer) Type() Type   { return TypeCallAnswer }
func (CallUpdate) Type() Type   { return TypeCallUpdate }
func (IceCandidate) Type() Type { return TypeIceCandidate }
func (GroupUpdate) Type() Type  { return TypeGroupUpdate }

func (Text) isContent()         {}
func (Photo) isContent()        {}
func (Voice) isContent()        {}
func (CallOffer) isContent()    {}
func (CallAnswer) isContent()   {}
func (CallUpdate) isContent()   {}
func (IceCandidate) isContent() {}
func (GroupUpdate) isContent()  {}

// IsCallSignal reports whether c belongs to call signaling rather than
// conversation content.
func IsCallSignal(c Content) bool {
	switch c.(type) {
	case CallOffer, CallAnswer, CallUpdate, IceCandidate:
		return true
	default:
		return false
	}
}

// Summary returns the notification text for c. Call signaling produces
// no notification text.
func Summary(c Content) string {
	switch v := c.(type) {
	case Text:
		return v.Body
	case Photo:
		return "📷 Photo"
	case Voice:
		return "🎤 Voice Message"
	case GroupUpdate:
		var parts []string
		if len(v.Added) > 0 {
			parts = append(parts, "added "+strings.Join(v.Added, ", "))
		}
		if len(v.Removed) > 0 {
			parts = append(parts, "removed "+strings.Join(v.Removed, ", "))
		}
		return "👥 Members " + strings.Join(parts, "; ")
	default:
		return ""
	}
}

// Preview returns the channel list preview for c.
func Preview(c Content) string {
	switch v := c.(type) {
	case CallOffer:
		return "📞 Call from " + v.Caller
	case CallAnswer:
		return "📞 Call answered"
	case CallUpdate:
		if v.Action == CallEnded {
			return "📞 Call ended"
		}
		return "📞 Call"
	case IceCandidate:
		return ""
	default:
		return Summary(c)
	}
}
