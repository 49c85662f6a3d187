package transport

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// frame is any top-level element received on the stream. RFC 7395 puts
// exactly one element in each WebSocket text message, so frames are
// decoded whole. Only the fields this client inspects are mapped.
type frame struct {
	XMLName xml.Name
	Type    string `xml:"type,attr"`
	ID      string `xml:"id,attr"`
	From    string `xml:"from,attr"`
	To      string `xml:"to,attr"`

	// message
	Body  string     `xml:"body"`
	Delay *delayElem `xml:"delay"`

	// stream:features, iq
	Mechanisms []string  `xml:"mechanisms>mechanism"`
	Bind       *bindElem `xml:"bind"`
	Ping       *struct{} `xml:"ping"`

	// failure, iq error
	Inner string `xml:",innerxml"`
}

type delayElem struct {
	Stamp string `xml:"stamp,attr"`
}

type bindElem struct {
	Resource string `xml:"resource,omitempty"`
	JID      string `xml:"jid,omitempty"`
}

func parseFrame(data []byte) (frame, error) {
	var f frame
	if err := xml.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

// condition names the error condition of a SASL failure or an iq error,
// e.g. "not-authorized".
func (f frame) condition() string {
	d := xml.NewDecoder(strings.NewReader(f.Inner))
	inError := f.XMLName.Local == "failure"
	for {
		tok, err := d.Token()
		if err != nil {
			return "undefined-condition"
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !inError {
			inError = se.Name.Local == "error"
			continue
		}
		return se.Name.Local
	}
}

func (f frame) stamp(now time.Time) time.Time {
	if f.Delay != nil {
		if t, err := time.Parse(time.RFC3339, f.Delay.Stamp); err == nil {
			return t
		}
	}
	return now
}

// localpart returns the handle of a JID ("bob@host/res" -> "bob").
func localpart(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// openElem starts (or restarts) the stream.
type openElem struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	To      string   `xml:"to,attr"`
	Version string   `xml:"version,attr"`
}

type closeElem struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
}

// authElem carries SASL PLAIN credentials: the handle as authcid and the
// directory-issued token as password.
type authElem struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Value     string   `xml:",chardata"`
}

func plainAuth(handle, token string) authElem {
	raw := "\x00" + handle + "\x00" + token
	return authElem{Mechanism: "PLAIN", Value: base64.StdEncoding.EncodeToString([]byte(raw))}
}

type iqElem struct {
	XMLName xml.Name `xml:"jabber:client iq"`
	Type    string   `xml:"type,attr"`
	ID      string   `xml:"id,attr"`
	To      string   `xml:"to,attr,omitempty"`
	Payload any
}

type bindRequest struct {
	XMLName  xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	Resource string   `xml:"resource,omitempty"`
}

type pingRequest struct {
	XMLName xml.Name `xml:"urn:xmpp:ping ping"`
}

// pushEnable registers a device token with the push service (XEP-0357).
// Repeating it is harmless.
type pushEnable struct {
	XMLName xml.Name `xml:"urn:xmpp:push:0 enable"`
	JID     string   `xml:"jid,attr"`
	Node    string   `xml:"node,attr"`
	Form    dataForm `xml:"jabber:x:data x"`
}

type dataForm struct {
	Type   string      `xml:"type,attr"`
	Fields []formField `xml:"field"`
}

type formField struct {
	Var   string `xml:"var,attr"`
	Value string `xml:"value"`
}

func newPushEnable(pushJID, token, service string) pushEnable {
	return pushEnable{
		JID:  pushJID,
		Node: token,
		Form: dataForm{
			Type: "submit",
			Fields: []formField{
				{Var: "FORM_TYPE", Value: "http://jabber.org/protocol/pubsub#publish-options"},
				{Var: "service", Value: service},
				{Var: "device_id", Value: token},
			},
		},
	}
}

type presenceElem struct {
	XMLName xml.Name `xml:"jabber:client presence"`
}

type messageElem struct {
	XMLName xml.Name `xml:"jabber:client message"`
	Type    string   `xml:"type,attr"`
	ID      string   `xml:"id,attr,omitempty"`
	To      string   `xml:"to,attr"`
	Body    string   `xml:"body"`
}
