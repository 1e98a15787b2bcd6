package sip

import (
	"io"

	"github.com/google/uuid"
)

type MessageHandler func(msg Message)

type RequestMethod string

func (r RequestMethod) String() string { return string(r) }

// StatusCode is a response status code, 1xx-6xx.
type StatusCode int

const (
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	CANCEL    RequestMethod = "CANCEL"
	BYE       RequestMethod = "BYE"
	REGISTER  RequestMethod = "REGISTER"
	OPTIONS   RequestMethod = "OPTIONS"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	REFER     RequestMethod = "REFER"
	INFO      RequestMethod = "INFO"
	MESSAGE   RequestMethod = "MESSAGE"
	PRACK     RequestMethod = "PRACK"
	UPDATE    RequestMethod = "UPDATE"
	PUBLISH   RequestMethod = "PUBLISH"
)

// IsInvite reports whether the method is INVITE. ACK and CANCEL are not
// included; the transaction key functions map them to the INVITE family
// separately.
func (r RequestMethod) IsInvite() bool {
	return r == INVITE
}

type MessageID string

// NextMessageID returns a process-unique opaque identifier, used for
// internal correlation (never placed on the wire).
func NextMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// Message is the common surface of Request and Response.
type Message interface {
	StartLine() string
	StartLineWrite(io.StringWriter)
	String() string
	StringWrite(io.StringWriter)
	Short() string

	Headers() []Header
	GetHeaders(name string) []Header
	GetHeader(name string) Header
	PrependHeader(header ...Header)
	AppendHeader(header Header)
	AppendHeaderAfter(header Header, name string)
	RemoveHeader(name string)
	ReplaceHeader(header Header)

	CallID() (*CallIDHeader, bool)
	Via() (*ViaHeader, bool)
	From() (*FromHeader, bool)
	To() (*ToHeader, bool)
	CSeq() (*CSeqHeader, bool)
	MaxForwards() (*MaxForwardsHeader, bool)
	ContentLength() (*ContentLengthHeader, bool)
	ContentType() (*ContentTypeHeader, bool)
	Contact() (*ContactHeader, bool)
	Route() (*RouteHeader, bool)
	RecordRoute() (*RecordRouteHeader, bool)

	Body() []byte
	SetBody(body []byte)

	Transport() string
	SetTransport(tp string)
	Source() string
	SetSource(src string)
	Destination() string
	SetDestination(dest string)
}

// MessageData is the field set shared by Request and Response.
type MessageData struct {
	headers
	SipVersion string
	body       []byte
	tp         string

	src  string
	dest string
}

func (msg *MessageData) Body() []byte { return msg.body }

// SetBody sets the body and keeps the Content-Length header in sync.
func (msg *MessageData) SetBody(body []byte) {
	msg.body = body
	length := ContentLengthHeader(len(body))

	if hdr, exists := msg.ContentLength(); exists {
		if *hdr == length {
			return
		}
		msg.ReplaceHeader(&length)
		return
	}
	msg.AppendHeader(&length)
}

func (msg *MessageData) Transport() string      { return msg.tp }
func (msg *MessageData) SetTransport(tp string) { msg.tp = tp }
func (msg *MessageData) Source() string         { return msg.src }
func (msg *MessageData) SetSource(src string)   { msg.src = src }
func (msg *MessageData) Destination() string    { return msg.dest }
func (msg *MessageData) SetDestination(dest string) {
	msg.dest = dest
}
