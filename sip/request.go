package sip

import (
	"fmt"
	"io"
	"strings"
)

// Request is a SIP request message.
type Request struct {
	MessageData
	Method    RequestMethod
	Recipient Uri
}

func NewRequest(method RequestMethod, recipient Uri) *Request {
	req := &Request{
		Method:    method,
		Recipient: recipient,
	}
	req.SipVersion = "SIP/2.0"
	return req
}

func (r *Request) StartLine() string {
	var sb strings.Builder
	r.StartLineWrite(&sb)
	return sb.String()
}

func (r *Request) StartLineWrite(buffer io.StringWriter) {
	buffer.WriteString(string(r.Method))
	buffer.WriteString(" ")
	r.Recipient.StringWrite(buffer)
	buffer.WriteString(" ")
	buffer.WriteString(r.SipVersion)
}

func (r *Request) String() string {
	var sb strings.Builder
	r.StringWrite(&sb)
	return sb.String()
}

func (r *Request) StringWrite(buffer io.StringWriter) {
	r.StartLineWrite(buffer)
	buffer.WriteString("\r\n")
	r.headers.StringWrite(buffer)
	if len(r.body) > 0 {
		buffer.WriteString(string(r.body))
	}
}

func (r *Request) Short() string {
	return fmt.Sprintf("request %s %s (%s)", r.Method, r.Recipient.String(), r.SipVersion)
}

// IsInvite reports whether this request rides on an INVITE transaction.
func (r *Request) IsInvite() bool { return r.Method == INVITE }

// IsAck/IsCancel classify the two companions of an INVITE transaction that
// never open their own client transaction (ACK) or that cancels one
// in-flight (CANCEL).
func (r *Request) IsAck() bool    { return r.Method == ACK }
func (r *Request) IsCancel() bool { return r.Method == CANCEL }

// Clone deep-copies the request, including headers and body.
func (r *Request) Clone() *Request {
	newReq := NewRequest(r.Method, *r.Recipient.Clone())
	newReq.SipVersion = r.SipVersion
	newReq.SetTransport(r.Transport())
	newReq.SetSource(r.Source())
	newReq.SetDestination(r.Destination())
	for _, h := range r.CloneHeaders() {
		newReq.AppendHeader(h)
	}
	if r.body != nil {
		body := make([]byte, len(r.body))
		copy(body, r.body)
		newReq.body = body
	}
	return newReq
}
