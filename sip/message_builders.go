package sip

import (
	"net"
	"strings"

	"github.com/google/uuid"
)

// DefaultPort returns the conventional port for a transport name
// (case-insensitive); TLS defaults to 5061, everything else to 5060.
func DefaultPort(transport string) int {
	if strings.EqualFold(transport, "tls") {
		return 5061
	}
	return 5060
}

// NewHeader wraps an arbitrary name/value pair as a GenericHeader, used for
// headers the stack builds as plain text rather than as a typed value (the
// Authorization/Proxy-Authorization of a digest retry, User-Agent...).
func NewHeader(name, value string) Header {
	return &GenericHeader{HeaderName: name, Contents: value}
}

// MessageShortString dumps a short single-line form of msg, used only for
// logging.
func MessageShortString(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return m.Short()
	case *Response:
		return m.Short()
	}
	return "unknown message type"
}

// NewResponseFromRequest builds a response sharing the request's Via,
// Record-Route, From, To, Call-ID and CSeq, per RFC 3261 §8.2.6.
func NewResponseFromRequest(req *Request, statusCode int, reason string, body []byte) *Response {
	res := NewResponse(statusCode, reason)
	res.SipVersion = req.SipVersion

	CopyHeaders("Record-Route", req, res)
	CopyHeaders("Via", req, res)

	if h, ok := req.From(); ok {
		res.AppendHeader(h.headerClone())
	}
	if h, ok := req.To(); ok {
		res.AppendHeader(h.headerClone())
	}
	if h, ok := req.CallID(); ok {
		res.AppendHeader(h.headerClone())
	}
	if h, ok := req.CSeq(); ok {
		res.AppendHeader(h.headerClone())
	}

	if h, ok := res.Via(); ok && h.Params != nil {
		if val, exists := h.Params.Get("rport"); exists && val == "" {
			host, port, err := net.SplitHostPort(req.Source())
			if err == nil {
				h.Params.Add("rport", port)
				h.Params.Add("received", host)
			}
		}
	}

	// A tag is required on every response but 100 Trying, which serves to
	// identify the UAS component of the eventual dialog ID.
	if statusCode != StatusTrying {
		if h, ok := res.To(); ok {
			if _, exists := h.Params.Get("tag"); !exists {
				h.Params.Add("tag", uuid.NewString())
			}
		}
	}

	res.SetBody(body)
	res.SetTransport(req.Transport())
	res.SetDestination(req.Source())
	return res
}

// NewAckRequest builds the ACK for an INVITE transaction's final response,
// per RFC 3261 §17.1.1.3 (non-2xx, sent by the transaction layer) and
// §13.2.2.4 (2xx, sent by the dialog layer using the response's Contact).
func NewAckRequest(inviteRequest *Request, response *Response, body []byte) *Request {
	recipient := inviteRequest.Recipient
	if response.IsSuccess() {
		if contact, ok := response.Contact(); ok {
			recipient = contact.Address
		}
	}

	ack := NewRequest(ACK, recipient)
	ack.SipVersion = inviteRequest.SipVersion

	CopyHeaders("Via", inviteRequest, ack)
	if !response.IsSuccess() {
		// Non-2xx ACK is part of the same transaction: same branch, same Via.
	} else {
		// 2xx ACK is a new transaction: new branch.
		if via, ok := ack.Via(); ok {
			via.Params.Add("branch", GenerateBranch())
		}
	}

	if h, ok := inviteRequest.From(); ok {
		ack.AppendHeader(h.headerClone())
	}
	if h, ok := response.To(); ok {
		ack.AppendHeader(h.headerClone())
	} else if h, ok := inviteRequest.To(); ok {
		ack.AppendHeader(h.headerClone())
	}
	if h, ok := inviteRequest.CallID(); ok {
		ack.AppendHeader(h.headerClone())
	}
	if cseq, ok := inviteRequest.CSeq(); ok {
		ack.AppendHeader(&CSeqHeader{SeqNo: cseq.SeqNo, MethodName: ACK})
	}
	if mf, ok := inviteRequest.MaxForwards(); ok {
		ack.AppendHeader(mf.headerClone())
	} else {
		mf := MaxForwardsHeader(70)
		ack.AppendHeader(&mf)
	}

	ack.SetBody(body)
	ack.SetTransport(inviteRequest.Transport())
	ack.SetDestination(inviteRequest.Destination())
	return ack
}

// NewCancelRequest builds the CANCEL matching an in-flight INVITE request,
// per RFC 3261 §9.1: same Request-URI, Call-ID, To, From and CSeq number,
// but its own branch equal to the INVITE's (CANCEL shares the INVITE
// transaction's branch so a server can correlate them), and Method CANCEL.
func NewCancelRequest(inviteRequest *Request) *Request {
	cancel := NewRequest(CANCEL, inviteRequest.Recipient)
	cancel.SipVersion = inviteRequest.SipVersion

	CopyHeaders("Via", inviteRequest, cancel)
	CopyHeaders("Route", inviteRequest, cancel)

	if h, ok := inviteRequest.From(); ok {
		cancel.AppendHeader(h.headerClone())
	}
	if h, ok := inviteRequest.To(); ok {
		cancel.AppendHeader(h.headerClone())
	}
	if h, ok := inviteRequest.CallID(); ok {
		cancel.AppendHeader(h.headerClone())
	}
	if cseq, ok := inviteRequest.CSeq(); ok {
		cancel.AppendHeader(&CSeqHeader{SeqNo: cseq.SeqNo, MethodName: CANCEL})
	}
	mf := MaxForwardsHeader(70)
	cancel.AppendHeader(&mf)

	cancel.SetTransport(inviteRequest.Transport())
	cancel.SetDestination(inviteRequest.Destination())
	return cancel
}
