package sip

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Response is a SIP response message.
type Response struct {
	MessageData
	StatusCode    StatusCode
	Reason        string
}

func NewResponse(statusCode StatusCode, reason string) *Response {
	res := &Response{
		StatusCode: statusCode,
		Reason:     reason,
	}
	res.SipVersion = "SIP/2.0"
	return res
}

func (r *Response) StartLine() string {
	var sb strings.Builder
	r.StartLineWrite(&sb)
	return sb.String()
}

func (r *Response) StartLineWrite(buffer io.StringWriter) {
	buffer.WriteString(r.SipVersion)
	buffer.WriteString(" ")
	buffer.WriteString(strconv.Itoa(int(r.StatusCode)))
	buffer.WriteString(" ")
	buffer.WriteString(r.Reason)
}

func (r *Response) String() string {
	var sb strings.Builder
	r.StringWrite(&sb)
	return sb.String()
}

func (r *Response) StringWrite(buffer io.StringWriter) {
	r.StartLineWrite(buffer)
	buffer.WriteString("\r\n")
	r.headers.StringWrite(buffer)
	if len(r.body) > 0 {
		buffer.WriteString(string(r.body))
	}
}

func (r *Response) Short() string {
	return fmt.Sprintf("response %d %s (%s)", r.StatusCode, r.Reason, r.SipVersion)
}

func (r *Response) IsProvisional() bool { return r.StatusCode < 200 }
func (r *Response) IsSuccess() bool     { return r.StatusCode >= 200 && r.StatusCode < 300 }
func (r *Response) IsRedirection() bool { return r.StatusCode >= 300 && r.StatusCode < 400 }
func (r *Response) IsClientError() bool { return r.StatusCode >= 400 && r.StatusCode < 500 }
func (r *Response) IsServerError() bool { return r.StatusCode >= 500 && r.StatusCode < 600 }
func (r *Response) IsFinal() bool       { return r.StatusCode >= 200 }

// IsCancel reports whether this response is to a CANCEL request, matched
// by CSeq method rather than status code.
func (r *Response) IsCancel() bool {
	cseq, ok := r.CSeq()
	return ok && cseq.MethodName == CANCEL
}

// Clone deep-copies the response, including headers and body.
func (r *Response) Clone() *Response {
	newRes := NewResponse(r.StatusCode, r.Reason)
	newRes.SipVersion = r.SipVersion
	newRes.SetTransport(r.Transport())
	newRes.SetSource(r.Source())
	newRes.SetDestination(r.Destination())
	for _, h := range r.CloneHeaders() {
		newRes.AppendHeader(h)
	}
	if r.body != nil {
		body := make([]byte, len(r.body))
		copy(body, r.body)
		newRes.body = body
	}
	return newRes
}

const (
	StatusTrying               StatusCode = 100
	StatusRinging              StatusCode = 180
	StatusOK                   StatusCode = 200
	StatusMovedPermanently     StatusCode = 301
	StatusMovedTemporarily     StatusCode = 302
	StatusBadRequest           StatusCode = 400
	StatusUnauthorized         StatusCode = 401
	StatusForbidden            StatusCode = 403
	StatusNotFound             StatusCode = 404
	StatusRequestTimeout       StatusCode = 408
	StatusProxyAuthRequired    StatusCode = 407
	StatusBusyHere             StatusCode = 486
	StatusRequestTerminated    StatusCode = 487
	StatusServerInternalError  StatusCode = 500
	StatusNotImplemented       StatusCode = 501
	StatusCallTransDoesNotExist StatusCode = 481
)

var reasonPhrases = map[StatusCode]string{
	StatusTrying:                "Trying",
	StatusRinging:               "Ringing",
	StatusOK:                    "OK",
	StatusMovedPermanently:      "Moved Permanently",
	StatusMovedTemporarily:      "Moved Temporarily",
	StatusBadRequest:            "Bad Request",
	StatusUnauthorized:          "Unauthorized",
	StatusForbidden:             "Forbidden",
	StatusNotFound:              "Not Found",
	StatusRequestTimeout:        "Request Timeout",
	StatusProxyAuthRequired:     "Proxy Authentication Required",
	StatusBusyHere:              "Busy Here",
	StatusRequestTerminated:     "Request Terminated",
	StatusServerInternalError:   "Server Internal Error",
	StatusNotImplemented:        "Not Implemented",
	StatusCallTransDoesNotExist: "Call/Transaction Does Not Exist",
}

// ReasonPhrase returns the default reason phrase for a well-known status
// code, or "" if none is registered.
func ReasonPhrase(code StatusCode) string {
	return reasonPhrases[code]
}
