package sip

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Header is a single SIP header value.
type Header interface {
	Name() string
	Value() string
	String() string
	StringWrite(w io.StringWriter)
	headerClone() Header
}

func HeaderClone(h Header) Header {
	return h.headerClone()
}

// compactNames maps the compact single-letter header forms to their long name.
var compactNames = map[string]string{
	"i": "Call-ID",
	"m": "Contact",
	"e": "Content-Encoding",
	"l": "Content-Length",
	"c": "Content-Type",
	"f": "From",
	"s": "Subject",
	"k": "Supported",
	"t": "To",
	"v": "Via",
}

// HeaderToLower lowercases a header name for case-insensitive comparisons.
func HeaderToLower(name string) string {
	return strings.ToLower(name)
}

// headerPriority places headers that MUST appear first in a sane place on
// the wire ahead of everything else, insertion order otherwise.
var headerPriority = map[string]int{
	"via":          0,
	"max-forwards": 1,
}

// headers holds an ordered header collection plus typed fast-access pointers
// for the headers the stack consults most often.
type headers struct {
	headerOrder []Header

	via           *ViaHeader
	from          *FromHeader
	to            *ToHeader
	callid        *CallIDHeader
	contact       *ContactHeader
	cseq          *CSeqHeader
	maxForwards   *MaxForwardsHeader
	contentLength *ContentLengthHeader
	contentType   *ContentTypeHeader
	route         *RouteHeader
	recordRoute   *RecordRouteHeader
}

func (hs *headers) String() string {
	var sb strings.Builder
	hs.StringWrite(&sb)
	return sb.String()
}

// StringWrite renders headers in priority order (Via, Max-Forwards, then
// insertion order for the rest), one per line, terminated by the blank
// line that separates headers from the body.
func (hs *headers) StringWrite(buffer io.StringWriter) {
	ordered := hs.orderedHeaders()
	for _, h := range ordered {
		h.StringWrite(buffer)
		buffer.WriteString("\r\n")
	}
	buffer.WriteString("\r\n")
}

func (hs *headers) orderedHeaders() []Header {
	out := make([]Header, len(hs.headerOrder))
	copy(out, hs.headerOrder)

	// stable sort by priority, fallback keeps insertion order
	prio := func(h Header) int {
		if p, ok := headerPriority[HeaderToLower(h.Name())]; ok {
			return p
		}
		return 2
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && prio(out[j]) < prio(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (hs *headers) AppendHeader(header Header) {
	hs.headerOrder = append(hs.headerOrder, header)
	hs.index(header)
}

func (hs *headers) index(header Header) {
	switch m := header.(type) {
	case *ViaHeader:
		if hs.via == nil {
			hs.via = m
		}
	case *FromHeader:
		hs.from = m
	case *ToHeader:
		hs.to = m
	case *CallIDHeader:
		hs.callid = m
	case *CSeqHeader:
		hs.cseq = m
	case *ContactHeader:
		hs.contact = m
	case *MaxForwardsHeader:
		hs.maxForwards = m
	case *ContentLengthHeader:
		hs.contentLength = m
	case *ContentTypeHeader:
		hs.contentType = m
	case *RouteHeader:
		hs.route = m
	case *RecordRouteHeader:
		hs.recordRoute = m
	}
}

func (hs *headers) PrependHeader(hdrs ...Header) {
	offset := len(hdrs)
	newOrder := make([]Header, len(hs.headerOrder)+offset)
	copy(newOrder, hdrs)
	copy(newOrder[offset:], hs.headerOrder)
	hs.headerOrder = newOrder
	for _, h := range hdrs {
		hs.index(h)
	}
}

func (hs *headers) AppendHeaderAfter(header Header, name string) {
	ind := -1
	for i, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == HeaderToLower(name) {
			ind = i
		}
	}
	if ind < 0 {
		hs.AppendHeader(header)
		return
	}
	newOrder := make([]Header, 0, len(hs.headerOrder)+1)
	newOrder = append(newOrder, hs.headerOrder[:ind+1]...)
	newOrder = append(newOrder, header)
	newOrder = append(newOrder, hs.headerOrder[ind+1:]...)
	hs.headerOrder = newOrder
	hs.index(header)
}

func (hs *headers) ReplaceHeader(header Header) {
	name := HeaderToLower(header.Name())
	for i, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == name {
			hs.headerOrder[i] = header
			hs.index(header)
			return
		}
	}
	hs.AppendHeader(header)
}

func (hs *headers) Headers() []Header {
	return hs.headerOrder
}

func (hs *headers) GetHeaders(name string) []Header {
	var hds []Header
	nameLower := HeaderToLower(name)
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			hds = append(hds, h)
		}
	}
	return hds
}

func (hs *headers) GetHeader(name string) Header {
	nameLower := HeaderToLower(name)
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			return h
		}
	}
	return nil
}

func (hs *headers) RemoveHeader(name string) {
	nameLower := HeaderToLower(name)
	for idx, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			hs.headerOrder = append(hs.headerOrder[:idx], hs.headerOrder[idx+1:]...)
			return
		}
	}
}

func (hs *headers) CloneHeaders() []Header {
	hdrs := make([]Header, 0, len(hs.headerOrder))
	for _, h := range hs.headerOrder {
		hdrs = append(hdrs, h.headerClone())
	}
	return hdrs
}

func (hs *headers) CallID() (*CallIDHeader, bool)             { return hs.callid, hs.callid != nil }
func (hs *headers) Via() (*ViaHeader, bool)                   { return hs.via, hs.via != nil }
func (hs *headers) From() (*FromHeader, bool)                 { return hs.from, hs.from != nil }
func (hs *headers) To() (*ToHeader, bool)                     { return hs.to, hs.to != nil }
func (hs *headers) CSeq() (*CSeqHeader, bool)                 { return hs.cseq, hs.cseq != nil }
func (hs *headers) MaxForwards() (*MaxForwardsHeader, bool)   { return hs.maxForwards, hs.maxForwards != nil }
func (hs *headers) ContentLength() (*ContentLengthHeader, bool) {
	return hs.contentLength, hs.contentLength != nil
}
func (hs *headers) ContentType() (*ContentTypeHeader, bool) { return hs.contentType, hs.contentType != nil }
func (hs *headers) Contact() (*ContactHeader, bool)         { return hs.contact, hs.contact != nil }
func (hs *headers) Route() (*RouteHeader, bool)             { return hs.route, hs.route != nil }
func (hs *headers) RecordRoute() (*RecordRouteHeader, bool) {
	return hs.recordRoute, hs.recordRoute != nil
}

// CopyHeaders copies all headers with the given name from one message to
// another, appending to whatever that message already has.
func CopyHeaders(name string, from, to Message) {
	for _, h := range from.GetHeaders(name) {
		to.AppendHeader(h.headerClone())
	}
}

// GenericHeader carries a header this stack does not natively parse.
type GenericHeader struct {
	HeaderName string
	Contents   string
}

func (h *GenericHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *GenericHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *GenericHeader) Name() string  { return h.HeaderName }
func (h *GenericHeader) Value() string { return h.Contents }

func (h *GenericHeader) headerClone() Header {
	if h == nil {
		return (*GenericHeader)(nil)
	}
	return &GenericHeader{HeaderName: h.HeaderName, Contents: h.Contents}
}

// addrHeader is the shared shape of From/To: optional display name, a URI,
// and parameters (notably "tag").
type addrHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *addrHeader) valueStringWrite(buffer io.StringWriter) {
	if h.DisplayName != "" {
		buffer.WriteString("\"")
		buffer.WriteString(h.DisplayName)
		buffer.WriteString("\" ")
	}
	buffer.WriteString("<")
	h.Address.StringWrite(buffer)
	buffer.WriteString(">")
	if h.Params != nil && h.Params.Length() > 0 {
		buffer.WriteString(";")
		h.Params.ToStringWrite(';', buffer)
	}
}

// Tag returns the "tag" param, if present.
func (h *addrHeader) Tag() (string, bool) {
	if h.Params == nil {
		return "", false
	}
	return h.Params.Get("tag")
}

type ToHeader struct{ addrHeader }

func (h *ToHeader) Name() string { return "To" }
func (h *ToHeader) Value() string {
	var sb strings.Builder
	h.addrHeader.valueStringWrite(&sb)
	return sb.String()
}
func (h *ToHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *ToHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.addrHeader.valueStringWrite(buffer)
}
func (h *ToHeader) headerClone() Header {
	if h == nil {
		return (*ToHeader)(nil)
	}
	n := &ToHeader{addrHeader{DisplayName: h.DisplayName, Address: *h.Address.Clone()}}
	if h.Params != nil {
		n.Params = h.Params.Clone()
	}
	return n
}

type FromHeader struct{ addrHeader }

func (h *FromHeader) Name() string { return "From" }
func (h *FromHeader) Value() string {
	var sb strings.Builder
	h.addrHeader.valueStringWrite(&sb)
	return sb.String()
}
func (h *FromHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *FromHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.addrHeader.valueStringWrite(buffer)
}
func (h *FromHeader) headerClone() Header {
	if h == nil {
		return (*FromHeader)(nil)
	}
	n := &FromHeader{addrHeader{DisplayName: h.DisplayName, Address: *h.Address.Clone()}}
	if h.Params != nil {
		n.Params = h.Params.Clone()
	}
	return n
}

// ContactHeader is a linked list: a single Contact: line may carry several
// comma-separated contacts.
type ContactHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
	Next        *ContactHeader
}

func (h *ContactHeader) Name() string { return "Contact" }

func (h *ContactHeader) Value() string {
	var sb strings.Builder
	h.ValueStringWrite(&sb)
	return sb.String()
}

func (h *ContactHeader) ValueStringWrite(buffer io.StringWriter) {
	hop := h
	for hop != nil {
		hop.valueWrite(buffer)
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
		hop = hop.Next
	}
}

func (h *ContactHeader) valueWrite(buffer io.StringWriter) {
	if h.Address.Wildcard {
		buffer.WriteString("*")
		return
	}
	if h.DisplayName != "" {
		buffer.WriteString("\"")
		buffer.WriteString(h.DisplayName)
		buffer.WriteString("\" ")
	}
	buffer.WriteString("<")
	h.Address.StringWrite(buffer)
	buffer.WriteString(">")
	if h.Params != nil && h.Params.Length() > 0 {
		buffer.WriteString(";")
		h.Params.ToStringWrite(';', buffer)
	}
}

func (h *ContactHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *ContactHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *ContactHeader) headerClone() Header { return h.Clone() }

func (h *ContactHeader) Clone() *ContactHeader {
	newCnt := h.cloneFirst()
	tail := newCnt
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = hop.cloneFirst()
		tail = tail.Next
	}
	return newCnt
}

func (h *ContactHeader) cloneFirst() *ContactHeader {
	if h == nil {
		return nil
	}
	n := &ContactHeader{DisplayName: h.DisplayName, Address: *h.Address.Clone()}
	if h.Params != nil {
		n.Params = h.Params.Clone()
	}
	return n
}

// CallIDHeader is the Call-ID header: an opaque token shared by every
// message in a dialog.
type CallIDHeader string

func (h *CallIDHeader) Name() string  { return "Call-ID" }
func (h *CallIDHeader) Value() string { return string(*h) }
func (h *CallIDHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *CallIDHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *CallIDHeader) headerClone() Header {
	if h == nil {
		return (*CallIDHeader)(nil)
	}
	n := CallIDHeader(*h)
	return &n
}

type CSeqHeader struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (h *CSeqHeader) Name() string { return "CSeq" }
func (h *CSeqHeader) Value() string {
	return fmt.Sprintf("%d %s", h.SeqNo, h.MethodName)
}
func (h *CSeqHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *CSeqHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(strconv.Itoa(int(h.SeqNo)))
	buffer.WriteString(" ")
	buffer.WriteString(string(h.MethodName))
}
func (h *CSeqHeader) headerClone() Header {
	if h == nil {
		return (*CSeqHeader)(nil)
	}
	return &CSeqHeader{SeqNo: h.SeqNo, MethodName: h.MethodName}
}

type MaxForwardsHeader uint32

func (h *MaxForwardsHeader) Name() string  { return "Max-Forwards" }
func (h *MaxForwardsHeader) Value() string { return strconv.Itoa(int(*h)) }
func (h *MaxForwardsHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *MaxForwardsHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *MaxForwardsHeader) headerClone() Header {
	if h == nil {
		return (*MaxForwardsHeader)(nil)
	}
	n := *h
	return &n
}

type ExpiresHeader uint32

func (h *ExpiresHeader) Name() string  { return "Expires" }
func (h *ExpiresHeader) Value() string { return strconv.Itoa(int(*h)) }
func (h *ExpiresHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *ExpiresHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *ExpiresHeader) headerClone() Header {
	if h == nil {
		return (*ExpiresHeader)(nil)
	}
	n := *h
	return &n
}

type ContentLengthHeader uint32

func (h *ContentLengthHeader) Name() string  { return "Content-Length" }
func (h *ContentLengthHeader) Value() string { return strconv.Itoa(int(*h)) }
func (h *ContentLengthHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *ContentLengthHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *ContentLengthHeader) headerClone() Header {
	if h == nil {
		return (*ContentLengthHeader)(nil)
	}
	n := *h
	return &n
}

type ContentTypeHeader string

func (h *ContentTypeHeader) Name() string  { return "Content-Type" }
func (h *ContentTypeHeader) Value() string { return string(*h) }
func (h *ContentTypeHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *ContentTypeHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *ContentTypeHeader) headerClone() Header {
	if h == nil {
		return (*ContentTypeHeader)(nil)
	}
	n := *h
	return &n
}

// ViaHeader is a linked list: one Via: line per hop, the stack's own hop
// always prepended at the head.
type ViaHeader struct {
	ProtocolName    string
	ProtocolVersion string
	Transport       string
	Host            string
	Port            int
	Params          HeaderParams
	Next            *ViaHeader
}

func (hop *ViaHeader) SentBy() string {
	var buf bytes.Buffer
	buf.WriteString(hop.Host)
	if hop.Port > 0 {
		fmt.Fprintf(&buf, ":%d", hop.Port)
	}
	return buf.String()
}

func (h *ViaHeader) Name() string { return "Via" }

func (h *ViaHeader) Value() string {
	var buf bytes.Buffer
	h.ValueStringWrite(&buf)
	return buf.String()
}

func (h *ViaHeader) ValueStringWrite(buffer io.StringWriter) {
	hop := h
	for hop != nil {
		buffer.WriteString(hop.ProtocolName)
		buffer.WriteString("/")
		buffer.WriteString(hop.ProtocolVersion)
		buffer.WriteString("/")
		buffer.WriteString(hop.Transport)
		buffer.WriteString(" ")
		buffer.WriteString(hop.Host)
		if hop.Port > 0 {
			buffer.WriteString(":")
			buffer.WriteString(strconv.Itoa(hop.Port))
		}
		if hop.Params != nil && hop.Params.Length() > 0 {
			buffer.WriteString(";")
			hop.Params.ToStringWrite(';', buffer)
		}
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
		hop = hop.Next
	}
}

func (h *ViaHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *ViaHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *ViaHeader) headerClone() Header { return h.Clone() }

func (h *ViaHeader) Clone() *ViaHeader {
	newHop := h.cloneFirst()
	tail := newHop
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = hop.cloneFirst()
		tail = tail.Next
	}
	return newHop
}

func (h *ViaHeader) cloneFirst() *ViaHeader {
	if h == nil {
		return nil
	}
	n := &ViaHeader{
		ProtocolName:    h.ProtocolName,
		ProtocolVersion: h.ProtocolVersion,
		Transport:       h.Transport,
		Host:            h.Host,
		Port:            h.Port,
	}
	if h.Params != nil {
		n.Params = h.Params.Clone()
	}
	return n
}

// RouteHeader and RecordRouteHeader are linked lists of intermediary URIs.
type RouteHeader struct {
	Address Uri
	Next    *RouteHeader
}

func (h *RouteHeader) Name() string { return "Route" }
func (h *RouteHeader) Value() string {
	var buf bytes.Buffer
	h.ValueStringWrite(&buf)
	return buf.String()
}
func (h *RouteHeader) ValueStringWrite(buffer io.StringWriter) {
	for hop := h; hop != nil; hop = hop.Next {
		buffer.WriteString("<")
		hop.Address.StringWrite(buffer)
		buffer.WriteString(">")
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
	}
}
func (h *RouteHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *RouteHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}
func (h *RouteHeader) headerClone() Header { return h.Clone() }
func (h *RouteHeader) Clone() *RouteHeader {
	newRoute := h.cloneFirst()
	tail := newRoute
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = hop.cloneFirst()
		tail = tail.Next
	}
	return newRoute
}
func (h *RouteHeader) cloneFirst() *RouteHeader {
	if h == nil {
		return nil
	}
	return &RouteHeader{Address: *h.Address.Clone()}
}

type RecordRouteHeader struct {
	Address Uri
	Next    *RecordRouteHeader
}

func (h *RecordRouteHeader) Name() string { return "Record-Route" }
func (h *RecordRouteHeader) Value() string {
	var buf bytes.Buffer
	h.ValueStringWrite(&buf)
	return buf.String()
}
func (h *RecordRouteHeader) ValueStringWrite(buffer io.StringWriter) {
	for hop := h; hop != nil; hop = hop.Next {
		buffer.WriteString("<")
		hop.Address.StringWrite(buffer)
		buffer.WriteString(">")
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
	}
}
func (h *RecordRouteHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *RecordRouteHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}
func (h *RecordRouteHeader) headerClone() Header { return h.Clone() }
func (h *RecordRouteHeader) Clone() *RecordRouteHeader {
	newRoute := h.cloneFirst()
	tail := newRoute
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = hop.cloneFirst()
		tail = tail.Next
	}
	return newRoute
}
func (h *RecordRouteHeader) cloneFirst() *RecordRouteHeader {
	if h == nil {
		return nil
	}
	return &RecordRouteHeader{Address: *h.Address.Clone()}
}

// AuthHeader covers both WWW-Authenticate/Authorization and
// Proxy-Authenticate/Proxy-Authorization: a scheme token plus named params.
type AuthHeader struct {
	headerName string
	Scheme     string
	Params     HeaderParams
}

func NewAuthHeader(name string) *AuthHeader {
	return &AuthHeader{headerName: name, Scheme: "Digest", Params: NewParams()}
}

func (h *AuthHeader) Name() string { return h.headerName }
func (h *AuthHeader) Value() string {
	var sb strings.Builder
	h.ValueStringWrite(&sb)
	return sb.String()
}
func (h *AuthHeader) ValueStringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Scheme)
	buffer.WriteString(" ")
	h.Params.ToStringWrite(',', buffer)
}
func (h *AuthHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *AuthHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}
func (h *AuthHeader) headerClone() Header {
	if h == nil {
		return (*AuthHeader)(nil)
	}
	n := &AuthHeader{headerName: h.headerName, Scheme: h.Scheme}
	if h.Params != nil {
		n.Params = h.Params.Clone()
	}
	return n
}
