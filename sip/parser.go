package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HeaderParser turns the raw value text of one header occurrence into a
// typed Header.
type HeaderParser func(headerName string, headerData string) (Header, error)

const maxCseq = 2147483647

// headersParsers is intentionally small: unknown headers fall back to
// GenericHeader, which is cheap and lossless for anything the stack
// doesn't need to inspect.
var headersParsers = map[string]HeaderParser{
	"to":                  parseToAddressHeader,
	"t":                   parseToAddressHeader,
	"from":                parseFromAddressHeader,
	"f":                   parseFromAddressHeader,
	"contact":             parseContactAddressHeader,
	"m":                   parseContactAddressHeader,
	"call-id":             parseCallID,
	"i":                   parseCallID,
	"cseq":                parseCSeq,
	"via":                 parseViaHeader,
	"v":                   parseViaHeader,
	"max-forwards":        parseMaxForwards,
	"content-length":      parseContentLength,
	"l":                   parseContentLength,
	"content-type":        parseContentType,
	"c":                   parseContentType,
	"route":               parseRouteHeader,
	"record-route":        parseRecordRouteHeader,
	"expires":             parseExpires,
	"www-authenticate":    parseAuthHeader("WWW-Authenticate"),
	"authorization":       parseAuthHeader("Authorization"),
	"proxy-authenticate":  parseAuthHeader("Proxy-Authenticate"),
	"proxy-authorization": parseAuthHeader("Proxy-Authorization"),
}

// specialHeaders never split on top-level commas: their values legitimately
// contain commas that are not value separators (RFC 3261 §7.3.1).
var specialHeaders = map[string]bool{
	"www-authenticate":    true,
	"authorization":       true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"date":                true,
	"subject":             true,
	"user-agent":          true,
	"server":              true,
}

// chainingHeaders are rendered as a wire comma-list but modeled internally
// as a linked list so that per-hop accessors stay simple.
var chainingHeaders = map[string]bool{
	"via":          true,
	"contact":      true,
	"route":        true,
	"record-route": true,
}

func parseCallID(headerName, headerText string) (Header, error) {
	headerText = strings.TrimSpace(headerText)
	if len(headerText) == 0 {
		return nil, fmt.Errorf("empty Call-ID body")
	}
	h := CallIDHeader(headerText)
	return &h, nil
}

func parseMaxForwards(headerName, headerText string) (Header, error) {
	val, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	if err != nil {
		return nil, err
	}
	h := MaxForwardsHeader(val)
	return &h, nil
}

func parseExpires(headerName, headerText string) (Header, error) {
	val, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	if err != nil {
		return nil, err
	}
	h := ExpiresHeader(val)
	return &h, nil
}

func parseCSeq(headerName, headerText string) (Header, error) {
	var cseq CSeqHeader
	ind := strings.IndexAny(headerText, " \t")
	if ind < 1 || len(headerText)-ind < 2 {
		return nil, fmt.Errorf("CSeq field should have exactly one whitespace section: %q", headerText)
	}
	seqno, err := strconv.ParseUint(headerText[:ind], 10, 32)
	if err != nil {
		return nil, err
	}
	if seqno > maxCseq {
		return nil, fmt.Errorf("invalid CSeq %d: exceeds maximum permitted value", seqno)
	}
	cseq.SeqNo = uint32(seqno)
	cseq.MethodName = RequestMethod(strings.TrimSpace(headerText[ind+1:]))
	return &cseq, nil
}

func parseContentLength(headerName, headerText string) (Header, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	if err != nil {
		return nil, err
	}
	h := ContentLengthHeader(value)
	return &h, nil
}

func parseContentType(headerName, headerText string) (Header, error) {
	h := ContentTypeHeader(strings.TrimSpace(headerText))
	return &h, nil
}

func parseAuthHeader(name string) HeaderParser {
	return func(headerName, headerText string) (Header, error) {
		headerText = strings.TrimSpace(headerText)
		sp := strings.IndexAny(headerText, " \t")
		h := NewAuthHeader(name)
		if sp < 0 {
			return h, nil
		}
		h.Scheme = headerText[:sp]
		if _, err := UnmarshalParams(strings.TrimSpace(headerText[sp+1:]), ',', 0, h.Params); err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Parser parses complete SIP datagrams (already de-framed by the transport
// layer). For TCP/TLS streams, use NewSIPStream instead.
type Parser struct {
	log            zerolog.Logger
	headersParsers map[string]HeaderParser
}

func NewParser() *Parser {
	return &Parser{log: log.Logger, headersParsers: headersParsers}
}

func (p *Parser) SetLogger(l zerolog.Logger) { p.log = l }

// ParseSIP parses one complete message: a UDP datagram, or a message the
// caller has already framed off of a TCP/TLS stream.
func (p *Parser) ParseSIP(data []byte) (msg Message, err error) {
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, &MalformedMessage{Reason: "no CRLFCRLF header terminator found", Offset: len(data)}
	}

	headerBlock := string(data[:idx])
	rest := data[idx+4:]

	lines := unfoldHeaderLines(headerBlock)
	if len(lines) == 0 {
		return nil, &MalformedMessage{Reason: "empty message", Offset: 0}
	}

	msg, err = ParseStartLine(lines[0])
	if err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		if !strings.Contains(line, ":") {
			return nil, &MalformedMessage{Reason: fmt.Sprintf("missing colon in header line: %q", line), Offset: idx}
		}
		if err := p.parseAndAppend(msg, line); err != nil {
			p.log.Info().Err(err).Str("line", line).Msg("skip header due to parse error")
		}
	}

	contentLength := 0
	if cl, ok := msg.ContentLength(); ok {
		contentLength = int(*cl)
	}

	if contentLength <= 0 {
		return msg, nil
	}

	if contentLength > len(rest) {
		return nil, &MalformedMessage{
			Reason: fmt.Sprintf("Content-Length %d exceeds %d available bytes", contentLength, len(rest)),
			Offset: idx + 4,
		}
	}

	msg.SetBody(rest[:contentLength])
	return msg, nil
}

// unfoldHeaderLines splits a header block into logical header lines,
// joining any continuation line (one beginning with space or tab) onto
// the previous line with a single inserted space.
func unfoldHeaderLines(block string) []string {
	raw := strings.Split(block, "\r\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if len(l) > 0 && (l[0] == ' ' || l[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.TrimSpace(l)
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func (p *Parser) parseAndAppend(msg Message, line string) error {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return fmt.Errorf("missing colon in header line: %q", line)
	}
	name := strings.TrimSpace(line[:colon])
	value := strings.TrimSpace(line[colon+1:])

	longName := name
	lower := HeaderToLower(name)
	if ln, ok := compactNames[lower]; ok {
		longName = ln
	}
	lower = HeaderToLower(longName)

	parseFn, known := p.headersParsers[lower]
	if !known {
		msg.AppendHeader(&GenericHeader{HeaderName: longName, Contents: value})
		return nil
	}

	segments := []string{value}
	if !specialHeaders[lower] {
		segments = splitTopLevelComma(value)
	}

	var firstVia *ViaHeader
	var lastVia *ViaHeader
	var firstContact *ContactHeader
	var lastContact *ContactHeader
	var firstRoute *RouteHeader
	var lastRoute *RouteHeader
	var firstRR *RecordRouteHeader
	var lastRR *RecordRouteHeader

	for _, seg := range segments {
		h, err := parseFn(longName, seg)
		if err != nil {
			return err
		}

		if !chainingHeaders[lower] {
			msg.AppendHeader(h)
			continue
		}

		switch v := h.(type) {
		case *ViaHeader:
			if firstVia == nil {
				firstVia = v
				lastVia = v
			} else {
				lastVia.Next = v
				lastVia = v
			}
		case *ContactHeader:
			if firstContact == nil {
				firstContact = v
				lastContact = v
			} else {
				lastContact.Next = v
				lastContact = v
			}
		case *RouteHeader:
			if firstRoute == nil {
				firstRoute = v
				lastRoute = v
			} else {
				lastRoute.Next = v
				lastRoute = v
			}
		case *RecordRouteHeader:
			if firstRR == nil {
				firstRR = v
				lastRR = v
			} else {
				lastRR.Next = v
				lastRR = v
			}
		}
	}

	switch lower {
	case "via", "v":
		if firstVia != nil {
			msg.AppendHeader(firstVia)
		}
	case "contact", "m":
		if firstContact != nil {
			msg.AppendHeader(firstContact)
		}
	case "route":
		if firstRoute != nil {
			msg.AppendHeader(firstRoute)
		}
	case "record-route":
		if firstRR != nil {
			msg.AppendHeader(firstRR)
		}
	}
	return nil
}

// splitTopLevelComma splits s on commas that are not inside a quoted
// string or angle-bracketed URI.
func splitTopLevelComma(s string) []string {
	var out []string
	depth := 0
	inQuotes := false
	start := 0
	for i, c := range s {
		switch c {
		case '"':
			inQuotes = !inQuotes
		case '<':
			if !inQuotes {
				depth++
			}
		case '>':
			if !inQuotes && depth > 0 {
				depth--
			}
		case ',':
			if !inQuotes && depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func isRequest(startLine string) bool {
	return !strings.HasPrefix(startLine, "SIP/")
}

// ParseStartLine parses the first line of a message into an empty Request
// or Response shell (headers/body are filled in separately).
func ParseStartLine(startLine string) (Message, error) {
	if isRequest(startLine) {
		parts := strings.SplitN(startLine, " ", 3)
		if len(parts) != 3 {
			return nil, &MalformedMessage{Reason: "malformed request line: " + startLine}
		}
		var recipient Uri
		if err := ParseUri(parts[1], &recipient); err != nil {
			return nil, fmt.Errorf("parse request-uri: %w", err)
		}
		req := NewRequest(RequestMethod(parts[0]), recipient)
		req.SipVersion = parts[2]
		return req, nil
	}

	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) < 2 {
		return nil, &MalformedMessage{Reason: "malformed status line: " + startLine}
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("parse status code: %w", err)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	res := NewResponse(StatusCode(code), reason)
	res.SipVersion = parts[0]
	return res, nil
}
