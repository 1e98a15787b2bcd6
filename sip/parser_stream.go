package sip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrParseSipPartial signals the stream parser needs more bytes before it
// can produce a complete message; the caller should read more and call
// ParseSIPStream again with the new bytes.
var ErrParseSipPartial = errors.New("incomplete SIP message, need more data")

const (
	streamStateStartLine = iota
	streamStateHeader
	streamStateContent
	streamStateDone
)

// ParserStream reassembles SIP messages out of a TCP/TLS byte stream: the
// framing parser reads a header block up to CRLFCRLF, then exactly
// Content-Length body bytes, draining every complete message coalesced in
// one read before asking for more.
type ParserStream struct {
	parser *Parser

	reader            bytes.Buffer
	msg               Message
	readContentLength int
	state             int
}

func (p *Parser) NewSIPStream() *ParserStream {
	return &ParserStream{parser: p}
}

func (p *ParserStream) reset() {
	p.state = streamStateStartLine
	p.msg = nil
	p.readContentLength = 0
}

// ParseSIPStream appends data to the stream buffer and attempts to produce
// the next complete message. Returns ErrParseSipPartial if more bytes are
// needed; the caller must retain any unconsumed bytes (they stay buffered
// internally) and call again once more data arrives.
func (p *ParserStream) ParseSIPStream(data []byte) (Message, error) {
	p.reader.Write(data)

	// Leading blank lines between messages (keep-alive CRLFs) are permitted
	// and skipped.
	if p.state == streamStateStartLine {
		for {
			peek := p.reader.Bytes()
			if len(peek) >= 2 && peek[0] == '\r' && peek[1] == '\n' {
				p.reader.Next(2)
				continue
			}
			break
		}
	}

	switch p.state {
	case streamStateStartLine:
		line, err := p.nextLine()
		if err != nil {
			return nil, ErrParseSipPartial
		}
		msg, err := ParseStartLine(line)
		if err != nil {
			p.reset()
			return nil, err
		}
		p.msg = msg
		p.state = streamStateHeader
		fallthrough

	case streamStateHeader:
		for {
			line, err := p.nextLine()
			if err != nil {
				return nil, ErrParseSipPartial
			}
			if len(line) == 0 {
				break
			}
			if !strings.Contains(line, ":") {
				p.reset()
				return nil, &MalformedMessage{Reason: fmt.Sprintf("missing colon in header line: %q", line)}
			}
			if err := p.parser.parseAndAppend(p.msg, line); err != nil {
				p.parser.log.Info().Err(err).Str("line", line).Msg("skip header due to parse error")
			}
		}

		contentLength := 0
		if cl, ok := p.msg.ContentLength(); ok {
			contentLength = int(*cl)
		}
		if contentLength <= 0 {
			msg := p.msg
			p.reset()
			return msg, nil
		}
		p.state = streamStateContent
		fallthrough

	case streamStateContent:
		contentLength := 0
		if cl, ok := p.msg.ContentLength(); ok {
			contentLength = int(*cl)
		}
		if p.reader.Len() < contentLength-p.readContentLength {
			return nil, ErrParseSipPartial
		}
		body := make([]byte, contentLength)
		n, _ := p.reader.Read(body)
		p.readContentLength += n
		if p.readContentLength < contentLength {
			return nil, ErrParseSipPartial
		}
		p.msg.SetBody(body)
		msg := p.msg
		p.reset()
		return msg, nil

	default:
		return nil, fmt.Errorf("stream parser in unknown state")
	}
}

// nextLine extracts one CRLF-terminated line from the front of the
// buffer without consuming the trailing bytes if the line is incomplete.
func (p *ParserStream) nextLine() (string, error) {
	buf := p.reader.Bytes()
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		return "", io.EOF
	}
	line := string(buf[:idx])
	p.reader.Next(idx + 2)
	return line, nil
}

// Reset discards any buffered partial message, used when a connection is
// known to have desynchronized (e.g. after a parse error the caller chose
// not to treat as fatal).
func (p *ParserStream) Reset() {
	p.reader.Reset()
	p.reset()
}
