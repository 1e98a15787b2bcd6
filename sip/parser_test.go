package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserRequestRoundTrip(t *testing.T) {
	raw := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"Max-Forwards: 70\r\n" +
		"To: Bob <sip:bob@biloxi.com>\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Contact: <sip:alice@pc33.atlanta.com>\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 4\r\n" +
		"\r\n" +
		"test"

	p := NewParser()
	msg, err := p.ParseSIP([]byte(raw))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, INVITE, req.Method)
	assert.Equal(t, "bob", req.Recipient.User)
	assert.Equal(t, "biloxi.com", req.Recipient.Host)

	via, ok := req.Via()
	require.True(t, ok)
	assert.Equal(t, "UDP", via.Transport)
	branch, ok := via.Params.Get("branch")
	require.True(t, ok)
	assert.Equal(t, "z9hG4bK776asdhds", branch)

	from, ok := req.From()
	require.True(t, ok)
	tag, ok := from.Tag()
	require.True(t, ok)
	assert.Equal(t, "1928301774", tag)

	cseq, ok := req.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(314159), cseq.SeqNo)
	assert.Equal(t, INVITE, cseq.MethodName)

	assert.Equal(t, []byte("test"), req.Body())

	reparsed, err := p.ParseSIP([]byte(req.String()))
	require.NoError(t, err)
	req2 := reparsed.(*Request)
	assert.Equal(t, req.Method, req2.Method)
	assert.Equal(t, req.Recipient.String(), req2.Recipient.String())
	v2, ok := req2.Via()
	require.True(t, ok)
	assert.Equal(t, via.Transport, v2.Transport)
}

func TestParserResponseRoundTrip(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"To: Bob <sip:bob@biloxi.com>;tag=a6c85cf\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	p := NewParser()
	msg, err := p.ParseSIP([]byte(raw))
	require.NoError(t, err)

	res, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, StatusOK, res.StatusCode)
	assert.True(t, res.IsSuccess())
	assert.False(t, res.IsProvisional())
}

func TestParserCompactHeaderNames(t *testing.T) {
	raw := "REGISTER sip:registrar.biloxi.com SIP/2.0\r\n" +
		"v: SIP/2.0/UDP bobspc.biloxi.com:5060;branch=z9hG4bKnashds7\r\n" +
		"f: Bob <sip:bob@biloxi.com>;tag=456248\r\n" +
		"t: Bob <sip:bob@biloxi.com>\r\n" +
		"i: 843817637684230@998sdasdh09\r\n" +
		"CSeq: 1826 REGISTER\r\n" +
		"m: <sip:bob@192.0.2.4>\r\n" +
		"l: 0\r\n" +
		"\r\n"

	p := NewParser()
	msg, err := p.ParseSIP([]byte(raw))
	require.NoError(t, err)

	req := msg.(*Request)
	via, ok := req.Via()
	require.True(t, ok)
	assert.Equal(t, "bobspc.biloxi.com", via.Host)

	callID, ok := req.CallID()
	require.True(t, ok)
	assert.Equal(t, "843817637684230@998sdasdh09", string(*callID))
}

func TestParserMalformedMissingColon(t *testing.T) {
	raw := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"BadHeaderNoColon\r\n" +
		"\r\n"

	p := NewParser()
	_, err := p.ParseSIP([]byte(raw))
	require.Error(t, err)
	var malformed *MalformedMessage
	assert.ErrorAs(t, err, &malformed)
}

func TestParserHeaderContinuation(t *testing.T) {
	raw := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"Subject: I know you're there,\r\n" +
		" pick up the phone\r\n" +
		"Max-Forwards: 70\r\n" +
		"To: Bob <sip:bob@biloxi.com>\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	p := NewParser()
	msg, err := p.ParseSIP([]byte(raw))
	require.NoError(t, err)
	req := msg.(*Request)

	subject := req.GetHeader("Subject")
	require.NotNil(t, subject)
	assert.Equal(t, "I know you're there, pick up the phone", subject.Value())
}
