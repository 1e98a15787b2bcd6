package sipstack

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/relaysip/sipstack/sip"
	"github.com/relaysip/sipstack/transaction"
	"github.com/relaysip/sipstack/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client sends requests as a UAC: it fills in whatever mandatory headers a
// caller omitted, opens a client transaction through the transaction
// layer, and knows how to retry once on a digest challenge.
type Client struct {
	name     string
	hostname string
	host     string
	port     int
	rport    bool
	connAddr string
	userAgent string

	outboundProxy *sip.Uri

	tp  *transport.Layer
	tx  *transaction.Layer
	log zerolog.Logger
}

type ClientOption func(*Client)

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

func WithClientName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

func WithClientHostname(hostname string) ClientOption {
	return func(c *Client) { c.hostname = hostname }
}

func WithClientAddr(host string, port int) ClientOption {
	return func(c *Client) { c.host = host; c.port = port }
}

// WithClientNAT makes every generated Via carry an empty "rport" param, so
// a server in front of a NAT fills in the actual source address/port seen.
func WithClientNAT() ClientOption {
	return func(c *Client) { c.rport = true }
}

// WithClientConnectionAddr stores addr on the Client. Nothing reads the
// stored value when dialing out, so the local address/port is whatever the
// OS picks.
func WithClientConnectionAddr(addr string) ClientOption {
	return func(c *Client) { c.connAddr = addr }
}

// WithClientUserAgent makes every outbound request that doesn't already
// carry one emit a User-Agent header with value.
func WithClientUserAgent(value string) ClientOption {
	return func(c *Client) { c.userAgent = value }
}

// SetOutboundProxy re-targets every subsequent outbound request to uri
// while leaving the Request-URI untouched, by installing it as the sole
// entry of the Route set. Pass a zero sip.Uri to clear it.
func (c *Client) SetOutboundProxy(uri sip.Uri) {
	if uri.Host == "" {
		c.outboundProxy = nil
		return
	}
	u := uri
	c.outboundProxy = &u
}

func NewClient(tp *transport.Layer, tx *transaction.Layer, opts ...ClientOption) *Client {
	c := &Client{
		name: "sipstack",
		tp:   tp,
		tx:   tx,
		log:  log.Logger.With().Str("caller", "Client").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.hostname == "" {
		c.hostname = c.host
	}
	return c
}

// ClientRequestOption mutates req before it is sent; TransactionRequest
// always applies clientRequestBuildReq first unless one of opts is passed.
type ClientRequestOption func(c *Client, req *sip.Request) error

// TransactionRequest fills in any missing mandatory headers, opens a new
// client transaction, and returns it without waiting for a response.
func (c *Client) TransactionRequest(ctx context.Context, req *sip.Request, opts ...ClientRequestOption) (sip.ClientTransaction, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK must be sent with WriteRequest, not as a transaction")
	}

	if len(opts) == 0 {
		if err := clientRequestBuildReq(c, req); err != nil {
			return nil, err
		}
	} else {
		for _, o := range opts {
			if err := o(c, req); err != nil {
				return nil, err
			}
		}
	}

	return c.tx.Request(ctx, req)
}

// WriteRequest sends req straight through the transport layer, bypassing
// the transaction machinery entirely; the only legitimate caller is the
// dialog layer sending an ACK.
func (c *Client) WriteRequest(ctx context.Context, req *sip.Request, opts ...ClientRequestOption) error {
	if len(opts) == 0 {
		if err := clientRequestBuildReq(c, req); err != nil {
			return err
		}
	} else {
		for _, o := range opts {
			if err := o(c, req); err != nil {
				return err
			}
		}
	}
	return c.tp.WriteMsg(ctx, req)
}

// Do sends req and blocks for the first non-provisional response, the
// way an HTTP client blocks for a status line.
func (c *Client) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := c.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DigestAuth carries the credentials used to answer a 401/407 challenge.
type DigestAuth struct {
	Username string
	Password string
}

// DoDigestAuth resends req with a digest answer to res's challenge and
// blocks for the final response, the way Do does for an unchallenged
// request.
func (c *Client) DoDigestAuth(ctx context.Context, req *sip.Request, res *sip.Response, auth DigestAuth) (*sip.Response, error) {
	tx, err := c.TransactionDigestAuth(ctx, req, res, auth)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TransactionDigestAuth builds the Authorization/Proxy-Authorization header
// per RFC 3261 §22.4, increments CSeq, and resends req as a new
// transaction.
func (c *Client) TransactionDigestAuth(ctx context.Context, req *sip.Request, res *sip.Response, auth DigestAuth) (sip.ClientTransaction, error) {
	opts := digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: auth.Username,
		Password: auth.Password,
	}
	if res.StatusCode == sip.StatusProxyAuthRequired {
		return c.digestProxyAuthRequest(ctx, req, res, opts)
	}
	return c.digestTransactionRequest(ctx, req, res, opts)
}

func (c *Client) digestTransactionRequest(ctx context.Context, req *sip.Request, res *sip.Response, opts digest.Options) (sip.ClientTransaction, error) {
	if err := digestAuthApply(req, res, opts); err != nil {
		return nil, err
	}
	bumpCSeq(req)
	req.RemoveHeader("Via")
	return c.TransactionRequest(ctx, req, ClientRequestAddVia)
}

func (c *Client) digestProxyAuthRequest(ctx context.Context, req *sip.Request, res *sip.Response, opts digest.Options) (sip.ClientTransaction, error) {
	if err := digestProxyAuthApply(req, res, opts); err != nil {
		return nil, err
	}
	bumpCSeq(req)
	req.RemoveHeader("Via")
	return c.TransactionRequest(ctx, req, ClientRequestAddVia)
}

func bumpCSeq(req *sip.Request) {
	if cseq, ok := req.CSeq(); ok {
		cseq.SeqNo++
	}
}

func digestAuthApply(req *sip.Request, res *sip.Response, opts digest.Options) error {
	wwwAuth := res.GetHeader("WWW-Authenticate")
	if wwwAuth == nil {
		return fmt.Errorf("response has no WWW-Authenticate header")
	}
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return fmt.Errorf("parsing WWW-Authenticate challenge: %w", err)
	}
	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return fmt.Errorf("computing digest credentials: %w", err)
	}
	req.RemoveHeader("Authorization")
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	return nil
}

func digestProxyAuthApply(req *sip.Request, res *sip.Response, opts digest.Options) error {
	proxyAuth := res.GetHeader("Proxy-Authenticate")
	if proxyAuth == nil {
		return fmt.Errorf("response has no Proxy-Authenticate header")
	}
	chal, err := digest.ParseChallenge(proxyAuth.Value())
	if err != nil {
		return fmt.Errorf("parsing Proxy-Authenticate challenge: %w", err)
	}
	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return fmt.Errorf("computing digest credentials: %w", err)
	}
	req.RemoveHeader("Proxy-Authorization")
	req.AppendHeader(sip.NewHeader("Proxy-Authorization", cred.String()))
	return nil
}

// ClientRequestAddVia prepends a fresh Via, used when resending a request
// after stripping the old one (digest retry, CSeq bump).
func ClientRequestAddVia(c *Client, req *sip.Request) error {
	via := clientRequestCreateVia(c, req)
	req.PrependHeader(via)
	return nil
}

// ClientRequestRegisterBuild fills the mandatory headers and then strips
// the userinfo from the Request-URI, since RFC 3261 §10.2 requires a
// REGISTER's address-of-record carry no user/"@" component.
func ClientRequestRegisterBuild(c *Client, req *sip.Request) error {
	if cseq, ok := req.CSeq(); ok {
		cseq.SeqNo++
	}
	if err := clientRequestBuildReq(c, req); err != nil {
		return err
	}
	req.Recipient.User = ""
	return nil
}

func clientRequestBuildReq(c *Client, req *sip.Request) error {
	// RFC 3261 §8.1.1: every request needs To, From, CSeq, Call-ID,
	// Max-Forwards and Via at a minimum.
	var must []sip.Header

	if _, ok := req.Via(); !ok {
		must = append(must, clientRequestCreateVia(c, req))
	}

	if _, ok := req.From(); !ok {
		from := &sip.FromHeader{}
		from.DisplayName = c.name
		from.Address = sip.Uri{
			Scheme:    req.Recipient.Scheme,
			User:      c.name,
			Host:      c.hostname,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		}
		if from.Address.Host == "" {
			from.Address.Host = c.host
		}
		from.Params = sip.NewParams()
		from.Params.Add("tag", sip.GenerateTagN(16))
		must = append(must, from)
	}

	if _, ok := req.To(); !ok {
		to := &sip.ToHeader{}
		to.Address = sip.Uri{
			Scheme:    req.Recipient.Scheme,
			User:      req.Recipient.User,
			Host:      req.Recipient.Host,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		}
		to.Params = sip.NewParams()
		must = append(must, to)
	}

	if _, ok := req.CallID(); !ok {
		id, err := uuid.NewRandom()
		if err != nil {
			return err
		}
		callID := sip.CallIDHeader(id.String())
		must = append(must, &callID)
	}

	if _, ok := req.CSeq(); !ok {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(b[:]) & 0x7FFFFFFF
		if n < 1 {
			n = 1
		}
		must = append(must, &sip.CSeqHeader{SeqNo: n, MethodName: req.Method})
	}

	if _, ok := req.MaxForwards(); !ok {
		mf := sip.MaxForwardsHeader(70)
		must = append(must, &mf)
	}

	req.PrependHeader(must...)

	if c.userAgent != "" && req.GetHeader("User-Agent") == nil {
		req.AppendHeader(sip.NewHeader("User-Agent", c.userAgent))
	}

	if c.outboundProxy != nil {
		if _, ok := req.Route(); !ok {
			req.AppendHeader(&sip.RouteHeader{Address: *c.outboundProxy})
		}
	}

	return nil
}

func clientRequestCreateVia(c *Client, req *sip.Request) *sip.ViaHeader {
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            c.host,
		Port:            c.port,
		Params:          sip.NewParams(),
	}
	if tp, ok := req.Recipient.Transport(); ok {
		via.Transport = tp
	}
	via.Params.Add("branch", sip.GenerateBranch())
	if c.rport {
		via.Params.Add("rport", "")
	}
	return via
}
