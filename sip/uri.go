package sip

import (
	"io"
	"strconv"
	"strings"
)

// Uri represents a SIP or SIPS URI, RFC 3261 section 19.1.1.
//
//	sip:user:password@host:port;uri-parameters?headers
type Uri struct {
	// Scheme is the URI scheme token, lowercased ("sip", "sips", "tel", ...).
	Scheme string
	// Encrypted is true for sips/https schemes.
	Encrypted bool
	// Wildcard is true when the whole URI is the literal "*" (Contact: *).
	Wildcard bool

	User     string
	Password string
	Host     string
	Port     int

	UriParams HeaderParams
	Headers   HeaderParams
}

// DefaultPort returns the scheme-implied default port when Port is unset.
func (uri *Uri) DefaultPort() int {
	if uri.Encrypted {
		return 5061
	}
	return 5060
}

// IsEncrypted returns true if the URI scheme is sips or https.
func (uri *Uri) IsEncrypted() bool {
	return uri.Encrypted
}

func (uri *Uri) String() string {
	var sb strings.Builder
	uri.StringWrite(&sb)
	return sb.String()
}

func (uri *Uri) StringWrite(buffer io.StringWriter) {
	if uri.Wildcard {
		buffer.WriteString("*")
		return
	}

	scheme := uri.Scheme
	if scheme == "" {
		if uri.Encrypted {
			scheme = "sips"
		} else {
			scheme = "sip"
		}
	}
	buffer.WriteString(scheme)
	buffer.WriteString(":")

	if uri.User != "" {
		buffer.WriteString(uri.User)
		if uri.Password != "" {
			buffer.WriteString(":")
			buffer.WriteString(uri.Password)
		}
		buffer.WriteString("@")
	}

	buffer.WriteString(uri.Host)
	if uri.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(uri.Port))
	}

	if uri.UriParams != nil && uri.UriParams.Length() > 0 {
		buffer.WriteString(";")
		uri.UriParams.ToStringWrite(';', buffer)
	}

	if uri.Headers != nil && uri.Headers.Length() > 0 {
		buffer.WriteString("?")
		uri.Headers.ToStringWrite('&', buffer)
	}
}

// Clone returns a deep copy of the URI.
func (uri *Uri) Clone() *Uri {
	if uri == nil {
		return nil
	}
	newUri := &Uri{
		Scheme:    uri.Scheme,
		Encrypted: uri.Encrypted,
		Wildcard:  uri.Wildcard,
		User:      uri.User,
		Password:  uri.Password,
		Host:      uri.Host,
		Port:      uri.Port,
	}
	if uri.UriParams != nil {
		newUri.UriParams = uri.UriParams.Clone()
	}
	if uri.Headers != nil {
		newUri.Headers = uri.Headers.Clone()
	}
	return newUri
}

// HostPort returns host:port, adding the default port for the scheme if unset.
func (uri *Uri) HostPort() string {
	port := uri.Port
	if port == 0 {
		port = uri.DefaultPort()
	}
	return uri.Host + ":" + strconv.Itoa(port)
}

// Transport returns the "transport" URI parameter, lowercased, and whether it was present.
func (uri *Uri) Transport() (string, bool) {
	if uri.UriParams == nil {
		return "", false
	}
	v, ok := uri.UriParams.Get("transport")
	if !ok {
		return "", false
	}
	return strings.ToLower(v), true
}
