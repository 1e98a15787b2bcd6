package sip

import (
	"errors"
	"fmt"
)

// MalformedMessage is returned by the parser on a syntactic parse failure.
type MalformedMessage struct {
	Reason string
	Offset int
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("malformed SIP message at offset %d: %s", e.Offset, e.Reason)
}

// Sentinel errors for the taxonomy in the error-handling design: compared
// with errors.Is, wrapped with fmt.Errorf("...: %w", err) at call sites.
var (
	// ErrTimeout is produced when a transaction's timeout timer (B/F/H)
	// fires without a final response.
	ErrTimeout = errors.New("transaction timeout")
	// ErrTransport is a transport-level send/receive failure.
	ErrTransport = errors.New("transport error")
	// ErrTransportUnavailable means no configured transport matches the
	// request, or host resolution failed.
	ErrTransportUnavailable = errors.New("no transport available")
	// ErrDialogGone is raised for an in-dialog message whose
	// (Call-ID, local-tag, remote-tag) triple does not match any dialog.
	ErrDialogGone = errors.New("dialog does not exist")
	// ErrBadCSeq is raised for an in-dialog request whose CSeq does not
	// strictly increase over the last one seen from that peer.
	ErrBadCSeq = errors.New("non-increasing CSeq")
	// ErrAuthRequired means the request needs credentials the caller
	// didn't supply (or auto_authenticate is off).
	ErrAuthRequired = errors.New("authentication required")
	// ErrNotImplemented means no handler produced a response.
	ErrNotImplemented = errors.New("not implemented")
)
