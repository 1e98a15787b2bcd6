package sip

// DialogState is the lifecycle stage of a Dialog, RFC 3261 §12.
type DialogState int

const (
	// DialogStateEarly is entered on dialog creation: an INVITE was sent
	// or received but no final response has arrived yet (a 1xx with a
	// to-tag may already have populated the remote tag).
	DialogStateEarly DialogState = iota
	// DialogStateConfirmed is entered once the 2xx/ACK three-way handshake
	// completes.
	DialogStateConfirmed
	// DialogStateClosed is terminal: entered on BYE, a non-2xx final
	// response, timeout, or explicit teardown.
	DialogStateClosed
)

func (s DialogState) String() string {
	switch s {
	case DialogStateEarly:
		return "early"
	case DialogStateConfirmed:
		return "confirmed"
	case DialogStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
