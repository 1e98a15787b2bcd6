package action

import "context"

// HostCommand is the narrow channel through which rendered ExecuteAction
// pairs actually reach a switch host: submit the application/data as a
// single command string, get back whatever textual result the host's API
// returns. The stack does not parse the result.
type HostCommand interface {
	Submit(ctx context.Context, command string) (result string, err error)
}

// Event is one raw event as emitted by the switch host (e.g. a FreeSWITCH
// event-socket frame); the stack passes it through unopened.
type Event struct {
	Kind string
	Raw  []byte
}

// EventSource is the subscription side of the host boundary: Subscribe
// returns a channel of events of the given kind and an unsubscribe func.
// The channel is closed once unsubscribe is called or the source itself
// shuts down.
type EventSource interface {
	Subscribe(kind string) (events <-chan Event, unsubscribe func())
}
