package transaction

// FsmInput is an event fed into a transaction's state-transition function
// table; FsmState is the resulting per-state handler, chosen by the
// current state and re-entered until it yields FsmInputNone.
type FsmInput int
type FsmState func() FsmInput
type FsmContextState func(s FsmInput) FsmInput

// Client transaction states, RFC 3261 §17.1.
const (
	clientStateCalling = iota
	clientStateProceeding
	clientStateCompleted
	clientStateAccepted
	clientStateTerminated
)

// Server transaction states, RFC 3261 §17.2.
const (
	serverStateTrying = iota
	serverStateProceeding
	serverStateCompleted
	serverStateConfirmed
	serverStateAccepted
	serverStateTerminated
)

const (
	FsmInputNone FsmInput = iota

	serverInputRequest
	serverInputAck
	serverInputCancel
	serverInputUser1xx
	serverInputUser2xx
	serverInputUser300Plus
	serverInputTimerG
	serverInputTimerH
	serverInputTimerI
	serverInputTimerJ
	serverInputTimerL
	serverInputTransportErr
	serverInputDelete

	clientInput1xx
	clientInput2xx
	clientInput300Plus
	clientInputTimerA
	clientInputTimerB
	clientInputTimerD
	clientInputTimerM
	clientInputTransportErr
	clientInputDelete
	clientInputCancel
	clientInputCanceled
)
