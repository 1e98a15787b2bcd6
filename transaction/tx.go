package transaction

import (
	"sync"

	"github.com/relaysip/sipstack/sip"
	"github.com/relaysip/sipstack/transport"
	"github.com/rs/zerolog"
)

type commonTx struct {
	key string

	origin   *sip.Request
	conn     transport.Connection
	lastResp *sip.Response
	timers   *Timers

	errs    chan error
	lastErr error
	done    chan struct{}

	fsmMu    sync.RWMutex
	fsmState FsmContextState

	log         zerolog.Logger
	onTerminate sip.FnTxTerminate
}

func (tx *commonTx) String() string {
	if tx == nil {
		return "<nil>"
	}
	return tx.key
}

func (tx *commonTx) Origin() *sip.Request { return tx.origin }
func (tx *commonTx) Key() string          { return tx.key }

func (tx *commonTx) Done() <-chan struct{} { return tx.done }

// Errors carries transport/timeout errors for callers that want to observe
// them instead of polling Err() after Done() fires.
func (tx *commonTx) Errors() <-chan error { return tx.errs }

func (tx *commonTx) OnTerminate(f sip.FnTxTerminate) {
	tx.onTerminate = f
}

func (tx *commonTx) Err() error {
	tx.fsmMu.RLock()
	defer tx.fsmMu.RUnlock()
	return tx.lastErr
}

// spinFsm drives the function-table FSM to quiescence: each handler
// returns either FsmInputNone or the next input to immediately re-enter,
// so a single external event (e.g. a received response) can cascade
// through several transitions (send, then schedule timer, then passup).
func (tx *commonTx) spinFsm(in FsmInput) {
	tx.fsmMu.Lock()
	for i := in; i != FsmInputNone; {
		i = tx.fsmState(i)
	}
	tx.fsmMu.Unlock()
}
