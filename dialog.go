package sipstack

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaysip/sipstack/sip"
)

// DialogStateFn is invoked on every dialog state transition.
type DialogStateFn func(s sip.DialogState)

// Dialog is the shared RFC 3261 §12 bookkeeping embedded by both
// DialogClientSession and DialogServerSession: identity, CSeq counters in
// both directions, lifecycle state, and a context cancelled on close.
type Dialog struct {
	ID string

	InviteRequest  *sip.Request
	InviteResponse *sip.Response

	// lastCSeqNo is the most recently used CSeq for a request WE send
	// in this dialog; TransactionRequest increments it before use.
	lastCSeqNo atomic.Uint32
	// remoteCSeqNo is the CSeq of the most recent in-dialog request we
	// accepted FROM the peer; a later request must carry a strictly
	// greater value, per RFC 3261 §12.2.2.
	remoteCSeqNo atomic.Uint32
	// remoteSeen guards the very first inbound in-dialog request: there
	// is nothing to compare it against yet.
	remoteSeen atomic.Bool

	state   atomic.Int32
	onState atomic.Pointer[DialogStateFn]
	stateCh chan sip.DialogState

	ctx    context.Context
	cancel context.CancelFunc

	values sync.Map

	expireMu sync.Mutex
	expire   *time.Timer
}

// Init populates a freshly created Dialog's identity and starting CSeq.
func (d *Dialog) Init(id string, invite *sip.Request) {
	d.ID = id
	d.InviteRequest = invite
	if cseq, ok := invite.CSeq(); ok {
		d.lastCSeqNo.Store(cseq.SeqNo)
	}
	d.stateCh = make(chan sip.DialogState, 3)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.setState(sip.DialogStateEarly)
}

// InitWithState reconstructs a Dialog in an already-known state, used when
// rehydrating a session without re-running the handshake (e.g. a B2BUA leg
// built from an already-accepted INVITE).
func (d *Dialog) InitWithState(id string, invite *sip.Request, cseq uint32, state sip.DialogState) {
	d.ID = id
	d.InviteRequest = invite
	d.lastCSeqNo.Store(cseq)
	d.stateCh = make(chan sip.DialogState, 3)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.setState(state)
}

func (d *Dialog) setState(s sip.DialogState) {
	d.state.Store(int32(s))
	select {
	case d.stateCh <- s:
	default:
	}
	if fn := d.onState.Load(); fn != nil {
		(*fn)(s)
	}
	if s == sip.DialogStateClosed {
		d.stopExpireTimer()
		d.cancel()
	}
}

// OnState installs a callback invoked on every subsequent state transition.
// Only one callback is kept; a later call replaces the earlier one.
func (d *Dialog) OnState(f DialogStateFn) {
	d.onState.Store(&f)
}

func (d *Dialog) LoadState() sip.DialogState {
	return sip.DialogState(d.state.Load())
}

// StateRead returns a channel receiving every state the dialog transitions
// through; the channel is buffered so a slow reader never blocks setState.
func (d *Dialog) StateRead() <-chan sip.DialogState {
	return d.stateCh
}

func (d *Dialog) Context() context.Context {
	return d.ctx
}

// CSEQ returns and increments the local outbound CSeq counter.
func (d *Dialog) CSEQ() uint32 {
	return d.lastCSeqNo.Add(1)
}

// LastCSeq returns the local outbound CSeq counter without incrementing it.
func (d *Dialog) LastCSeq() uint32 {
	return d.lastCSeqNo.Load()
}

// SetCSEQ forces the local outbound CSeq counter, used when reconstructing
// a session from an already-running exchange.
func (d *Dialog) SetCSEQ(v uint32) {
	d.lastCSeqNo.Store(v)
}

// ValidateRemoteCSeq enforces RFC 3261 §12.2.2: a subsequent request within
// a dialog MUST contain a strictly greater CSeq than any previous request
// accepted from the same peer within the dialog. The first inbound request
// always passes and seeds the counter.
func (d *Dialog) ValidateRemoteCSeq(seq uint32) bool {
	if !d.remoteSeen.Load() {
		d.remoteCSeqNo.Store(seq)
		d.remoteSeen.Store(true)
		return true
	}
	for {
		prev := d.remoteCSeqNo.Load()
		if seq <= prev {
			return false
		}
		if d.remoteCSeqNo.CompareAndSwap(prev, seq) {
			return true
		}
	}
}

// Store/Load/Delete attach arbitrary application values to the dialog,
// used by the core/B2BUA layers to stash their own correlation state.
func (d *Dialog) Store(key, value any)    { d.values.Store(key, value) }
func (d *Dialog) Load(key any) (any, bool) { return d.values.Load(key) }
func (d *Dialog) Delete(key any)          { d.values.Delete(key) }

// ArmEarlyExpiry schedules the dialog to be force-closed if it is still in
// DialogStateEarly after d2 elapses, guarding against a peer that sends a
// provisional response and then silently vanishes.
func (d *Dialog) ArmEarlyExpiry(d2 time.Duration, onExpire func()) {
	d.expireMu.Lock()
	defer d.expireMu.Unlock()
	d.expire = time.AfterFunc(d2, func() {
		if d.LoadState() == sip.DialogStateEarly {
			onExpire()
		}
	})
}

func (d *Dialog) stopExpireTimer() {
	d.expireMu.Lock()
	defer d.expireMu.Unlock()
	if d.expire != nil {
		d.expire.Stop()
	}
}
