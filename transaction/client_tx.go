package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaysip/sipstack/sip"
	"github.com/relaysip/sipstack/transport"
	"github.com/rs/zerolog"
)

// ClientTx is the RFC 3261 §17.1 UAC-side state machine: one per
// outbound request, owning retransmission (timer A), timeout (timer B),
// and 2xx retransmission absorption (timer M) for INVITE.
type ClientTx struct {
	commonTx
	responses chan *sip.Response

	timerATime time.Duration
	timerA     *time.Timer
	timerB     *time.Timer
	timerDTime time.Duration
	timerD     *time.Timer
	timerM     *time.Timer

	mu        sync.RWMutex
	closeOnce sync.Once
}

func NewClientTx(key string, origin *sip.Request, conn transport.Connection, logger zerolog.Logger, timers *Timers) *ClientTx {
	if timers == nil {
		timers = DefaultTimers()
	}
	tx := &ClientTx{}
	tx.key = key
	tx.conn = conn
	tx.responses = make(chan *sip.Response)
	tx.errs = make(chan error, 1)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.timers = timers
	return tx
}

func (tx *ClientTx) Init() error {
	tx.initFSM()

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		tx.log.Debug().Err(err).Str("req", tx.origin.StartLine()).Msg("failed to write request on init")
		return wrapTransportError(err)
	}

	reliable := transport.IsReliable(tx.origin.Transport())

	tx.mu.Lock()
	if reliable {
		tx.timerDTime = 0
	} else {
		// RFC 3261 §17.1.1.2: an unreliable transport retransmits the
		// request under timer A until a response arrives; a reliable one
		// does not.
		tx.timerATime = tx.timers.TimerA
		tx.timerA = time.AfterFunc(tx.timerATime, func() {
			tx.spinFsm(clientInputTimerA)
		})
		tx.timerDTime = tx.timers.TimerD
	}
	tx.mu.Unlock()

	tx.mu.Lock()
	tx.timerB = time.AfterFunc(tx.timers.TimerB, func() {
		tx.mu.Lock()
		tx.lastErr = fmt.Errorf("timer B timed out. %w", sip.ErrTimeout)
		tx.mu.Unlock()
		tx.spinFsm(clientInputTimerB)
	})
	tx.mu.Unlock()
	return nil
}

func (tx *ClientTx) Receive(res *sip.Response) error {
	var input FsmInput
	if res.IsCancel() {
		input = clientInputCanceled
	} else {
		tx.mu.Lock()
		tx.lastResp = res
		tx.mu.Unlock()

		switch {
		case res.IsProvisional():
			input = clientInput1xx
		case res.IsSuccess():
			input = clientInput2xx
		default:
			input = clientInput300Plus
		}
	}
	tx.spinFsm(input)
	return nil
}

func (tx *ClientTx) Responses() <-chan *sip.Response { return tx.responses }

// Cancel sends CANCEL for this (necessarily INVITE) transaction.
func (tx *ClientTx) Cancel() error {
	tx.spinFsm(clientInputCancel)
	return nil
}

func (tx *ClientTx) Terminate() {
	select {
	case <-tx.done:
		return
	default:
	}
	tx.delete()
}

func (tx *ClientTx) cancel() {
	if !tx.origin.IsInvite() {
		return
	}

	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()

	cancelRequest := sip.NewCancelRequest(tx.origin)
	if err := tx.conn.WriteMsg(cancelRequest); err != nil {
		var lastRespStr string
		if lastResp != nil {
			lastRespStr = lastResp.Short()
		}
		tx.log.Error().
			Str("invite_request", tx.origin.Short()).
			Str("invite_response", lastRespStr).
			Str("cancel_request", cancelRequest.Short()).
			Msgf("send CANCEL request failed: %s", err)

		tx.mu.Lock()
		tx.lastErr = wrapTransportError(err)
		tx.mu.Unlock()
		go tx.spinFsm(clientInputTransportErr)
	}
}

func (tx *ClientTx) ack() {
	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()

	ack := sip.NewAckRequest(tx.origin, lastResp, nil)
	if err := tx.conn.WriteMsg(ack); err != nil {
		tx.log.Error().
			Str("invite_request", tx.origin.Short()).
			Str("invite_response", lastResp.Short()).
			Str("ack_request", ack.Short()).
			Msgf("send ACK request failed: %s", err)

		tx.mu.Lock()
		tx.lastErr = wrapTransportError(err)
		tx.mu.Unlock()
		go tx.spinFsm(clientInputTransportErr)
	}
}

func (tx *ClientTx) initFSM() {
	tx.fsmMu.Lock()
	if tx.origin.IsInvite() {
		tx.fsmState = tx.inviteStateCalling
	} else {
		tx.fsmState = tx.stateCalling
	}
	tx.fsmMu.Unlock()
}

func (tx *ClientTx) resend() {
	select {
	case <-tx.done:
		return
	default:
	}

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		tx.mu.Lock()
		tx.lastErr = wrapTransportError(err)
		tx.mu.Unlock()
		tx.log.Debug().Err(err).Str("req", tx.origin.StartLine()).Msg("failed to resend request")
		go tx.spinFsm(clientInputTransportErr)
	}
}

func (tx *ClientTx) passUp() {
	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()

	if lastResp == nil {
		return
	}
	select {
	case <-tx.done:
	case tx.responses <- lastResp:
	}
}

func (tx *ClientTx) delete() {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		close(tx.done)
		close(tx.responses)
		tx.mu.Unlock()

		tx.onTerminate(tx.key)

		if _, err := tx.conn.TryClose(); err != nil {
			tx.log.Info().Err(err).Msg("closing connection returned error")
		}
	})

	tx.mu.Lock()
	if tx.timerA != nil {
		tx.timerA.Stop()
		tx.timerA = nil
	}
	if tx.timerB != nil {
		tx.timerB.Stop()
		tx.timerB = nil
	}
	if tx.timerD != nil {
		tx.timerD.Stop()
		tx.timerD = nil
	}
	if tx.timerM != nil {
		tx.timerM.Stop()
		tx.timerM = nil
	}
	tx.mu.Unlock()
	tx.log.Debug().Str("tx", tx.Key()).Msg("client transaction destroyed")
}
