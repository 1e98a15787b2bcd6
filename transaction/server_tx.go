package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaysip/sipstack/sip"
	"github.com/relaysip/sipstack/transport"
	"github.com/rs/zerolog"
)

// ServerTx is the RFC 3261 §17.2 UAS-side state machine: one per received
// request, absorbing retransmitted requests, emitting ACKs/CANCELs seen
// mid-transaction on dedicated channels, and driving the 1xx/G/H/I/J/L
// timers.
type ServerTx struct {
	commonTx
	lastAck    *sip.Request
	lastCancel *sip.Request
	acks       chan *sip.Request
	cancels    chan *sip.Request

	timerG     *time.Timer
	timerGTime time.Duration
	timerH     *time.Timer
	timerI     *time.Timer
	timerITime time.Duration
	timerJ     *time.Timer
	timer1xx   *time.Timer
	timerL     *time.Timer
	reliable   bool

	mu        sync.RWMutex
	closeOnce sync.Once
}

func NewServerTx(key string, origin *sip.Request, conn transport.Connection, logger zerolog.Logger, timers *Timers) *ServerTx {
	if timers == nil {
		timers = DefaultTimers()
	}
	tx := new(ServerTx)
	tx.key = key
	tx.conn = conn
	tx.acks = make(chan *sip.Request)
	tx.cancels = make(chan *sip.Request)
	tx.errs = make(chan error, 1)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.timers = timers
	tx.reliable = transport.IsReliable(origin.Transport())
	return tx
}

func (tx *ServerTx) Init() error {
	tx.initFSM()

	tx.mu.Lock()
	if tx.reliable {
		tx.timerITime = 0
	} else {
		tx.timerGTime = tx.timers.TimerG
		tx.timerITime = tx.timers.TimerI
	}
	tx.mu.Unlock()

	// RFC 3261 §17.2.1: send a 100 Trying after 200ms if the TU hasn't
	// answered yet, so retransmissions of the INVITE stop arriving.
	if tx.Origin().IsInvite() {
		tx.mu.Lock()
		tx.timer1xx = time.AfterFunc(tx.timers.Timer1xx, func() {
			trying := sip.NewResponseFromRequest(tx.Origin(), sip.StatusTrying, sip.ReasonPhrase(sip.StatusTrying), nil)
			if err := tx.Respond(trying); err != nil {
				tx.log.Error().Err(err).Msg("send '100 Trying' response failed")
			}
		})
		tx.mu.Unlock()
	}
	return nil
}

func (tx *ServerTx) Receive(req *sip.Request) error {
	input, err := tx.receiveRequest(req)
	if err != nil {
		return err
	}
	tx.spinFsm(input)
	return nil
}

func (tx *ServerTx) receiveRequest(req *sip.Request) (FsmInput, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.timer1xx != nil {
		tx.timer1xx.Stop()
		tx.timer1xx = nil
	}

	switch {
	case req.Method == tx.origin.Method:
		return serverInputRequest, nil
	case req.IsAck():
		tx.lastAck = req
		return serverInputAck, nil
	case req.IsCancel():
		tx.lastCancel = req
		return serverInputCancel, nil
	}
	return FsmInputNone, fmt.Errorf("unexpected request %s for transaction %s", req.Short(), tx.key)
}

func (tx *ServerTx) Respond(res *sip.Response) error {
	if res.IsCancel() {
		return tx.conn.WriteMsg(res)
	}

	input, err := tx.receiveRespond(res)
	if err != nil {
		return err
	}
	tx.spinFsm(input)
	return nil
}

func (tx *ServerTx) receiveRespond(res *sip.Response) (FsmInput, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.lastResp = res
	if tx.timer1xx != nil {
		tx.timer1xx.Stop()
		tx.timer1xx = nil
	}

	switch {
	case res.IsProvisional():
		return serverInputUser1xx, nil
	case res.IsSuccess():
		return serverInputUser2xx, nil
	}
	return serverInputUser300Plus, nil
}

func (tx *ServerTx) Acks() <-chan *sip.Request { return tx.acks }

func (tx *ServerTx) passAck() {
	tx.mu.RLock()
	r := tx.lastAck
	tx.mu.RUnlock()
	if r == nil {
		return
	}
	go func() {
		select {
		case <-tx.done:
		case tx.acks <- r:
		}
	}()
}

func (tx *ServerTx) Cancels() <-chan *sip.Request { return tx.cancels }

func (tx *ServerTx) passCancel() {
	tx.mu.RLock()
	r := tx.lastCancel
	tx.mu.RUnlock()
	if r == nil {
		return
	}
	go func() {
		select {
		case <-tx.done:
		case tx.cancels <- r:
		}
	}()
}

func (tx *ServerTx) passResp() error {
	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()

	if lastResp == nil {
		return fmt.Errorf("no response to send")
	}

	if err := tx.conn.WriteMsg(lastResp); err != nil {
		tx.log.Debug().Err(err).Str("res", lastResp.StartLine()).Msg("failed to send response")
		tx.mu.Lock()
		tx.lastErr = err
		tx.mu.Unlock()
		return err
	}
	return nil
}

func (tx *ServerTx) Terminate() { tx.delete() }

func (tx *ServerTx) initFSM() {
	tx.fsmMu.Lock()
	if tx.Origin().IsInvite() {
		tx.fsmState = tx.inviteStateProceeding
	} else {
		tx.fsmState = tx.stateTrying
	}
	tx.fsmMu.Unlock()
}

func (tx *ServerTx) delete() {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		close(tx.done)
		tx.mu.Unlock()
		tx.onTerminate(tx.key)
	})

	tx.mu.Lock()
	if tx.timerG != nil {
		tx.timerG.Stop()
		tx.timerG = nil
	}
	if tx.timerH != nil {
		tx.timerH.Stop()
		tx.timerH = nil
	}
	if tx.timerI != nil {
		tx.timerI.Stop()
		tx.timerI = nil
	}
	if tx.timerJ != nil {
		tx.timerJ.Stop()
		tx.timerJ = nil
	}
	if tx.timerL != nil {
		tx.timerL.Stop()
		tx.timerL = nil
	}
	if tx.timer1xx != nil {
		tx.timer1xx.Stop()
		tx.timer1xx = nil
	}
	tx.mu.Unlock()
	tx.log.Debug().Str("tx", tx.Key()).Msg("server transaction destroyed")
}
