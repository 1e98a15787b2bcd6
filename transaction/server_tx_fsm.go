package transaction

import (
	"fmt"
	"time"
)

func (tx *ServerTx) inviteStateProceeding(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case serverInputRequest:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actRespond
	case serverInputCancel:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actCancel
	case serverInputUser1xx:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actRespond
	case serverInputUser2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actRespondAccept
	case serverInputUser300Plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespondComplete
	case serverInputTransportErr:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateCompleted(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case serverInputRequest:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespond
	case serverInputAck:
		tx.fsmState, spinfn = tx.inviteStateConfirmed, tx.actConfirm
	case serverInputTimerG:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespondComplete
	case serverInputTimerH:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	case serverInputTransportErr:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateConfirmed(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case serverInputTimerI:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateAccepted(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case serverInputAck:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassupAck
	case serverInputUser2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actRespond
	case serverInputTimerL:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateTerminated(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case serverInputDelete:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) stateTrying(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case serverInputUser1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespond
	case serverInputUser2xx, serverInputUser300Plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case serverInputTransportErr:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) stateProceeding(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case serverInputRequest, serverInputUser1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespond
	case serverInputUser2xx, serverInputUser300Plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case serverInputTransportErr:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) stateCompleted(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case serverInputRequest:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actRespond
	case serverInputTimerJ:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	case serverInputTransportErr:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) stateTerminated(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case serverInputDelete:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) actRespond() FsmInput {
	if err := tx.passResp(); err != nil {
		return serverInputTransportErr
	}
	return FsmInputNone
}

func (tx *ServerTx) actRespondComplete() FsmInput {
	if err := tx.passResp(); err != nil {
		return serverInputTransportErr
	}

	if !tx.reliable {
		tx.mu.Lock()
		if tx.timerG == nil {
			tx.timerG = time.AfterFunc(tx.timerGTime, func() {
				tx.spinFsm(serverInputTimerG)
			})
		} else {
			tx.timerGTime *= 2
			if tx.timerGTime > tx.timers.T2 {
				tx.timerGTime = tx.timers.T2
			}
			tx.timerG.Reset(tx.timerGTime)
		}
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	if tx.timerH == nil {
		tx.timerH = time.AfterFunc(tx.timers.TimerH, func() {
			tx.spinFsm(serverInputTimerH)
		})
	}
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ServerTx) actRespondAccept() FsmInput {
	if err := tx.passResp(); err != nil {
		return serverInputTransportErr
	}

	tx.mu.Lock()
	tx.timerL = time.AfterFunc(tx.timers.TimerL, func() {
		tx.spinFsm(serverInputTimerL)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ServerTx) actPassupAck() FsmInput {
	tx.passAck()
	return FsmInputNone
}

func (tx *ServerTx) actFinal() FsmInput {
	if err := tx.passResp(); err != nil {
		return serverInputTransportErr
	}

	tx.mu.Lock()
	tx.timerJ = time.AfterFunc(tx.timers.TimerJ, func() {
		tx.spinFsm(serverInputTimerJ)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ServerTx) actTransErr() FsmInput {
	tx.transportErr()
	return serverInputDelete
}

func (tx *ServerTx) actDelete() FsmInput {
	tx.delete()
	return FsmInputNone
}

func (tx *ServerTx) actConfirm() FsmInput {
	tx.mu.Lock()
	if tx.timerG != nil {
		tx.timerG.Stop()
		tx.timerG = nil
	}
	if tx.timerH != nil {
		tx.timerH.Stop()
		tx.timerH = nil
	}
	tx.timerI = time.AfterFunc(tx.timers.TimerI, func() {
		tx.spinFsm(serverInputTimerI)
	})
	tx.mu.Unlock()

	tx.passAck()
	return FsmInputNone
}

func (tx *ServerTx) actCancel() FsmInput {
	tx.passCancel()
	return FsmInputNone
}

func (tx *ServerTx) transportErr() {
	tx.mu.RLock()
	err := tx.lastErr
	tx.mu.RUnlock()

	err = fmt.Errorf("transaction failed to send response: %w", err)
	go func() {
		select {
		case <-tx.done:
		case tx.errs <- err:
		}
	}()
}
