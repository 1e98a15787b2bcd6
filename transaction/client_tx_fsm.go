package transaction

import (
	"fmt"
	"time"
)

func (tx *ClientTx) inviteStateCalling(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case clientInput1xx:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actInviteProceeding
	case clientInput2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassupAccept
	case clientInput300Plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actInviteFinal
	case clientInputCancel:
		tx.fsmState, spinfn = tx.inviteStateCalling, tx.actCancel
	case clientInputCanceled:
		tx.fsmState, spinfn = tx.inviteStateCalling, tx.actInviteCanceled
	case clientInputTimerA:
		tx.fsmState, spinfn = tx.inviteStateCalling, tx.actInviteResend
	case clientInputTimerB:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTimeout
	case clientInputTransportErr:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateProceeding(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case clientInput1xx:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actPassup
	case clientInput2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassupAccept
	case clientInput300Plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actInviteFinal
	case clientInputCancel:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actCancelTimeout
	case clientInputCanceled:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actInviteCanceled
	case clientInputTimerB:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTimeout
	case clientInputTransportErr:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateCompleted(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case clientInput300Plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actAck
	case clientInputTransportErr:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	case clientInputTimerD:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateAccepted(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case clientInput2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassup
	case clientInputTransportErr:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actTransErrNoDelete
	case clientInputTimerM:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) actTransErrNoDelete() FsmInput {
	tx.actTransErr()
	return FsmInputNone
}

func (tx *ClientTx) inviteStateTerminated(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case clientInputDelete:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateCalling(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case clientInput1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actPassup
	case clientInput2xx, clientInput300Plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case clientInputTimerA:
		tx.fsmState, spinfn = tx.stateCalling, tx.actResend
	case clientInputTimerB:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTimeout
	case clientInputTransportErr:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateProceeding(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case clientInput1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actPassup
	case clientInput2xx, clientInput300Plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case clientInputTimerA:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actResend
	case clientInputTimerB:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTimeout
	case clientInputTransportErr:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateCompleted(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case clientInputDelete, clientInputTimerD:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateTerminated(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case clientInputDelete:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) actInviteResend() FsmInput {
	tx.mu.Lock()
	tx.timerATime *= 2
	tx.timerA.Reset(tx.timerATime)
	tx.mu.Unlock()

	tx.resend()
	return FsmInputNone
}

func (tx *ClientTx) actInviteCanceled() FsmInput {
	return FsmInputNone
}

func (tx *ClientTx) actResend() FsmInput {
	tx.mu.Lock()
	tx.timerATime *= 2
	if tx.timerATime > tx.timers.T2 {
		tx.timerATime = tx.timers.T2
	}
	tx.timerA.Reset(tx.timerATime)
	tx.mu.Unlock()

	tx.resend()
	return FsmInputNone
}

func (tx *ClientTx) actPassup() FsmInput {
	tx.passUp()

	tx.mu.Lock()
	if tx.timerA != nil {
		tx.timerA.Stop()
		tx.timerA = nil
	}
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actInviteProceeding() FsmInput {
	tx.passUp()

	tx.mu.Lock()
	if tx.timerA != nil {
		tx.timerA.Stop()
		tx.timerA = nil
	}
	if tx.timerB != nil {
		tx.timerB.Stop()
		tx.timerB = nil
	}
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actInviteFinal() FsmInput {
	tx.ack()
	tx.passUp()

	tx.mu.Lock()
	if tx.timerA != nil {
		tx.timerA.Stop()
		tx.timerA = nil
	}
	if tx.timerB != nil {
		tx.timerB.Stop()
		tx.timerB = nil
	}
	tx.timerD = time.AfterFunc(tx.timerDTime, func() {
		tx.spinFsm(clientInputTimerD)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actFinal() FsmInput {
	tx.passUp()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.timerA != nil {
		tx.timerA.Stop()
		tx.timerA = nil
	}
	if tx.timerB != nil {
		tx.timerB.Stop()
		tx.timerB = nil
	}

	if tx.timerDTime > 0 {
		tx.timerD = time.AfterFunc(tx.timerDTime, func() {
			tx.spinFsm(clientInputTimerD)
		})
		return FsmInputNone
	}
	return clientInputDelete
}

func (tx *ClientTx) actCancel() FsmInput {
	tx.cancel()
	return FsmInputNone
}

func (tx *ClientTx) actCancelTimeout() FsmInput {
	tx.cancel()

	tx.mu.Lock()
	if tx.timerB != nil {
		tx.timerB.Stop()
	}
	tx.timerB = time.AfterFunc(tx.timers.TimerB, func() {
		tx.spinFsm(clientInputTimerB)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actAck() FsmInput {
	tx.ack()
	return FsmInputNone
}

func (tx *ClientTx) actTransErr() FsmInput {
	tx.transportErr()

	tx.mu.Lock()
	if tx.timerA != nil {
		tx.timerA.Stop()
		tx.timerA = nil
	}
	tx.mu.Unlock()
	return clientInputDelete
}

func (tx *ClientTx) actTimeout() FsmInput {
	tx.timeoutErr()

	tx.mu.Lock()
	if tx.timerA != nil {
		tx.timerA.Stop()
		tx.timerA = nil
	}
	tx.mu.Unlock()
	return clientInputDelete
}

func (tx *ClientTx) actPassupAccept() FsmInput {
	tx.passUp()

	tx.mu.Lock()
	if tx.timerA != nil {
		tx.timerA.Stop()
		tx.timerA = nil
	}
	if tx.timerB != nil {
		tx.timerB.Stop()
		tx.timerB = nil
	}
	tx.timerM = time.AfterFunc(tx.timers.TimerM, func() {
		select {
		case <-tx.done:
			return
		default:
		}
		tx.spinFsm(clientInputTimerM)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actDelete() FsmInput {
	tx.delete()
	return FsmInputNone
}

func (tx *ClientTx) transportErr() {
	tx.mu.RLock()
	err := tx.lastErr
	tx.mu.RUnlock()

	err = fmt.Errorf("transaction failed to send %s: %w", tx.origin.Short(), err)
	select {
	case <-tx.done:
	case tx.errs <- err:
	}
}

func (tx *ClientTx) timeoutErr() {
	err := wrapTimeoutError(fmt.Errorf("transaction timed out tx=%s", tx.key))
	select {
	case <-tx.done:
	case tx.errs <- err:
	}
}
