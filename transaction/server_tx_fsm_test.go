package transaction

import (
	"testing"
	"time"

	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestServerTransactionInviteFSM(t *testing.T) {
	conn := &fakeConn{}
	req := newTestRequest(sip.INVITE, sip.GenerateBranch())
	tx := NewServerTx("test-invite-srv-tx", req, conn, zerolog.Nop(), fastTimers())
	tx.OnTerminate(func(string) {})

	require.NoError(t, tx.Init())
	require.NoError(t, compareFsmState(currentServerState(tx), tx.inviteStateProceeding))

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	require.NoError(t, tx.Respond(ringing))
	require.NoError(t, compareFsmState(currentServerState(tx), tx.inviteStateProceeding))
	require.Equal(t, 1, conn.writeCount())

	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	require.NoError(t, tx.Respond(ok))
	require.NoError(t, compareFsmState(currentServerState(tx), tx.inviteStateAccepted))

	// TimerL tears the transaction down once retransmitted 2xx acking
	// stops being relevant to the TU.
	require.Eventually(t, func() bool {
		return compareFsmState(currentServerState(tx), tx.inviteStateTerminated) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestServerTransactionInviteFSMConfirmsOnAck(t *testing.T) {
	conn := &fakeConn{}
	req := newTestRequest(sip.INVITE, sip.GenerateBranch())
	tx := NewServerTx("test-invite-reject-srv-tx", req, conn, zerolog.Nop(), fastTimers())
	tx.OnTerminate(func(string) {})

	require.NoError(t, tx.Init())

	busy := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	require.NoError(t, tx.Respond(busy))
	require.NoError(t, compareFsmState(currentServerState(tx), tx.inviteStateCompleted))

	ack := newTestRequest(sip.ACK, sip.GenerateBranch())
	require.NoError(t, tx.Receive(ack))
	require.NoError(t, compareFsmState(currentServerState(tx), tx.inviteStateConfirmed))

	select {
	case got := <-tx.Acks():
		require.Same(t, ack, got)
	case <-time.After(time.Second):
		t.Fatal("ACK never surfaced on Acks()")
	}

	// TimerI absorbs any further retransmitted ACKs before deleting.
	require.Eventually(t, func() bool {
		return compareFsmState(currentServerState(tx), tx.inviteStateTerminated) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestServerTransactionInviteFSMCancel(t *testing.T) {
	conn := &fakeConn{}
	req := newTestRequest(sip.INVITE, sip.GenerateBranch())
	tx := NewServerTx("test-invite-cancel-srv-tx", req, conn, zerolog.Nop(), fastTimers())
	tx.OnTerminate(func(string) {})

	require.NoError(t, tx.Init())

	cancel := newTestRequest(sip.CANCEL, sip.GenerateBranch())
	require.NoError(t, tx.Receive(cancel))
	require.NoError(t, compareFsmState(currentServerState(tx), tx.inviteStateProceeding))

	select {
	case got := <-tx.Cancels():
		require.Same(t, cancel, got)
	case <-time.After(time.Second):
		t.Fatal("CANCEL never surfaced on Cancels()")
	}
}

func TestServerTransactionNonInviteFSM(t *testing.T) {
	conn := &fakeConn{}
	req := newTestRequest(sip.OPTIONS, sip.GenerateBranch())
	tx := NewServerTx("test-options-srv-tx", req, conn, zerolog.Nop(), fastTimers())
	tx.OnTerminate(func(string) {})

	require.NoError(t, tx.Init())
	require.NoError(t, compareFsmState(currentServerState(tx), tx.stateTrying))

	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	require.NoError(t, tx.Respond(ok))
	require.NoError(t, compareFsmState(currentServerState(tx), tx.stateCompleted))
	require.Equal(t, 1, conn.writeCount())

	// TimerJ absorbs retransmitted requests before deleting.
	require.Eventually(t, func() bool {
		return compareFsmState(currentServerState(tx), tx.stateTerminated) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestServerTransactionNonInviteFSMRetransmission(t *testing.T) {
	conn := &fakeConn{}
	req := newTestRequest(sip.OPTIONS, sip.GenerateBranch())
	tx := NewServerTx("test-options-retransmit-srv-tx", req, conn, zerolog.Nop(), fastTimers())
	tx.OnTerminate(func(string) {})

	require.NoError(t, tx.Init())

	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	require.NoError(t, tx.Respond(ok))
	require.Equal(t, 1, conn.writeCount())

	// A retransmitted request in Completed resends the cached final
	// response instead of re-invoking the TU, RFC 3261 §17.2.2.
	retransmit := newTestRequest(sip.OPTIONS, sip.GenerateBranch())
	retransmit.Method = req.Method
	require.NoError(t, tx.Receive(retransmit))
	require.NoError(t, compareFsmState(currentServerState(tx), tx.stateCompleted))
	require.Equal(t, 2, conn.writeCount())
}
