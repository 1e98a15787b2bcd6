package transaction

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/relaysip/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeConn is a transport.Connection that keeps every written message in
// memory instead of touching a socket, so FSM tests can run without a real
// transport underneath.
type fakeConn struct {
	mu   sync.Mutex
	sent []sip.Message
}

func (c *fakeConn) WriteMsg(msg sip.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Ref(int)                { /* no refcounting to fake */ }
func (c *fakeConn) TryClose() (int, error) { return 0, nil }
func (c *fakeConn) Close() error           { return nil }

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// compareFsmState reports a mismatch between two FSM state function values;
// function values aren't comparable with ==, so the underlying code pointer
// is compared instead (bound methods of the same name share one pointer
// regardless of receiver).
func compareFsmState(got, want FsmContextState) error {
	g := reflect.ValueOf(got).Pointer()
	w := reflect.ValueOf(want).Pointer()
	if g != w {
		return fmt.Errorf("fsm state mismatch: got %s, want %s", runtime.FuncForPC(g).Name(), runtime.FuncForPC(w).Name())
	}
	return nil
}

func currentClientState(tx *ClientTx) FsmContextState {
	tx.fsmMu.RLock()
	defer tx.fsmMu.RUnlock()
	return tx.fsmState
}

func currentServerState(tx *ServerTx) FsmContextState {
	tx.fsmMu.RLock()
	defer tx.fsmMu.RUnlock()
	return tx.fsmState
}

// fastTimers scales T1/T2/T4 down so retransmission and timeout timers fire
// in milliseconds instead of RFC 3261's default seconds; TimerD/Timer1xx are
// fixed regardless (RFC 3261 §17.1.1.2/§17.2.1) so tests avoid exercising
// those two directly.
func fastTimers() *Timers {
	return NewTimers(5*time.Millisecond, 20*time.Millisecond, 25*time.Millisecond)
}

func newTestRequest(method sip.RequestMethod, branch string) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1", Port: 5060}
	req := sip.NewRequest(method, recipient)

	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "127.0.0.1", Port: 5061}
	via.Params = sip.NewParams()
	via.Params.Add("branch", branch)
	req.AppendHeader(via)

	from := &sip.FromHeader{}
	from.Address = sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1"}
	from.Params = sip.NewParams()
	from.Params.Add("tag", "fromtag")
	req.AppendHeader(from)

	to := &sip.ToHeader{}
	to.Address = recipient
	to.Params = sip.NewParams()
	req.AppendHeader(to)

	callID := sip.CallIDHeader("test-call-" + branch)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})

	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)
	return req
}

func drainResponses(tx *ClientTx) {
	go func() {
		for range tx.Responses() {
		}
	}()
}

func TestClientTransactionInviteFSM(t *testing.T) {
	conn := &fakeConn{}
	req := newTestRequest(sip.INVITE, sip.GenerateBranch())
	tx := NewClientTx("test-invite-tx", req, conn, zerolog.Nop(), fastTimers())
	tx.OnTerminate(func(string) {})
	drainResponses(tx)

	require.NoError(t, tx.Init())
	require.NoError(t, compareFsmState(currentClientState(tx), tx.inviteStateCalling))
	require.Equal(t, 1, conn.writeCount())

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	require.NoError(t, tx.Receive(ringing))
	require.NoError(t, compareFsmState(currentClientState(tx), tx.inviteStateProceeding))

	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	require.NoError(t, tx.Receive(ok))
	require.NoError(t, compareFsmState(currentClientState(tx), tx.inviteStateAccepted))

	// TimerM (64*T1) absorbs retransmitted 2xx before tearing the
	// transaction down.
	require.Eventually(t, func() bool {
		return compareFsmState(currentClientState(tx), tx.inviteStateTerminated) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestClientTransactionInviteFSMTimesOutUnderTimerB(t *testing.T) {
	conn := &fakeConn{}
	req := newTestRequest(sip.INVITE, sip.GenerateBranch())
	tx := NewClientTx("test-timeout-tx", req, conn, zerolog.Nop(), fastTimers())
	tx.OnTerminate(func(string) {})
	drainResponses(tx)

	require.NoError(t, tx.Init())

	require.Eventually(t, func() bool {
		return compareFsmState(currentClientState(tx), tx.inviteStateTerminated) == nil
	}, time.Second, 5*time.Millisecond)

	select {
	case err := <-tx.Errors():
		require.ErrorIs(t, err, sip.ErrTimeout)
	default:
		t.Fatal("expected a timeout error on the Errors channel")
	}
}

func TestClientTransactionNonInviteFSMRetransmitsUnderTimerA(t *testing.T) {
	conn := &fakeConn{}
	req := newTestRequest(sip.OPTIONS, sip.GenerateBranch())
	tx := NewClientTx("test-options-tx", req, conn, zerolog.Nop(), fastTimers())
	tx.OnTerminate(func(string) {})
	drainResponses(tx)

	require.NoError(t, tx.Init())
	require.NoError(t, compareFsmState(currentClientState(tx), tx.stateCalling))
	require.Equal(t, 1, conn.writeCount())

	// Timer A retransmits the request while no response has arrived.
	require.Eventually(t, func() bool {
		return conn.writeCount() >= 2
	}, time.Second, 5*time.Millisecond)

	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	require.NoError(t, tx.Receive(ok))
	require.NoError(t, compareFsmState(currentClientState(tx), tx.stateCompleted))
}

func TestClientTransactionInviteFSMAcksNonSuccessFinal(t *testing.T) {
	conn := &fakeConn{}
	req := newTestRequest(sip.INVITE, sip.GenerateBranch())
	tx := NewClientTx("test-invite-reject-tx", req, conn, zerolog.Nop(), fastTimers())
	tx.OnTerminate(func(string) {})
	drainResponses(tx)

	require.NoError(t, tx.Init())

	busy := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	require.NoError(t, tx.Receive(busy))
	require.NoError(t, compareFsmState(currentClientState(tx), tx.inviteStateCompleted))

	// actInviteFinal ACKs the non-2xx final response on the transaction's
	// own behalf, per RFC 3261 §17.1.1.3.
	require.Eventually(t, func() bool {
		return conn.writeCount() >= 2
	}, time.Second, 5*time.Millisecond)

	var ack sip.Message
	for _, msg := range conn.sent {
		if req, ok := msg.(*sip.Request); ok && req.IsAck() {
			ack = req
		}
	}
	require.NotNil(t, ack, "expected an ACK to have been sent")
}
