// Package transaction implements the RFC 3261 §17 transaction layer: one
// state machine per in-flight request, absorbing retransmissions and
// driving timers so the dialog/core layer only ever sees one logical
// attempt per request.
package transaction

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaysip/sipstack/sip"
)

const (
	DefaultT1 = 500 * time.Millisecond
	DefaultT2 = 4 * time.Second
	DefaultT4 = 5 * time.Second

	TxSeperator = sip.TxSeperator
)

// Timers holds the RFC 3261 §17.1.1.1 base timers (T1/T2/T4) and the values
// derived from them; every ClientTx/ServerTx reads its timers from one of
// these instead of a package constant, so a Layer can be built with
// non-default base timers (SPEC_FULL.md §6's T1/T2/T4 configuration).
type Timers struct {
	T1 time.Duration
	T2 time.Duration
	T4 time.Duration

	TimerA   time.Duration
	TimerB   time.Duration
	TimerD   time.Duration
	TimerG   time.Duration
	TimerH   time.Duration
	TimerI   time.Duration
	TimerJ   time.Duration
	Timer1xx time.Duration
	TimerL   time.Duration
	TimerM   time.Duration
}

// DefaultTimers returns the RFC 3261 default base timers (T1=500ms,
// T2=4s, T4=5s) and their derived values.
func DefaultTimers() *Timers {
	return NewTimers(DefaultT1, DefaultT2, DefaultT4)
}

// NewTimers derives TimerA..M from the given base timers per RFC 3261
// §17.1.1.1/§17.2.1 ("64*T1", "T4" etc); TimerD keeps the RFC's fixed 32s
// floor for an unreliable transport regardless of t1.
func NewTimers(t1, t2, t4 time.Duration) *Timers {
	return &Timers{
		T1: t1, T2: t2, T4: t4,
		TimerA:   t1,
		TimerB:   64 * t1,
		TimerD:   32 * time.Second,
		TimerG:   t1,
		TimerH:   64 * t1,
		TimerI:   t4,
		TimerJ:   64 * t1,
		Timer1xx: 200 * time.Millisecond,
		TimerL:   64 * t1,
		TimerM:   64 * t1,
	}
}

func wrapTransportError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), sip.ErrTransport)
}

func wrapTimeoutError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), sip.ErrTimeout)
}

// MakeServerTxKey computes the server transaction id for msg: RFC 3261
// §17.2.3 branch + sent-by + method-family for RFC 3261 senders, falling
// back to the RFC 2543 From-tag/Call-ID/CSeq/top-Via tuple otherwise.
func MakeServerTxKey(msg sip.Message) (string, error) {
	firstViaHop, ok := msg.Via()
	if !ok {
		return "", fmt.Errorf("'Via' header not found in message %q", sip.MessageShortString(msg))
	}

	cseq, ok := msg.CSeq()
	if !ok {
		return "", fmt.Errorf("'CSeq' header not found in message %q", sip.MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == sip.ACK || method == sip.CANCEL {
		method = sip.INVITE
	}

	branch, ok := firstViaHop.Params.Get("branch")
	isRFC3261 := ok && branch != "" &&
		strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie) &&
		strings.TrimPrefix(branch, sip.RFC3261BranchMagicCookie) != ""

	var b strings.Builder
	if isRFC3261 {
		port := firstViaHop.Port
		if port <= 0 {
			port = sip.DefaultPort(firstViaHop.Transport)
		}
		b.WriteString(branch)
		b.WriteString(TxSeperator)
		b.WriteString(firstViaHop.Host)
		b.WriteString(TxSeperator)
		b.WriteString(strconv.Itoa(port))
		b.WriteString(TxSeperator)
		b.WriteString(string(method))
		return b.String(), nil
	}

	from, ok := msg.From()
	if !ok {
		return "", fmt.Errorf("'From' header not found in message %q", sip.MessageShortString(msg))
	}
	fromTag, ok := from.Tag()
	if !ok {
		return "", fmt.Errorf("'tag' param not found in From header of message %q", sip.MessageShortString(msg))
	}
	callID, ok := msg.CallID()
	if !ok {
		return "", fmt.Errorf("'Call-ID' header not found in message %q", sip.MessageShortString(msg))
	}

	b.WriteString(fromTag)
	b.WriteString(TxSeperator)
	callID.StringWrite(&b)
	b.WriteString(TxSeperator)
	b.WriteString(string(method))
	b.WriteString(TxSeperator)
	b.WriteString(strconv.Itoa(int(cseq.SeqNo)))
	b.WriteString(TxSeperator)
	firstViaHop.StringWrite(&b)
	return b.String(), nil
}

// MakeClientTxKey computes the client transaction id matching responses to
// the originating request, RFC 3261 §17.1.3: branch + method-family.
func MakeClientTxKey(msg sip.Message) (string, error) {
	cseq, ok := msg.CSeq()
	if !ok {
		return "", fmt.Errorf("'CSeq' header not found in message %q", sip.MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == sip.ACK || method == sip.CANCEL {
		method = sip.INVITE
	}

	firstViaHop, ok := msg.Via()
	if !ok {
		return "", fmt.Errorf("'Via' header not found in message %q", sip.MessageShortString(msg))
	}

	branch, ok := firstViaHop.Params.Get("branch")
	if !ok || branch == "" ||
		!strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie) ||
		strings.TrimPrefix(branch, sip.RFC3261BranchMagicCookie) == "" {
		return "", fmt.Errorf("'branch' param missing or empty in Via header of message %q", sip.MessageShortString(msg))
	}

	var b strings.Builder
	b.Grow(len(branch) + len(method) + len(TxSeperator))
	b.WriteString(branch)
	b.WriteString(TxSeperator)
	b.WriteString(string(method))
	return b.String(), nil
}

type transactionStore struct {
	transactions map[string]sip.Transaction
	mu           sync.RWMutex
}

func newTransactionStore() *transactionStore {
	return &transactionStore{transactions: make(map[string]sip.Transaction)}
}

func (store *transactionStore) put(key string, tx sip.Transaction) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.transactions[key] = tx
}

func (store *transactionStore) get(key string) (sip.Transaction, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	tx, ok := store.transactions[key]
	return tx, ok
}

func (store *transactionStore) drop(key string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, exists := store.transactions[key]
	delete(store.transactions, key)
	return exists
}

func (store *transactionStore) all() []sip.Transaction {
	store.mu.RLock()
	defer store.mu.RUnlock()
	all := make([]sip.Transaction, 0, len(store.transactions))
	for _, tx := range store.transactions {
		all = append(all, tx)
	}
	return all
}

func (store *transactionStore) terminateAll() {
	for _, tx := range store.all() {
		tx.Terminate()
	}
}
