package transaction

import (
	"context"
	"fmt"

	"github.com/relaysip/sipstack/sip"
	"github.com/relaysip/sipstack/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type RequestHandler func(req *sip.Request, tx sip.ServerTransaction)
type UnhandledResponseHandler func(res *sip.Response)

func defaultRequestHandler(r *sip.Request, tx sip.ServerTransaction) {
	log.Info().Str("caller", "transaction.Layer").Str("msg", r.Short()).Msg("unhandled request, no OnRequest handler installed")
}

func defaultUnhandledRespHandler(r *sip.Response) {
	log.Info().Str("caller", "transaction.Layer").Str("msg", r.Short()).Msg("unhandled response, no matching client transaction")
}

// Layer sits between the transport layer and the dialog/core layer:
// incoming messages are matched to an existing transaction or spawn a new
// server transaction; outgoing requests get a fresh client transaction.
type Layer struct {
	tpl           *transport.Layer
	reqHandler    RequestHandler
	unRespHandler UnhandledResponseHandler
	timers        *Timers

	clientTransactions *transactionStore
	serverTransactions *transactionStore

	log zerolog.Logger
}

// NewLayer builds a transaction layer over tpl. A nil timers uses
// DefaultTimers (T1=500ms, T2=4s, T4=5s); pass transaction.NewTimers(...)
// to override the RFC 3261 §17 base timers for every transaction this
// layer creates.
func NewLayer(tpl *transport.Layer, timers *Timers) *Layer {
	if timers == nil {
		timers = DefaultTimers()
	}
	txl := &Layer{
		tpl:                tpl,
		timers:             timers,
		clientTransactions: newTransactionStore(),
		serverTransactions: newTransactionStore(),
		reqHandler:         defaultRequestHandler,
		unRespHandler:      defaultUnhandledRespHandler,
		log:                log.Logger.With().Str("caller", "transaction.Layer").Logger(),
	}
	tpl.OnMessage(txl.handleMessage)
	return txl
}

func (txl *Layer) OnRequest(h RequestHandler) { txl.reqHandler = h }

// OnUnhandledResponse is invoked for a response matching no client
// transaction, per RFC 3261 §17.1.1.2 ("passed directly to the UA").
func (txl *Layer) OnUnhandledResponse(f UnhandledResponseHandler) { txl.unRespHandler = f }

func (txl *Layer) handleMessage(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		txl.handleRequest(m)
	case *sip.Response:
		txl.handleResponse(m)
	default:
		txl.log.Error().Msg("unsupported message type from transport, dropped")
	}
}

func (txl *Layer) handleRequest(req *sip.Request) {
	key, err := MakeServerTxKey(req)
	if err != nil {
		txl.log.Error().Err(err).Msg("server tx key computation failed")
		return
	}

	if tx, exists := txl.getServerTx(key); exists {
		if err := tx.Receive(req); err != nil {
			txl.log.Error().Err(err).Msg("server tx failed to absorb retransmission")
		}
		return
	}

	if req.IsCancel() {
		// The CANCEL's matching INVITE transaction has already terminated;
		// nothing left to cancel.
		return
	}

	conn, err := txl.tpl.GetConnection(req.Transport(), req.Source())
	if err != nil {
		conn, err = txl.tpl.ClientRequestConnection(context.Background(), req)
		if err != nil {
			txl.log.Error().Err(err).Msg("server tx could not obtain connection for inbound request source")
			return
		}
	}

	tx := NewServerTx(key, req, conn, txl.log, txl.timers)
	if err := tx.Init(); err != nil {
		txl.log.Error().Err(err).Msg("server tx init failed")
		return
	}
	txl.serverTransactions.put(tx.Key(), tx)
	tx.OnTerminate(txl.serverTxTerminate)

	txl.reqHandler(req, tx)
}

func (txl *Layer) handleResponse(res *sip.Response) {
	key, err := MakeClientTxKey(res)
	if err != nil {
		txl.log.Error().Err(err).Msg("client tx key computation failed")
		return
	}

	tx, exists := txl.getClientTx(key)
	if !exists {
		txl.unRespHandler(res)
		return
	}

	if err := tx.Receive(res); err != nil {
		txl.log.Error().Err(err).Msg("client tx failed to receive response")
	}
}

// Request sends req as a new client transaction.
func (txl *Layer) Request(ctx context.Context, req *sip.Request) (*ClientTx, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK must be sent directly through the transport, not as a transaction")
	}

	key, err := MakeClientTxKey(req)
	if err != nil {
		return nil, err
	}
	if _, exists := txl.clientTransactions.get(key); exists {
		return nil, fmt.Errorf("client transaction %q already exists", key)
	}

	conn, err := txl.tpl.ClientRequestConnection(ctx, req)
	if err != nil {
		return nil, err
	}

	tx := NewClientTx(key, req, conn, txl.log, txl.timers)
	tx.OnTerminate(txl.clientTxTerminate)
	txl.clientTransactions.put(tx.Key(), tx)

	if err := tx.Init(); err != nil {
		txl.clientTxTerminate(tx.key)
		return nil, err
	}
	return tx, nil
}

// Respond sends res through the server transaction matching its
// (branch, method-family, sent-by) tuple.
func (txl *Layer) Respond(res *sip.Response) (*ServerTx, error) {
	key, err := MakeServerTxKey(res)
	if err != nil {
		return nil, err
	}
	tx, exists := txl.getServerTx(key)
	if !exists {
		return nil, fmt.Errorf("server transaction for response does not exist")
	}
	if err := tx.Respond(res); err != nil {
		return nil, err
	}
	return tx, nil
}

func (txl *Layer) clientTxTerminate(key string) {
	if !txl.clientTransactions.drop(key) {
		txl.log.Info().Str("key", key).Msg("non-existing client tx removal requested")
	}
}

func (txl *Layer) serverTxTerminate(key string) {
	if !txl.serverTransactions.drop(key) {
		txl.log.Info().Str("key", key).Msg("non-existing server tx removal requested")
	}
}

func (txl *Layer) getClientTx(key string) (*ClientTx, bool) {
	tx, ok := txl.clientTransactions.get(key)
	if !ok {
		return nil, false
	}
	return tx.(*ClientTx), true
}

func (txl *Layer) getServerTx(key string) (*ServerTx, bool) {
	tx, ok := txl.serverTransactions.get(key)
	if !ok {
		return nil, false
	}
	return tx.(*ServerTx), true
}

// ActiveTransactionCount reports the number of live transactions, used by
// the core to expose a prometheus gauge.
func (txl *Layer) ActiveTransactionCount() (client int, server int) {
	return len(txl.clientTransactions.all()), len(txl.serverTransactions.all())
}

func (txl *Layer) Close() {
	txl.clientTransactions.terminateAll()
	txl.serverTransactions.terminateAll()
	txl.log.Debug().Msg("transaction layer closed")
}
