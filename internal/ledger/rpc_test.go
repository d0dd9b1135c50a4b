package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/datawallet/internal/models"
	"github.com/gotrs-io/datawallet/internal/retry"
)

const (
	contractAddr = "0x1000000000000000000000000000000000000001"
	fromAddr     = "0x2000000000000000000000000000000000000002"
	ownerAddr    = "0xAbC0000000000000000000000000000000000001"
)

// fakeNode answers the JSON-RPC subset the ledger uses.
type fakeNode struct {
	mu            sync.Mutex
	calls         []string
	lastSend      map[string]interface{}
	pendingPolls  int
	receiptStatus string
	registered    bool
	failEstimate  bool
}

func (n *fakeNode) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n.mu.Lock()
		defer n.mu.Unlock()
		n.calls = append(n.calls, req.Method)

		reply := func(result interface{}) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
		}
		fail := func(code int, msg string) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "error": map[string]interface{}{"code": code, "message": msg},
			})
		}

		switch req.Method {
		case "eth_estimateGas":
			if n.failEstimate {
				fail(3, "execution reverted")
				return
			}
			reply("0x5208")
		case "eth_sendTransaction":
			var msg map[string]interface{}
			require.NoError(t, json.Unmarshal(req.Params[0], &msg))
			n.lastSend = msg
			reply("0xfeed")
		case "eth_getTransactionReceipt":
			if n.pendingPolls > 0 {
				n.pendingPolls--
				reply(nil)
				return
			}
			reply(map[string]string{"transactionHash": "0xfeed", "status": n.receiptStatus, "blockNumber": "0x10"})
		case "eth_call":
			var msg map[string]string
			require.NoError(t, json.Unmarshal(req.Params[0], &msg))
			switch {
			case strings.HasPrefix(msg["data"], "0xc3c5a547"):
				v := "0"
				if n.registered {
					v = "1"
				}
				reply("0x" + strings.Repeat("0", 63) + v)
			case strings.HasPrefix(msg["data"], "0xf8b2cb4f"):
				reply("0x" + strings.Repeat("0", 60) + "03e8")
			default:
				fail(-32000, "unknown selector")
			}
		case "eth_getBalance":
			reply("0xde0b6b3a7640000")
		default:
			fail(-32601, "method not found")
		}
	}
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.calls {
		if m == method {
			c++
		}
	}
	return c
}

func (n *fakeNode) setPendingPolls(v int) {
	n.mu.Lock()
	n.pendingPolls = v
	n.mu.Unlock()
}

func newRPCLedger(t *testing.T, node *fakeNode, schema *Contract) *RPCLedger {
	t.Helper()
	srv := httptest.NewServer(node.handler(t))
	t.Cleanup(srv.Close)
	l, err := NewRPCLedger(srv.URL, contractAddr, fromAddr, schema,
		WithNetwork("testnet"),
		WithConfirmation(time.Second, 5*time.Millisecond),
		WithRPCLogger(log.New(io.Discard, "", 0)),
	)
	require.NoError(t, err)
	return l
}

func TestRPCAttestWaitsForReceipt(t *testing.T) {
	node := &fakeNode{receiptStatus: "0x1", pendingPolls: 2}
	l := newRPCLedger(t, node, defaultContract(t))

	rec, err := l.Attest(context.Background(), "task_1", "bafyexample")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", rec.TxRef)
	assert.Equal(t, "testnet", rec.Network)
	assert.False(t, rec.Simulated)

	assert.Equal(t, []string{
		"eth_estimateGas", "eth_sendTransaction",
		"eth_getTransactionReceipt", "eth_getTransactionReceipt", "eth_getTransactionReceipt",
	}, node.calls)
	// 0x5208 (21000) plus a 20% margin.
	assert.Equal(t, "0x6270", node.lastSend["gas"])
	assert.Equal(t, strings.ToLower(fromAddr), strings.ToLower(node.lastSend["from"].(string)))
	assert.True(t, strings.HasPrefix(node.lastSend["data"].(string), "0x5bf3d427"))
}

func TestRPCAttestReverted(t *testing.T) {
	node := &fakeNode{receiptStatus: "0x0"}
	l := newRPCLedger(t, node, defaultContract(t))

	_, err := l.Attest(context.Background(), "task_1", "bafyexample")
	require.ErrorIs(t, err, ErrReverted)
}

func TestRPCAttestConfirmationTimeout(t *testing.T) {
	node := &fakeNode{receiptStatus: "0x1", pendingPolls: 1 << 20}
	l := newRPCLedger(t, node, defaultContract(t))
	l.confirmTimeout = 30 * time.Millisecond

	_, err := l.Attest(context.Background(), "task_1", "bafyexample")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	var pending *PendingTxError
	require.True(t, errors.As(err, &pending))
	assert.Equal(t, "0xfeed", pending.TxRef)
}

func TestRPCErrorSurfaces(t *testing.T) {
	node := &fakeNode{failEstimate: true}
	l := newRPCLedger(t, node, defaultContract(t))

	_, err := l.Attest(context.Background(), "task_1", "bafyexample")
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "execution reverted", rpcErr.Message)
}

func TestRPCReadOnlyQueries(t *testing.T) {
	node := &fakeNode{registered: true}
	l := newRPCLedger(t, node, defaultContract(t))
	ctx := context.Background()

	ok, err := l.IsRegistered(ctx, ownerAddr)
	require.NoError(t, err)
	assert.True(t, ok)

	bal, err := l.GetBalance(ctx, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Int64())

	_, err = l.IsRegistered(ctx, "alice@example.com")
	require.ErrorIs(t, err, ErrInvalidAddress)

	assert.NotContains(t, node.calls, "eth_sendTransaction")
}

func TestRPCBalanceFallsBackToNativeBalance(t *testing.T) {
	schema, err := ParseContractSchema([]byte(`{"name":"Minimal","functions":[
		{"name":"attest","stateMutability":"nonpayable","inputs":[{"type":"string"},{"type":"string"}]},
		{"name":"isRegistered","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]}]}`))
	require.NoError(t, err)
	node := &fakeNode{}
	l := newRPCLedger(t, node, schema)

	bal, err := l.GetBalance(context.Background(), ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", bal.String())
	assert.Equal(t, []string{"eth_getBalance"}, node.calls)
}

func TestRPCTransactionStatus(t *testing.T) {
	node := &fakeNode{receiptStatus: "0x1", pendingPolls: 1}
	l := newRPCLedger(t, node, defaultContract(t))
	ctx := context.Background()

	status, err := l.GetTransactionStatus(ctx, "0xfeed")
	require.NoError(t, err)
	assert.Equal(t, TxPending, status)

	status, err = l.GetTransactionStatus(ctx, "0xfeed")
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status)
}

func TestNewRPCLedgerValidatesAddresses(t *testing.T) {
	c := defaultContract(t)
	_, err := NewRPCLedger("http://node", "nope", fromAddr, c)
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = NewRPCLedger("http://node", contractAddr, "nope", c)
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = NewRPCLedger("", contractAddr, fromAddr, c)
	require.Error(t, err)
	_, err = NewRPCLedger("http://node", contractAddr, fromAddr, nil)
	require.Error(t, err)
}

func TestSimulatedLedger(t *testing.T) {
	l := NewSimulatedLedger("", WithSimulatedDelay(0), WithRegistered(ownerAddr),
		WithSimulatedLogger(log.New(io.Discard, "", 0)))
	ctx := context.Background()
	assert.Equal(t, "simulated", l.Network())

	rec, err := l.Attest(ctx, "task_1", "bafyexample")
	require.NoError(t, err)
	assert.True(t, rec.Simulated)
	require.Len(t, rec.TxRef, 66)
	_, err = hex.DecodeString(rec.TxRef[2:])
	require.NoError(t, err)

	again, err := l.Attest(ctx, "task_1", "bafyexample")
	require.NoError(t, err)
	assert.NotEqual(t, rec.TxRef, again.TxRef)

	status, err := l.GetTransactionStatus(ctx, rec.TxRef)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status)
	_, err = l.GetTransactionStatus(ctx, "0xdead")
	require.ErrorIs(t, err, ErrUnknownTransaction)

	ok, err := l.IsRegistered(ctx, strings.ToLower(ownerAddr))
	require.NoError(t, err)
	assert.True(t, ok)
	bal, err := l.GetBalance(ctx, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, SimulatedBalance.Int64(), bal.Int64())

	bal, err = l.GetBalance(ctx, "0x9999999999999999999999999999999999999999")
	require.NoError(t, err)
	assert.Zero(t, bal.Sign())
}

func TestSimulatedLedgerHonorsCancellationDuringDelay(t *testing.T) {
	l := NewSimulatedLedger("sim", WithSimulatedDelay(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Attest(ctx, "task_1", "bafyexample")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// flakyLedger fails a fixed number of attest calls before succeeding.
type flakyLedger struct {
	*SimulatedLedger
	failures int
	err      error
	calls    int
}

func (f *flakyLedger) Attest(ctx context.Context, taskID, locator string) (*models.LedgerAttestationRecord, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.SimulatedLedger.Attest(ctx, taskID, locator)
}

func quickPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestAttestorRetriesTransportFailures(t *testing.T) {
	inner := &flakyLedger{
		SimulatedLedger: NewSimulatedLedger("sim", WithSimulatedDelay(0)),
		failures:        2,
		err:             errors.New("connection refused"),
	}
	a := NewAttestor(inner, WithBoundary(retry.Boundary{Policy: quickPolicy()}), WithLogger(log.New(io.Discard, "", 0)))

	rec, err := a.Attest(context.Background(), "task_1", "bafyexample", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.TxRef)
	assert.Equal(t, 3, inner.calls)
}

func TestAttestorDoesNotRetryReverts(t *testing.T) {
	inner := &flakyLedger{
		SimulatedLedger: NewSimulatedLedger("sim", WithSimulatedDelay(0)),
		failures:        5,
		err:             ErrReverted,
	}
	a := NewAttestor(inner, WithBoundary(retry.Boundary{Policy: quickPolicy()}), WithLogger(log.New(io.Discard, "", 0)))

	_, err := a.Attest(context.Background(), "task_1", "bafyexample", nil)
	var attErr *AttestationError
	require.True(t, errors.As(err, &attErr))
	assert.Equal(t, "task_1", attErr.TaskID)
	assert.Equal(t, "sim", attErr.Network)
	require.ErrorIs(t, err, ErrReverted)
	assert.Equal(t, 1, inner.calls)
}

func TestAttestorSubmitsOnceWhileConfirmationIsSlow(t *testing.T) {
	node := &fakeNode{receiptStatus: "0x1", pendingPolls: 1 << 30}
	l := newRPCLedger(t, node, defaultContract(t))
	l.confirmTimeout = 30 * time.Millisecond
	a := NewAttestor(l, WithBoundary(retry.Boundary{Policy: quickPolicy()}), WithLogger(log.New(io.Discard, "", 0)))

	var submitted []string
	_, err := a.Attest(context.Background(), "task_1", "bafyexample", func(_ context.Context, txRef string) error {
		submitted = append(submitted, txRef)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, node.count("eth_sendTransaction"))
	assert.Equal(t, 1, node.count("eth_estimateGas"))
	assert.Equal(t, []string{"0xfeed"}, submitted)

	var attErr *AttestationError
	require.True(t, errors.As(err, &attErr))
	assert.Equal(t, "0xfeed", attErr.TxRef)
	var pending *PendingTxError
	require.True(t, errors.As(err, &pending))

	node.setPendingPolls(0)
	rec, err := a.Confirm(context.Background(), "task_1", "bafyexample", attErr.TxRef)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", rec.TxRef)
	assert.Equal(t, "testnet", rec.Network)
	assert.Equal(t, 1, node.count("eth_sendTransaction"))
}

func TestAttestorConfirmReportsRevert(t *testing.T) {
	node := &fakeNode{receiptStatus: "0x0"}
	l := newRPCLedger(t, node, defaultContract(t))
	a := NewAttestor(l, WithBoundary(retry.Boundary{Policy: quickPolicy()}), WithLogger(log.New(io.Discard, "", 0)))

	_, err := a.Confirm(context.Background(), "task_1", "bafyexample", "0xfeed")
	require.ErrorIs(t, err, ErrReverted)
	assert.Zero(t, node.count("eth_sendTransaction"))
	assert.Equal(t, 1, node.count("eth_getTransactionReceipt"))
}

// pendingLedger reports every attestation as submitted but unconfirmed.
type pendingLedger struct {
	*SimulatedLedger
	attests int
	status  TxStatus
}

func (p *pendingLedger) Attest(context.Context, string, string) (*models.LedgerAttestationRecord, error) {
	p.attests++
	return nil, &PendingTxError{TxRef: "0xabc", Err: context.DeadlineExceeded}
}

func (p *pendingLedger) GetTransactionStatus(context.Context, string) (TxStatus, error) {
	return p.status, nil
}

func TestAttestorPollsInsteadOfResubmitting(t *testing.T) {
	inner := &pendingLedger{SimulatedLedger: NewSimulatedLedger("sim", WithSimulatedDelay(0)), status: TxPending}
	a := NewAttestor(inner, WithBoundary(retry.Boundary{Policy: quickPolicy()}), WithLogger(log.New(io.Discard, "", 0)))

	_, err := a.Attest(context.Background(), "task_1", "bafyexample", nil)
	require.ErrorIs(t, err, ErrNotConfirmed)
	assert.Equal(t, 1, inner.attests)

	inner.status = TxConfirmed
	rec, err := a.Confirm(context.Background(), "task_1", "bafyexample", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", rec.TxRef)
	assert.Equal(t, 1, inner.attests)
}
