package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gotrs-io/datawallet/internal/models"
)

// ErrReverted is returned when a transaction was mined but failed.
var ErrReverted = errors.New("transaction reverted")

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type callMsg struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Gas  string `json:"gas,omitempty"`
	Data string `json:"data"`
}

type receipt struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
	BlockNumber     string `json:"blockNumber"`
}

// RPCLedger talks JSON-RPC 2.0 to a ledger node that signs for FromAddress.
type RPCLedger struct {
	endpoint       string
	contract       string
	from           string
	network        string
	schema         *Contract
	client         *http.Client
	confirmTimeout time.Duration
	pollInterval   time.Duration
	gasMarginPct   int64
	now            func() time.Time
	logger         *log.Logger
	nextID         atomic.Uint64
}

// RPCOption customizes an RPCLedger.
type RPCOption func(*RPCLedger)

func WithHTTPClient(c *http.Client) RPCOption {
	return func(l *RPCLedger) {
		if c != nil {
			l.client = c
		}
	}
}

// WithConfirmation sets how long Attest waits for a receipt and how often it polls.
func WithConfirmation(timeout, poll time.Duration) RPCOption {
	return func(l *RPCLedger) {
		if timeout > 0 {
			l.confirmTimeout = timeout
		}
		if poll > 0 {
			l.pollInterval = poll
		}
	}
}

func WithNetwork(network string) RPCOption {
	return func(l *RPCLedger) {
		if network != "" {
			l.network = network
		}
	}
}

func WithRPCLogger(logger *log.Logger) RPCOption {
	return func(l *RPCLedger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRPCLedger validates addresses up front so misconfiguration fails at startup.
func NewRPCLedger(endpoint, contract, from string, schema *Contract, opts ...RPCOption) (*RPCLedger, error) {
	if endpoint == "" {
		return nil, errors.New("ledger rpc endpoint is required")
	}
	if !IsAddress(contract) {
		return nil, fmt.Errorf("contract address: %w: %q", ErrInvalidAddress, contract)
	}
	if !IsAddress(from) {
		return nil, fmt.Errorf("from address: %w: %q", ErrInvalidAddress, from)
	}
	if schema == nil {
		return nil, errors.New("contract schema is required")
	}
	l := &RPCLedger{
		endpoint:       endpoint,
		contract:       contract,
		from:           from,
		network:        "rpc",
		schema:         schema,
		client:         newHTTPClient(20 * time.Second),
		confirmTimeout: 2 * time.Minute,
		pollInterval:   2 * time.Second,
		gasMarginPct:   20,
		now:            time.Now,
		logger:         log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

func (l *RPCLedger) Network() string {
	return l.network
}

// Attest submits the attest transaction and waits for its receipt. Errors
// after the node accepted the transaction are *PendingTxError or ErrReverted.
func (l *RPCLedger) Attest(ctx context.Context, taskID, locator string) (*models.LedgerAttestationRecord, error) {
	txRef, err := l.Submit(ctx, taskID, locator)
	if err != nil {
		return nil, err
	}
	if err := l.AwaitConfirmation(ctx, txRef); err != nil {
		return nil, err
	}
	return &models.LedgerAttestationRecord{
		TaskID:     taskID,
		Locator:    locator,
		TxRef:      txRef,
		Network:    l.network,
		RecordedAt: l.now(),
	}, nil
}

// Submit estimates gas and sends the attest transaction.
func (l *RPCLedger) Submit(ctx context.Context, taskID, locator string) (string, error) {
	fn, _ := l.schema.Function("attest")
	data, err := EncodeCall(fn, taskID, locator)
	if err != nil {
		return "", err
	}
	msg := callMsg{From: l.from, To: l.contract, Data: EncodeHex(data)}

	var gasHex string
	if err := l.call(ctx, "eth_estimateGas", &gasHex, msg); err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	gas, err := parseQuantity(gasHex)
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	gas.Mul(gas, big.NewInt(100+l.gasMarginPct))
	gas.Div(gas, big.NewInt(100))
	msg.Gas = "0x" + gas.Text(16)

	var txRef string
	if err := l.call(ctx, "eth_sendTransaction", &txRef, msg); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	l.logger.Printf("[LEDGER] submitted attestation task=%s tx=%s gas=%s", taskID, txRef, msg.Gas)
	return txRef, nil
}

// AwaitConfirmation polls the receipt of txRef for up to the confirmation timeout.
func (l *RPCLedger) AwaitConfirmation(ctx context.Context, txRef string) error {
	ctx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		status, err := l.GetTransactionStatus(ctx, txRef)
		if err != nil {
			return &PendingTxError{TxRef: txRef, Err: err}
		}
		switch status {
		case TxConfirmed:
			return nil
		case TxFailed:
			return fmt.Errorf("%s: %w", txRef, ErrReverted)
		}
		select {
		case <-ctx.Done():
			return &PendingTxError{TxRef: txRef, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (l *RPCLedger) IsRegistered(ctx context.Context, identity string) (bool, error) {
	fn, _ := l.schema.Function("isRegistered")
	out, err := l.viewCall(ctx, fn, identity)
	if err != nil {
		return false, err
	}
	return DecodeBool(out)
}

// GetBalance uses the contract's getBalance when the schema declares it and
// the native account balance otherwise.
func (l *RPCLedger) GetBalance(ctx context.Context, identity string) (*big.Int, error) {
	if fn, ok := l.schema.Function("getBalance"); ok {
		out, err := l.viewCall(ctx, fn, identity)
		if err != nil {
			return nil, err
		}
		return DecodeUint256(out)
	}
	if !IsAddress(identity) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, identity)
	}
	var balance string
	if err := l.call(ctx, "eth_getBalance", &balance, identity, "latest"); err != nil {
		return nil, err
	}
	return parseQuantity(balance)
}

func (l *RPCLedger) GetTransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	var r *receipt
	if err := l.call(ctx, "eth_getTransactionReceipt", &r, txRef); err != nil {
		return "", err
	}
	if r == nil || r.BlockNumber == "" {
		return TxPending, nil
	}
	if r.Status == "0x1" {
		return TxConfirmed, nil
	}
	return TxFailed, nil
}

func (l *RPCLedger) viewCall(ctx context.Context, fn Function, args ...interface{}) ([]byte, error) {
	data, err := EncodeCall(fn, args...)
	if err != nil {
		return nil, err
	}
	var out string
	if err := l.call(ctx, "eth_call", &out, callMsg{To: l.contract, Data: EncodeHex(data)}, "latest"); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name, err)
	}
	return DecodeHex(out)
}

func (l *RPCLedger) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      l.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func parseQuantity(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(trimHexPrefix(s), 16)
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	return n, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

var (
	_ Ledger    = (*RPCLedger)(nil)
	_ Submitter = (*RPCLedger)(nil)
)

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
