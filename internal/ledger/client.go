package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// codeRevert is the RPC error code the node uses for contract-level
// rejections. Anything else on the error channel is infrastructure.
const codeRevert = -32000

// Client is the read/write surface the rest of the system consumes. The
// node behind it is treated as a black box.
type Client interface {
	GasPrice(ctx context.Context) (uint64, error)
	SequenceNumber(ctx context.Context, identity string) (uint64, error)
	SendTransaction(ctx context.Context, tx *SignedTransaction) (string, error)
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	GetShipment(ctx context.Context, trackingID string) (*Shipment, error)
	ListNotes(ctx context.Context, trackingID string) ([]Note, error)
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type RPCClient struct {
	url        string
	httpClient HTTPClient
}

func NewRPCClient(url string) *RPCClient {
	return &RPCClient{
		url:        url,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func NewRPCClientWithHTTP(url string, client HTTPClient) *RPCClient {
	return &RPCClient{
		url:        url,
		httpClient: client,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, result any, params ...any) error {
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: method, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &TransientError{Op: method, Err: fmt.Errorf("node returned status %s", resp.Status)}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return &TransientError{Op: method, Err: fmt.Errorf("malformed response: %w", err)}
	}

	if rpcResp.Error != nil {
		if rpcResp.Error.Code == codeRevert {
			return &RevertError{Reason: rpcResp.Error.Message}
		}
		return &TransientError{Op: method, Err: fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)}
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return &TransientError{Op: method, Err: fmt.Errorf("malformed result: %w", err)}
		}
	}

	return nil
}

func (c *RPCClient) GasPrice(ctx context.Context) (uint64, error) {
	var price uint64
	if err := c.call(ctx, "ledger_gasPrice", &price); err != nil {
		return 0, err
	}
	return price, nil
}

func (c *RPCClient) SequenceNumber(ctx context.Context, identity string) (uint64, error) {
	var seq uint64
	if err := c.call(ctx, "ledger_sequenceNumber", &seq, identity); err != nil {
		return 0, err
	}
	return seq, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *SignedTransaction) (string, error) {
	var txHash string
	if err := c.call(ctx, "ledger_sendTransaction", &txHash, tx); err != nil {
		return "", err
	}
	return txHash, nil
}

// TransactionReceipt returns (nil, nil) while the transaction is pending.
func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var receipt *Receipt
	if err := c.call(ctx, "ledger_getReceipt", &receipt, txHash); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *RPCClient) GetShipment(ctx context.Context, trackingID string) (*Shipment, error) {
	var shipment Shipment
	if err := c.call(ctx, "ledger_getShipment", &shipment, trackingID); err != nil {
		return nil, err
	}
	return &shipment, nil
}

func (c *RPCClient) ListNotes(ctx context.Context, trackingID string) ([]Note, error) {
	notes := make([]Note, 0)
	if err := c.call(ctx, "ledger_listNotes", &notes, trackingID); err != nil {
		return nil, err
	}
	return notes, nil
}
