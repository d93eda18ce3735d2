// devledger is an in-memory ledger node for demos and manual testing. It
// serves the JSON-RPC surface the medtrail node expects, assigns block
// numbers and timestamps at broadcast, and enforces sequence numbers per
// identity, so the full submission pipeline can be exercised without a
// real chain.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/medtrail/medtrail/internal/hash"
	"github.com/medtrail/medtrail/internal/ledger"
	"github.com/medtrail/medtrail/internal/signer"
)

const codeRevert = -32000

type shipmentState struct {
	shipment ledger.Shipment
	notes    []ledger.Note
}

type node struct {
	mu        sync.Mutex
	gasPrice  uint64
	block     uint64
	sequences map[string]uint64
	shipments map[string]*shipmentState
	receipts  map[string]*ledger.Receipt
	logger    *slog.Logger
}

func newNode(logger *slog.Logger) *node {
	return &node{
		gasPrice:  1,
		sequences: make(map[string]uint64),
		shipments: make(map[string]*shipmentState),
		receipts:  make(map[string]*ledger.Receipt),
		logger:    logger,
	}
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (n *node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	result, rpcErr := n.dispatch(&req)

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		n.logger.Error("failed to write response", "error", err)
	}
}

func (n *node) dispatch(req *rpcRequest) (any, *rpcError) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch req.Method {
	case "ledger_gasPrice":
		return n.gasPrice, nil

	case "ledger_sequenceNumber":
		var identity string
		if err := unmarshalParam(req, 0, &identity); err != nil {
			return nil, err
		}
		return n.sequences[identity], nil

	case "ledger_sendTransaction":
		var stx ledger.SignedTransaction
		if err := unmarshalParam(req, 0, &stx); err != nil {
			return nil, err
		}
		return n.sendTransaction(&stx)

	case "ledger_getReceipt":
		var txHash string
		if err := unmarshalParam(req, 0, &txHash); err != nil {
			return nil, err
		}
		return n.receipts[txHash], nil

	case "ledger_getShipment":
		var trackingID string
		if err := unmarshalParam(req, 0, &trackingID); err != nil {
			return nil, err
		}
		state, ok := n.shipments[trackingID]
		if !ok {
			return nil, &rpcError{Code: codeRevert, Message: "execution reverted: unknown shipment"}
		}
		return state.shipment, nil

	case "ledger_listNotes":
		var trackingID string
		if err := unmarshalParam(req, 0, &trackingID); err != nil {
			return nil, err
		}
		state, ok := n.shipments[trackingID]
		if !ok {
			return nil, &rpcError{Code: codeRevert, Message: "execution reverted: unknown shipment"}
		}
		return state.notes, nil

	default:
		return nil, &rpcError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

func unmarshalParam(req *rpcRequest, index int, out any) *rpcError {
	if index >= len(req.Params) {
		return &rpcError{Code: -32602, Message: "missing parameter"}
	}
	if err := json.Unmarshal(req.Params[index], out); err != nil {
		return &rpcError{Code: -32602, Message: fmt.Sprintf("invalid parameter: %v", err)}
	}
	return nil
}

// sendTransaction validates, executes, and confirms in one step. A real
// chain would leave the receipt pending for a while; here it is available
// on the first poll.
func (n *node) sendTransaction(stx *ledger.SignedTransaction) (any, *rpcError) {
	if err := signer.Verify(stx); err != nil {
		return nil, &rpcError{Code: -32602, Message: fmt.Sprintf("invalid signature: %v", err)}
	}

	tx := &stx.Transaction
	expected := n.sequences[tx.From]
	if tx.Sequence != expected {
		return nil, &rpcError{Code: -32602, Message: fmt.Sprintf("bad sequence: got %d, want %d", tx.Sequence, expected)}
	}

	txHash, err := hash.Calculate(stx)
	if err != nil {
		return nil, &rpcError{Code: -32603, Message: err.Error()}
	}
	txHash = "0x" + txHash

	blockTime := time.Now().UTC()
	receipt := &ledger.Receipt{
		TxHash:      txHash,
		BlockNumber: n.block + 1,
		BlockTime:   blockTime,
	}

	// Reverts are reported at broadcast and consume nothing: no sequence
	// advance, no block, no receipt.
	if reason := n.execute(tx, txHash, blockTime, receipt); reason != "" {
		n.logger.Info("transaction reverted",
			"method", tx.Call.Method,
			"from", tx.From,
			"reason", reason,
		)
		return nil, &rpcError{Code: codeRevert, Message: "execution reverted: " + reason}
	}

	n.sequences[tx.From] = expected + 1
	n.block++
	n.receipts[txHash] = receipt

	n.logger.Info("transaction broadcast",
		"tx_hash", txHash,
		"method", tx.Call.Method,
		"from", tx.From,
		"sequence", tx.Sequence,
	)

	return txHash, nil
}

func (n *node) execute(tx *ledger.Transaction, txHash string, blockTime time.Time, receipt *ledger.Receipt) string {
	switch tx.Call.Method {
	case "createShipment":
		if len(tx.Call.Args) != 4 {
			return "createShipment expects 4 arguments"
		}
		trackingID := tx.Call.Args[0]
		if _, exists := n.shipments[trackingID]; exists {
			return "shipment already exists"
		}

		n.shipments[trackingID] = &shipmentState{
			shipment: ledger.Shipment{
				TrackingID: trackingID,
				Medicine:   tx.Call.Args[1],
				Sender:     tx.Call.Args[2],
				Receiver:   tx.Call.Args[3],
				Status:     ledger.StatusPending,
				LastTxHash: txHash,
			},
		}
		receipt.Event = &ledger.NoteEvent{
			TrackingID: trackingID,
			Status:     ledger.StatusPending,
			Author:     tx.From,
			Timestamp:  blockTime,
		}
		return ""

	case "appendNote":
		if len(tx.Call.Args) != 3 {
			return "appendNote expects 3 arguments"
		}
		trackingID := tx.Call.Args[0]
		state, ok := n.shipments[trackingID]
		if !ok {
			return "unknown shipment"
		}

		status, err := ledger.ParseStatus(tx.Call.Args[1])
		if err != nil {
			return err.Error()
		}

		note := ledger.Note{
			Status:    status,
			Note:      tx.Call.Args[2],
			Author:    tx.From,
			Timestamp: blockTime,
			TxHash:    txHash,
		}
		state.notes = append(state.notes, note)
		state.shipment.Status = status
		state.shipment.LastTxHash = txHash

		receipt.Event = &ledger.NoteEvent{
			TrackingID: trackingID,
			Status:     status,
			Note:       note.Note,
			Author:     tx.From,
			Timestamp:  blockTime,
		}
		return ""

	default:
		return fmt.Sprintf("unknown method: %s", tx.Call.Method)
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8945", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	n := newNode(logger)

	logger.Info("devledger listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, n); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
