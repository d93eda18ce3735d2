package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
)

type mockHTTPClient struct {
	requests []*http.Request
	bodies   []rpcRequest
	response *http.Response
	err      error
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		var parsed rpcRequest
		_ = json.Unmarshal(data, &parsed)
		m.bodies = append(m.bodies, parsed)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func TestGasPrice(t *testing.T) {
	mock := &mockHTTPClient{response: jsonResponse(200, `{"jsonrpc":"2.0","id":1,"result":42}`)}
	client := NewRPCClientWithHTTP("http://localhost:8545", mock)

	price, err := client.GasPrice(context.Background())
	if err != nil {
		t.Fatalf("GasPrice failed: %v", err)
	}
	if price != 42 {
		t.Errorf("expected 42, got %d", price)
	}
	if mock.bodies[0].Method != "ledger_gasPrice" {
		t.Errorf("unexpected method: %s", mock.bodies[0].Method)
	}
}

func TestSequenceNumberPassesIdentity(t *testing.T) {
	mock := &mockHTTPClient{response: jsonResponse(200, `{"jsonrpc":"2.0","id":1,"result":7}`)}
	client := NewRPCClientWithHTTP("http://localhost:8545", mock)

	seq, err := client.SequenceNumber(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("SequenceNumber failed: %v", err)
	}
	if seq != 7 {
		t.Errorf("expected 7, got %d", seq)
	}
	if len(mock.bodies[0].Params) != 1 || mock.bodies[0].Params[0] != "0xabc" {
		t.Errorf("unexpected params: %v", mock.bodies[0].Params)
	}
}

func TestRevertCodeMapsToRevertError(t *testing.T) {
	mock := &mockHTTPClient{
		response: jsonResponse(200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"execution reverted: unknown shipment"}}`),
	}
	client := NewRPCClientWithHTTP("http://localhost:8545", mock)

	_, err := client.SendTransaction(context.Background(), &SignedTransaction{})
	re := AsRevert(err)
	if re == nil {
		t.Fatalf("expected RevertError, got %v", err)
	}
	if re.Reason != "execution reverted: unknown shipment" {
		t.Errorf("unexpected reason: %s", re.Reason)
	}
}

func TestOtherRPCErrorIsTransient(t *testing.T) {
	mock := &mockHTTPClient{
		response: jsonResponse(200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`),
	}
	client := NewRPCClientWithHTTP("http://localhost:8545", mock)

	_, err := client.GasPrice(context.Background())
	if !IsTransient(err) {
		t.Errorf("expected TransientError, got %v", err)
	}
	if AsRevert(err) != nil {
		t.Errorf("non-revert code must not map to RevertError")
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("connection refused")}
	client := NewRPCClientWithHTTP("http://localhost:8545", mock)

	_, err := client.GasPrice(context.Background())
	if !IsTransient(err) {
		t.Errorf("expected TransientError, got %v", err)
	}
}

func TestNon200IsTransient(t *testing.T) {
	mock := &mockHTTPClient{response: jsonResponse(502, `bad gateway`)}
	client := NewRPCClientWithHTTP("http://localhost:8545", mock)

	_, err := client.GasPrice(context.Background())
	if !IsTransient(err) {
		t.Errorf("expected TransientError, got %v", err)
	}
}

func TestMalformedResponseIsTransient(t *testing.T) {
	mock := &mockHTTPClient{response: jsonResponse(200, `{not json`)}
	client := NewRPCClientWithHTTP("http://localhost:8545", mock)

	_, err := client.GasPrice(context.Background())
	if !IsTransient(err) {
		t.Errorf("expected TransientError, got %v", err)
	}
}

func TestPendingReceiptIsNil(t *testing.T) {
	mock := &mockHTTPClient{response: jsonResponse(200, `{"jsonrpc":"2.0","id":1,"result":null}`)}
	client := NewRPCClientWithHTTP("http://localhost:8545", mock)

	receipt, err := client.TransactionReceipt(context.Background(), "0xtx1")
	if err != nil {
		t.Fatalf("TransactionReceipt failed: %v", err)
	}
	if receipt != nil {
		t.Errorf("pending transaction must yield nil receipt, got %+v", receipt)
	}
}

func TestListNotesEmptyResult(t *testing.T) {
	mock := &mockHTTPClient{response: jsonResponse(200, `{"jsonrpc":"2.0","id":1,"result":[]}`)}
	client := NewRPCClientWithHTTP("http://localhost:8545", mock)

	notes, err := client.ListNotes(context.Background(), "T-1")
	if err != nil {
		t.Fatalf("ListNotes failed: %v", err)
	}
	if notes == nil || len(notes) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", notes)
	}
}
