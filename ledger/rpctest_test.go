package ledger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeNode is an in-process ledger node speaking just enough JSON-RPC for the
// pool, reader, and submitter tests. Handlers are keyed by method name; a
// missing handler answers with a method-not-found error object.
type fakeNode struct {
	srv      *httptest.Server
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(params json.RawMessage) (interface{}, *RPCError)
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	node := &fakeNode{
		calls:    make(map[string]int),
		handlers: make(map[string]func(json.RawMessage) (interface{}, *RPCError)),
	}
	node.srv = httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(node.srv.Close)
	return node
}

func (n *fakeNode) URL() string { return n.srv.URL }

func (n *fakeNode) handle(method string, fn func(json.RawMessage) (interface{}, *RPCError)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = fn
}

func (n *fakeNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     int64           `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls[req.Method]++
	handler, ok := n.handlers[req.Method]
	n.mu.Unlock()

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = &RPCError{Code: -32601, Message: "method not found"}
	} else if result, rpcErr := handler(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleLatestBlock wires a fixed block reference, the minimum every submit
// path needs.
func (n *fakeNode) handleLatestBlock(hash string, height uint64) {
	n.handle("ledger_latestBlock", func(json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"hash": hash, "height": height, "validUntil": height + 150}, nil
	})
}

const testBlockHash = "0x4e9a2b4b7c4a5d7e8f90123456789abcdef0123456789abcdef0123456789abc"

func newTestPool(t *testing.T, nodes ...*fakeNode) *Pool {
	t.Helper()
	endpoints := make([]string, 0, len(nodes))
	for _, n := range nodes {
		endpoints = append(endpoints, n.URL())
	}
	return NewPool(endpoints, WithRateLimit(1000, 1000))
}
