package router

import (
	"context"
	"sync"
)

// failoverChain is the fixed backend failover order for the
// OpenAI-compatible compute resellers: a request addressed to "together"
// that fails falls through to "cerebras", then to "huggingface". Each link
// is tried once.
var failoverChain = map[string]string{
	"together": "cerebras",
	"cerebras": "huggingface",
}

// FailoverTable translates a logical_model_id into the substitute native
// model id to request on a fallback backend, since the three resellers
// rarely share identical model slugs for the same underlying weights
// (e.g. "meta-llama/Llama-3.3-70B-Instruct-Turbo" on Together vs.
// "llama-3.3-70b" on Cerebras).
type FailoverTable struct {
	mu    sync.RWMutex
	table map[string]map[string]string // backend -> logical_model_id -> native id
}

// NewFailoverTable creates an empty translation table.
func NewFailoverTable() *FailoverTable {
	return &FailoverTable{table: make(map[string]map[string]string)}
}

// Set registers the native model id to use on backend for a logical model.
func (f *FailoverTable) Set(backend, logicalModelID, nativeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.table[backend] == nil {
		f.table[backend] = make(map[string]string)
	}
	f.table[backend][logicalModelID] = nativeID
}

// Translate returns the native model id to use on backend for a logical
// model, falling back to the logical id unchanged if no mapping exists.
func (f *FailoverTable) Translate(backend, logicalModelID string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if native, ok := f.table[backend][logicalModelID]; ok {
		return native
	}
	return logicalModelID
}

// NextBackend returns the next backend in the fixed failover chain, or ""
// if backend is not a chain member or is the chain's last link.
func NextBackend(backend string) string {
	return failoverChain[backend]
}

// SetFailoverTable attaches the translation table used when a request to a
// chain member (together/cerebras/huggingface) fails and the engine tries
// the next link.
func (e *Engine) SetFailoverTable(t *FailoverTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failover = t
}

// tryFailoverChain walks the fixed backend chain starting after fromBackend,
// translating the logical model id at each hop, until one dispatch succeeds
// or the chain is exhausted. Returns ok=false if no chain member could serve
// the request (no adapter registered, or every hop failed).
func (e *Engine) tryFailoverChain(ctx context.Context, fromBackend, logicalModelID string, req Request) (resp ProviderResponse, providerID, modelID string, ok bool) {
	if e.failover == nil {
		return nil, "", "", false
	}
	backend := NextBackend(fromBackend)
	for backend != "" {
		adapter, hasAdapter := e.adapters[backend]
		if hasAdapter {
			nativeID := e.failover.Translate(backend, logicalModelID)
			r, err := e.dispatch(ctx, adapter, backend, nativeID, req)
			if err == nil {
				return r, backend, nativeID, true
			}
		}
		backend = NextBackend(backend)
	}
	return nil, "", "", false
}
