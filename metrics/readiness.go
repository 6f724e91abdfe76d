package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// ReadyServer serves the readiness probe. It reports 503 until SetReady is
// called, after which it reports 200.
type ReadyServer struct {
	ready atomic.Bool
}

func NewReadyServer() *ReadyServer {
	return &ReadyServer{}
}

// SetReady switches the probe to ready. The CLI calls it once the engine is
// constructed, just before starting its run loop.
func (rs *ReadyServer) SetReady() {
	rs.ready.Store(true)
}

type body struct {
	Ready bool `json:"ready"`
}

func (rs *ReadyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ready := rs.ready.Load()
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body{Ready: ready})
}
