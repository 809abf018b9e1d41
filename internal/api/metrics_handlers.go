package api

import (
	"net/http"

	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/smtppool"
)

// handlePoolMetrics exposes per-account connection pool counters. The
// API process only holds pools when it shares a runtime with the
// workers; a standalone API responds with an empty list.
func (s *Server) handlePoolMetrics(w http.ResponseWriter, r *http.Request) {
	var metrics []smtppool.Metrics
	if s.pools != nil {
		metrics = s.pools.Snapshot()
	}
	if metrics == nil {
		metrics = []smtppool.Metrics{}
	}
	httputil.OK(w, map[string]any{"pools": metrics})
}
