package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"echobin/svc/util"

	"golang.org/x/sync/errgroup"
)

const probeTimeout = 500 * time.Millisecond

type HealthResponse struct {
	Status string `json:"status"`
}
type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready fails when the store is down. A Redis outage only degrades: rate
// limiting falls back to local buckets and file reads to the store.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Database: "up", Cache: "unavailable"}
	var g errgroup.Group
	g.Go(func() error {
		if err := probe(r.Context(), s.store.Ping); err != nil {
			util.Error().Err(err).Msg("database probe failed")
			resp.Database = "down"
		}
		return nil
	})
	if s.rdb != nil {
		g.Go(func() error {
			resp.Cache = "up"
			if err := probe(r.Context(), s.rdb.Ping); err != nil {
				util.Warn().Err(err).Msg("cache probe failed")
				resp.Cache = "down"
			}
			return nil
		})
	}
	g.Wait()
	resp.Ready = resp.Database == "up"
	resp.Degraded = resp.Cache == "down"
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
func probe(ctx context.Context, ping func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return ping(ctx)
}
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
