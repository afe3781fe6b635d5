package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nus-vv-streams/vvtk-sub001/internal/cache"
	"github.com/nus-vv-streams/vvtk-sub001/internal/emitter"
	"github.com/nus-vv-streams/vvtk-sub001/internal/playback"
	"github.com/nus-vv-streams/vvtk-sub001/internal/scheduler"
)

// ThroughputStats describes the bandwidth estimate the ABR policy sees
type ThroughputStats struct {
	Predictor    string  `json:"predictor"`
	PredictedBps float64 `json:"predicted_bps"`
	Valid        bool    `json:"valid"`
}

// LinkStats describes the fetch chain
type LinkStats struct {
	Retries       uint64  `json:"retries"`
	BytesFetched  int64   `json:"bytes_fetched"`
	ShapedRateBps float64 `json:"shaped_rate_bps,omitempty"`
	TraceSamples  uint64  `json:"trace_samples,omitempty"`
}

// ViewportStats describes the pose predictor
type ViewportStats struct {
	Predictor string `json:"predictor"`
	HasPose   bool   `json:"has_pose"`
}

// Stats represents the state of one engine session
type Stats struct {
	SessionID     string          `json:"session_id"`
	Status        string          `json:"status"` // "healthy", "degraded", "stopped"
	UptimeSeconds int64           `json:"uptime_seconds"`
	Throughput    ThroughputStats `json:"throughput"`
	Viewport      ViewportStats   `json:"viewport"`
	Link          LinkStats       `json:"link"`
	Scheduler     scheduler.Stats `json:"scheduler"`
	Cache         cache.Stats     `json:"cache"`
	Playback      playback.Stats  `json:"playback"`
	MQTT          *emitter.Stats  `json:"mqtt,omitempty"`
}

// Stats returns a snapshot of every component
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	running := e.isRunning
	started := e.started
	e.mu.RUnlock()

	predicted, valid := e.throughput.Predict()
	_, hasPose := e.viewport.Predict()

	st := Stats{
		SessionID: e.cfg.SessionID,
		Throughput: ThroughputStats{
			Predictor:    e.cfg.Throughput.Predictor,
			PredictedBps: predicted,
			Valid:        valid,
		},
		Viewport: ViewportStats{
			Predictor: e.cfg.Viewport.Predictor,
			HasPose:   hasPose,
		},
		Link: LinkStats{
			Retries:      e.retrying.Retries(),
			BytesFetched: e.meter.TotalBytes(),
		},
		Scheduler: e.scheduler.Stats(),
		Cache:     e.cache.Stats(),
		Playback:  e.player.Stats(),
	}
	if e.shaper != nil {
		st.Link.ShapedRateBps = e.shaper.Rate()
		st.Link.TraceSamples = e.replay.Samples()
	}
	if e.publisher != nil {
		ps := e.publisher.Stats()
		st.MQTT = &ps
	}
	if running {
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	// Determine overall health status
	switch {
	case !running:
		st.Status = "stopped"
	case st.Playback.Stalling || (st.MQTT != nil && !st.MQTT.Connected):
		st.Status = "degraded"
	default:
		st.Status = "healthy"
	}
	return st
}

// LivenessHandler handles /health (simple liveness check)
func (e *Engine) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// StatsHandler handles /stats. Returns 503 when the engine is not running.
func (e *Engine) StatsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	st := e.Stats()

	statusCode := http.StatusOK
	if st.Status == "stopped" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(st)
}

// Handler returns the HTTP mux serving /health and /stats
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", e.LivenessHandler)
	mux.HandleFunc("/stats", e.StatsHandler)
	return mux
}

// StartStatsServer starts the HTTP stats server on addr.
// This runs in a separate goroutine and does not block; Shutdown stops it.
func (e *Engine) StartStatsServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      e.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	e.mu.Lock()
	e.server = server
	e.mu.Unlock()

	slog.Info("starting stats server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/stats"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("stats server failed", "error", err)
		}
	}()

	return nil
}
