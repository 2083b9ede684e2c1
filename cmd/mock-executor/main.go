// mock-executor is a stand-in for the call placement service used in local
// runs and demos. It answers POST /v1/calls with configurable outcome ratios
// so campaign dispatch, retry and breaker behavior can be exercised without
// real telephony.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"callblast/internal/config"
	"callblast/internal/logging"
)

type placeRequest struct {
	Destination string `json:"destination"`
	CallerID    string `json:"callerId"`
	CampaignID  string `json:"campaignId"`
	RecipientID string `json:"recipientId"`
}

type placeResponse struct {
	ResultRef string `json:"resultRef"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

type server struct {
	cfg   config.MockExecutorConfig
	seq   uint64
	rng   *rand.Rand
	rngMu sync.Mutex
}

func main() {
	_ = godotenv.Load()

	cfg := config.LoadMockExecutor()
	logging.Init("mock-executor", cfg.LogFormat)

	s := &server{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/calls", s.handlePlace).Methods(http.MethodPost)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	slog.Info("mock executor listening", "port", cfg.Port,
		"success_rate", cfg.SuccessRate, "busy_rate", cfg.BusyRate, "invalid_rate", cfg.InvalidRate)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock executor server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Destination == "" || req.CallerID == "" {
		http.Error(w, "missing destination or callerId", http.StatusBadRequest)
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	ref := fmt.Sprintf("call_%06d", atomic.AddUint64(&s.seq, 1))
	status, msg := s.nextOutcome()
	slog.Info("call placed", "result_ref", ref, "destination", req.Destination,
		"campaign_id", req.CampaignID, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(placeResponse{ResultRef: ref, Status: status, Message: msg})
}

func (s *server) nextOutcome() (string, string) {
	s.rngMu.Lock()
	r := s.rng.Float64()
	s.rngMu.Unlock()

	switch {
	case r < s.cfg.SuccessRate:
		return "completed", ""
	case r < s.cfg.SuccessRate+s.cfg.BusyRate:
		return "busy", "destination busy"
	case r < s.cfg.SuccessRate+s.cfg.BusyRate+s.cfg.InvalidRate:
		return "invalid", "destination not routable"
	default:
		return "no-answer", "no answer before timeout"
	}
}
