package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chainfunnel/internal/application"
	"chainfunnel/internal/config"
	"chainfunnel/internal/domain"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBlockSpan = 1000

type FeedStore interface {
	ChainDataRange(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) ([]domain.ChainData, error)
	LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error)
	Ping(ctx context.Context) error
}

// Rewinder moves the poller back so blocks from fromBlock on are fetched and
// published again.
type Rewinder interface {
	Rewind(ctx context.Context, chainID uint64, fromBlock uint64) error
}

type RPCStatus interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

type ContractInfo interface {
	Fee(ctx context.Context) (string, error)
	Owner(ctx context.Context) (string, error)
}

type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

type Server struct {
	cfg       config.Config
	chainID   uint64
	store     FeedStore
	scheduled application.ScheduledDataStore
	rewinder  Rewinder
	rpc       RPCStatus
	contract  ContractInfo
	metrics   *Metrics
	buildInfo BuildInfo
}

type Options struct {
	ChainID   uint64
	Store     FeedStore
	Scheduled application.ScheduledDataStore
	Rewinder  Rewinder
	RPC       RPCStatus
	Contract  ContractInfo
	Metrics   *Metrics
	BuildInfo BuildInfo
}

func NewServer(cfg config.Config, opts Options) (*Server, error) {
	if opts.Store == nil || opts.RPC == nil {
		return nil, errors.New("http server dependencies must not be nil")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	return &Server{
		cfg:       cfg,
		chainID:   opts.ChainID,
		store:     opts.Store,
		scheduled: opts.Scheduled,
		rewinder:  opts.Rewinder,
		rpc:       opts.RPC,
		contract:  opts.Contract,
		metrics:   opts.Metrics,
		buildInfo: opts.BuildInfo,
	}, nil
}

func (s *Server) MetricsObserver() *Metrics {
	return s.metrics
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "/healthz", s.handleHealth)
	s.handle(mux, "/readyz", s.handleReady)
	s.handle(mux, "/blocks", s.handleBlocks)
	s.handle(mux, "/state", s.handleState)
	s.handle(mux, "/contract", s.handleContract)
	s.handle(mux, "/version", s.handleVersion)
	s.handle(mux, "/reindex", s.handleReindex)
	s.handle(mux, "/scheduled", s.handleScheduled)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handle(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.observeRequest(path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db not ready")
		return
	}
	if pinger, ok := s.scheduled.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "scheduled store not ready")
			return
		}
	}
	if _, err := s.rpc.LatestBlockNumber(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "rpc not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	from, err := parseUintQuery(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	to := from
	if r.URL.Query().Get("to") != "" {
		if to, err = parseUintQuery(r, "to"); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if to < from {
		respondError(w, http.StatusBadRequest, "to must not be below from")
		return
	}
	if to-from >= maxBlockSpan {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("range exceeds %d blocks", maxBlockSpan))
		return
	}

	blocks, err := s.store.ChainDataRange(r.Context(), s.chainID, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if blocks == nil {
		blocks = []domain.ChainData{}
	}
	respondJSON(w, http.StatusOK, blocks)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	last, ok, err := s.store.LastProcessedBlock(r.Context(), s.chainID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "state read failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"chain_id":             s.chainID,
		"last_processed_block": last,
		"has_state":            ok,
		"config": map[string]any{
			"contract_address": s.cfg.ContractAddress,
			"deployment":       s.cfg.Deployment,
			"feed_store":       s.cfg.FeedStore,
			"scheduled_store":  s.cfg.ScheduledStore,
			"start_block":      s.cfg.StartBlock,
			"confirmations":    s.cfg.Confirmations,
			"batch_size":       s.cfg.BatchSize,
			"poll_interval":    s.cfg.PollInterval.String(),
			"block_timeout":    s.cfg.BlockTimeout.String(),
		},
	})
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	if s.contract == nil {
		respondError(w, http.StatusNotImplemented, "contract reads not configured")
		return
	}
	fee, err := application.Retry(r.Context(), s.contract.Fee, s.cfg.RetryWait, s.cfg.RetryTries)
	if err != nil {
		respondError(w, http.StatusBadGateway, "fee read failed")
		return
	}
	owner, err := application.Retry(r.Context(), s.contract.Owner, s.cfg.RetryWait, s.cfg.RetryTries)
	if err != nil {
		respondError(w, http.StatusBadGateway, "owner read failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"address": s.cfg.ContractAddress,
		"fee":     fee,
		"owner":   owner,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.buildInfo)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if s.rewinder == nil {
		respondError(w, http.StatusNotImplemented, "reindex not configured")
		return
	}
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		FromBlock *uint64 `json:"from_block"`
	}
	if raw := r.URL.Query().Get("from_block"); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from_block")
			return
		}
		req.FromBlock = &value
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "from_block is required")
		return
	}
	if req.FromBlock == nil {
		respondError(w, http.StatusBadRequest, "from_block is required")
		return
	}

	if err := s.rewinder.Rewind(r.Context(), s.chainID, *req.FromBlock); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to rewind feed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"from_block": *req.FromBlock,
	})
}

func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	if s.scheduled == nil {
		respondError(w, http.StatusNotImplemented, "scheduled store not configured")
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		BlockHeight *uint64 `json:"block_height"`
		InputData   string  `json:"input_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BlockHeight == nil || req.InputData == "" {
		respondError(w, http.StatusBadRequest, "block_height and input_data are required")
		return
	}

	var err error
	if r.Method == http.MethodPost {
		err = s.scheduled.CreateScheduledData(r.Context(), *req.BlockHeight, req.InputData)
	} else {
		err = s.scheduled.DeleteScheduledData(r.Context(), *req.BlockHeight, req.InputData)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "scheduled store write failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"block_height": *req.BlockHeight,
	})
}

func parseUintQuery(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return value, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
