// Package api provides the admin HTTP handlers: copy config management, the
// attempt log, the watchlist, whale positions and lane control.
//
// All monetary values use shopspring/decimal; request bodies may carry them
// as JSON strings or numbers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/copytrade"
	"github.com/atmx/whale-engine/internal/engine"
	"github.com/atmx/whale-engine/internal/model"
	"github.com/atmx/whale-engine/internal/notify"
	"github.com/atmx/whale-engine/internal/store"
)

// Lanes is the copy coordinator surface the API controls.
type Lanes interface {
	ResetLane(configID string) error
	ResetDaily(ctx context.Context) (int, error)
	CancelAll(ctx context.Context) error
	LaneStates() []copytrade.LaneState
}

// Monitor is the dispatch loop surface the API queries.
type Monitor interface {
	Positions(ctx context.Context) ([]model.WhalePosition, error)
	Watchlist(ctx context.Context) ([]string, error)
	Track(ctx context.Context, wallet string) (bool, error)
	Stats(ctx context.Context) (engine.Stats, error)
}

// Service handles admin API requests.
type Service struct {
	store   store.Store
	lanes   Lanes
	monitor Monitor
	events  *notify.Buffer // optional
	hub     *notify.Hub    // optional
	logger  *slog.Logger
}

// NewService creates the admin service. events and hub may be nil.
func NewService(st store.Store, lanes Lanes, monitor Monitor, events *notify.Buffer, hub *notify.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, lanes: lanes, monitor: monitor, events: events, hub: hub, logger: logger}
}

// Routes registers the handlers on r, which is expected to be mounted at
// /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/configs", s.ListConfigs)
	r.Post("/configs", s.CreateConfig)
	r.Get("/configs/{configID}", s.GetConfig)
	r.Put("/configs/{configID}", s.UpdateConfig)
	r.Delete("/configs/{configID}", s.DeleteConfig)
	r.Get("/configs/{configID}/attempts", s.ListAttempts)
	r.Get("/configs/{configID}/stats", s.GetStats)

	r.Get("/users/{userWallet}/attempts/open", s.ListOpenAttempts)
	r.Post("/attempts/{attemptID}/pnl", s.AttachPnl)

	r.Get("/watchlist", s.GetWatchlist)
	r.Post("/watchlist", s.AddWatch)
	r.Get("/positions", s.GetPositions)
	r.Get("/events", s.GetEvents)
	r.Get("/stats", s.GetEngineStats)

	r.Get("/lanes", s.GetLanes)
	r.Post("/lanes/{configID}/reset", s.ResetLane)
	r.Post("/admin/reset-daily", s.ResetDaily)
	r.Post("/admin/cancel-all", s.CancelAll)
}

// --- Request/Response types ---

// PnlRequest is the JSON body for POST /attempts/{attemptID}/pnl.
type PnlRequest struct {
	Pnl decimal.Decimal `json:"pnl"`
}

// WatchRequest is the JSON body for POST /watchlist.
type WatchRequest struct {
	Wallet string `json:"wallet"`
}

// WatchResponse reports whether the wallet was newly tracked.
type WatchResponse struct {
	Wallet string `json:"wallet"`
	Added  bool   `json:"added"`
}

// --- Copy configs ---

// ListConfigs handles GET /api/v1/configs?user=<wallet>
func (s *Service) ListConfigs(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, "user query parameter is required", http.StatusBadRequest)
		return
	}
	configs, err := s.store.ListConfigsByUser(r.Context(), model.NormalizeWallet(user))
	if err != nil {
		s.storeError(w, "failed to list configs", err)
		return
	}
	if configs == nil {
		configs = []model.CopyConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

// CreateConfig handles POST /api/v1/configs
func (s *Service) CreateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.CopyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if cfg.UserWallet == "" || cfg.TargetWallet == "" {
		writeError(w, "user_wallet and target_wallet are required", http.StatusBadRequest)
		return
	}
	if err := copytrade.ValidateConfig(cfg); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Counters start at zero regardless of the body.
	cfg.ID = ""
	cfg.TradesToday, cfg.TotalTrades = 0, 0
	cfg.TotalPnl = decimal.Zero
	cfg.LastTradeAt = nil

	if err := s.store.CreateConfig(r.Context(), &cfg); err != nil {
		s.storeError(w, "failed to create config", err)
		return
	}

	s.logger.Info("copy config created",
		"config_id", cfg.ID,
		"user", cfg.UserWallet,
		"target", cfg.TargetWallet,
		"sizing_mode", cfg.SizingMode,
	)
	writeJSON(w, http.StatusCreated, cfg)
}

// GetConfig handles GET /api/v1/configs/{configID}
func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfig(r.Context(), chi.URLParam(r, "configID"))
	if err != nil {
		s.storeError(w, "failed to load config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig handles PUT /api/v1/configs/{configID}
// Policy fields and the enabled flag are replaced; counters are kept. A lane
// disabled by a configuration error is re-enabled after a successful save.
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "configID")
	ctx := r.Context()

	current, err := s.store.GetConfig(ctx, id)
	if err != nil {
		s.storeError(w, "failed to load config", err)
		return
	}

	var cfg model.CopyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cfg.ID = id
	if cfg.UserWallet == "" {
		cfg.UserWallet = current.UserWallet
	}
	if cfg.TargetWallet == "" {
		cfg.TargetWallet = current.TargetWallet
	}
	if err := copytrade.ValidateConfig(cfg); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.SaveConfig(ctx, cfg); err != nil {
		s.storeError(w, "failed to save config", err)
		return
	}
	if err := s.lanes.ResetLane(id); err != nil && !errors.Is(err, copytrade.ErrLaneNotFound) {
		s.logger.Warn("lane reset after config update failed", "config_id", id, "err", err)
	}

	saved, err := s.store.GetConfig(ctx, id)
	if err != nil {
		s.storeError(w, "failed to load config", err)
		return
	}
	s.logger.Info("copy config updated", "config_id", id, "enabled", saved.Enabled)
	writeJSON(w, http.StatusOK, saved)
}

// DeleteConfig handles DELETE /api/v1/configs/{configID}
func (s *Service) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "configID")
	if err := s.store.DeleteConfig(r.Context(), id); err != nil {
		s.storeError(w, "failed to delete config", err)
		return
	}
	s.logger.Info("copy config deleted", "config_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Attempt log ---

// ListAttempts handles GET /api/v1/configs/{configID}/attempts?limit=<n>
func (s *Service) ListAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	attempts, err := s.store.ListAttempts(r.Context(), chi.URLParam(r, "configID"), limit)
	if err != nil {
		s.storeError(w, "failed to list attempts", err)
		return
	}
	if attempts == nil {
		attempts = []model.CopyAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// GetStats handles GET /api/v1/configs/{configID}/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "configID")
	ctx := r.Context()

	if _, err := s.store.GetConfig(ctx, id); err != nil {
		s.storeError(w, "failed to load config", err)
		return
	}
	stats, err := s.store.AttemptStats(ctx, id)
	if err != nil {
		s.storeError(w, "failed to load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListOpenAttempts handles GET /api/v1/users/{userWallet}/attempts/open
func (s *Service) ListOpenAttempts(w http.ResponseWriter, r *http.Request) {
	user := model.NormalizeWallet(chi.URLParam(r, "userWallet"))
	attempts, err := s.store.ListOpenAttempts(r.Context(), user)
	if err != nil {
		s.storeError(w, "failed to list open attempts", err)
		return
	}
	if attempts == nil {
		attempts = []model.CopyAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// AttachPnl handles POST /api/v1/attempts/{attemptID}/pnl
func (s *Service) AttachPnl(w http.ResponseWriter, r *http.Request) {
	var req PnlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "attemptID")
	attempt, err := s.store.AttachPnl(r.Context(), id, req.Pnl)
	if err != nil {
		s.storeError(w, "failed to attach pnl", err)
		return
	}
	s.logger.Info("copy pnl recorded", "attempt_id", id, "config_id", attempt.ConfigID, "pnl", req.Pnl.String())
	writeJSON(w, http.StatusOK, attempt)
}

// --- Watchlist and whale state ---

// GetWatchlist handles GET /api/v1/watchlist
// Persisted entries carry their source; wallets tracked only in memory (for
// example from TRACKED_WALLETS) are listed with an empty source.
func (s *Service) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	live, err := s.monitor.Watchlist(ctx)
	if err != nil {
		s.storeError(w, "failed to load watchlist", err)
		return
	}
	persisted, err := s.store.ListTrackedWallets(ctx)
	if err != nil {
		s.storeError(w, "failed to load watchlist", err)
		return
	}

	byWallet := make(map[string]model.TrackedWallet, len(persisted))
	for _, tw := range persisted {
		byWallet[tw.Wallet] = tw
	}
	out := make([]model.TrackedWallet, 0, len(live))
	for _, wallet := range live {
		if tw, ok := byWallet[wallet]; ok {
			out = append(out, tw)
			continue
		}
		out = append(out, model.TrackedWallet{Wallet: wallet})
	}
	writeJSON(w, http.StatusOK, out)
}

// AddWatch handles POST /api/v1/watchlist
func (s *Service) AddWatch(w http.ResponseWriter, r *http.Request) {
	var req WatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	wallet := model.NormalizeWallet(req.Wallet)
	if wallet == "" {
		writeError(w, "wallet is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	added, err := s.monitor.Track(ctx, wallet)
	if err != nil {
		s.storeError(w, "failed to track wallet", err)
		return
	}
	if _, err := s.store.AddTrackedWallet(ctx, wallet, store.SourceAPI); err != nil {
		s.storeError(w, "failed to persist wallet", err)
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
		s.logger.Info("wallet tracked", "wallet", wallet, "source", store.SourceAPI)
	}
	writeJSON(w, status, WatchResponse{Wallet: wallet, Added: added})
}

// GetPositions handles GET /api/v1/positions?wallet=<wallet>
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.monitor.Positions(r.Context())
	if err != nil {
		s.storeError(w, "failed to load positions", err)
		return
	}

	out := []model.WhalePosition{}
	wallet := model.NormalizeWallet(r.URL.Query().Get("wallet"))
	for _, p := range positions {
		if wallet == "" || p.Wallet == wallet {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetEvents handles GET /api/v1/events?type=<kind>
// Returns recent notifications, oldest first.
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	out := []notify.Record{}
	if s.events != nil {
		kind := r.URL.Query().Get("type")
		for _, rec := range s.events.Records() {
			if kind == "" || rec.Type == kind {
				out = append(out, rec)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetEngineStats handles GET /api/v1/stats
func (s *Service) GetEngineStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.monitor.Stats(r.Context())
	if err != nil {
		s.storeError(w, "failed to load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Lane control ---

// GetLanes handles GET /api/v1/lanes
func (s *Service) GetLanes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lanes.LaneStates())
}

// ResetLane handles POST /api/v1/lanes/{configID}/reset
func (s *Service) ResetLane(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "configID")
	if err := s.lanes.ResetLane(id); err != nil {
		if errors.Is(err, copytrade.ErrLaneNotFound) {
			writeError(w, "lane not found", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"config_id": id, "status": "enabled"})
}

// ResetDaily handles POST /api/v1/admin/reset-daily
// This is the external day-boundary signal.
func (s *Service) ResetDaily(w http.ResponseWriter, r *http.Request) {
	n, err := s.lanes.ResetDaily(r.Context())
	if err != nil {
		s.storeError(w, "failed to reset daily counters", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// CancelAll handles POST /api/v1/admin/cancel-all
func (s *Service) CancelAll(w http.ResponseWriter, r *http.Request) {
	if err := s.lanes.CancelAll(r.Context()); err != nil {
		s.logger.Error("cancel all failed", "err", err)
		writeError(w, "cancel all failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	s.logger.Warn("all open copy orders cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// storeError maps domain errors to HTTP statuses.
func (s *Service) storeError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrSelfCopy), errors.Is(err, copytrade.ErrInvalidConfig):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrDuplicateConfig), errors.Is(err, store.ErrAttemptNotOpen):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrNotRunning):
		writeError(w, "engine is not running", http.StatusServiceUnavailable)
	default:
		s.logger.Error(message, "err", err)
		writeError(w, message, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
