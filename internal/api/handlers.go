package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"execstack/internal/domain"
	"execstack/internal/engine"
)

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/orders/{level}", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{level}/{id}", s.handleGetOrder)
	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/locks", s.handleLocks)
	mux.HandleFunc("PUT /api/locks/{instrument}", s.handleLock)
	mux.HandleFunc("DELETE /api/locks/{instrument}", s.handleUnlock)
	mux.HandleFunc("GET /api/limits", s.handleLimits)
	mux.HandleFunc("POST /api/cancel-all", s.handleCancelAll)
	mux.HandleFunc("POST /api/end-of-day", s.handleEndOfDay)
	mux.HandleFunc("POST /api/balance", s.handleBalance)
	mux.HandleFunc("POST /api/balance/instrument", s.handleBalance)
	mux.HandleFunc("POST /api/checks", s.handleChecks)
	mux.HandleFunc("GET /ws/controls", s.handleControlEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	level, err := domain.ParseLevel(r.PathValue("level"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	orders, err := s.engine.ListOrders(r.Context(), level)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"level": level, "orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	level, err := domain.ParseLevel(r.PathValue("level"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := s.engine.Stacks().ForLevel(level).Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, o)
}

// submitRequest is the body of POST /api/orders.
type submitRequest struct {
	Strategy       string   `json:"strategy"`
	Instrument     string   `json:"instrument"`
	Trade          int64    `json:"trade"`
	OrderType      string   `json:"order_type"`
	ReferencePrice *float64 `json:"reference_price"`
	LimitPrice     *float64 `json:"limit_price"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Strategy == "" || req.Instrument == "" {
		writeError(w, http.StatusBadRequest, "strategy and instrument are required")
		return
	}
	o := &domain.Order{
		Strategy:       req.Strategy,
		Instrument:     strings.ToUpper(req.Instrument),
		Trade:          req.Trade,
		OrderType:      domain.OrderType(req.OrderType),
		ReferencePrice: req.ReferencePrice,
		LimitPrice:     req.LimitPrice,
	}
	id, err := s.engine.SubmitInstrumentOrder(r.Context(), o)
	switch {
	case errors.Is(err, domain.ErrZeroTrade):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]int64{"id": id})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	ps := s.engine.Positions()
	if ps == nil {
		writeJSON(w, map[string]any{"contract": []domain.Position{}, "strategy": []domain.Position{}})
		return
	}
	contracts, err := ps.ListContractPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	strategies, err := ps.ListStrategyPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"contract": contracts, "strategy": strategies})
}

func (s *Server) handleLocks(w http.ResponseWriter, _ *http.Request) {
	locked := s.controls.LockedInstruments()
	if locked == nil {
		locked = []string{}
	}
	writeJSON(w, map[string]any{"locked": locked})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	inst := strings.ToUpper(r.PathValue("instrument"))
	s.controls.LockInstrument(inst)
	s.log.Info("instrument locked by operator", "instrument", inst)
	writeJSON(w, map[string]any{"instrument": inst, "locked": true})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	inst := strings.ToUpper(r.PathValue("instrument"))
	s.controls.UnlockInstrument(inst)
	s.log.Info("instrument unlocked by operator", "instrument", inst)
	writeJSON(w, map[string]any{"instrument": inst, "locked": false})
}

func (s *Server) handleLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"limits": s.controls.Limits()})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CancelAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleEndOfDay(w http.ResponseWriter, r *http.Request) {
	res, err := s.endOfDay(r.Context())
	switch {
	case errors.Is(err, ErrTeardownRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	var bt engine.BalanceTrade
	if err := json.NewDecoder(r.Body).Decode(&bt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	bt.Instrument = strings.ToUpper(bt.Instrument)

	create := s.engine.CreateBalanceTrade
	if strings.HasSuffix(r.URL.Path, "/instrument") {
		create = s.engine.CreateBalanceInstrumentTrade
	}
	res, err := create(r.Context(), bt)
	switch {
	case errors.Is(err, engine.ErrInvalidBalanceTrade):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("balance trade entered by operator", "strategy", bt.Strategy, "instrument", bt.Instrument, "fill", bt.Fill)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

func (s *Server) handleChecks(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.RunChecks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, rep)
}
