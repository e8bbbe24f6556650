// Package api serves a read-mostly HTTP view of the connector: connection
// state, per-symbol books, subscriptions and prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"spot-connect/internal/core"
)

const maxDepthLimit = 5000

// Connector is the part of *connector.Connector the server needs.
type Connector interface {
	SessionID() string
	ConnectionState() core.ConnectionState
	Symbols() []core.Symbol
	SyncStatus() map[core.Symbol]bool
	BestBidAsk(symbol core.Symbol) (bid, ask core.PriceLevel, err error)
	Depth(symbol core.Symbol, limit int) (core.OrderBookSnapshot, error)
	Subscribe(raw string) error
	Unsubscribe(raw string) error
}

type Server struct {
	conn    Connector
	router  *mux.Router
	logger  *zap.Logger
	metrics http.Handler
}

// NewServer builds the routes. metricsHandler may be nil.
func NewServer(conn Connector, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		conn:    conn,
		router:  mux.NewRouter(),
		logger:  logger.Named("api"),
		metrics: metricsHandler,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	books := s.router.PathPrefix("/book").Subrouter()
	books.HandleFunc("/{symbol}", s.handleDepth).Methods(http.MethodGet)
	books.HandleFunc("/{symbol}/top", s.handleTop).Methods(http.MethodGet)

	subs := s.router.PathPrefix("/subscriptions").Subrouter()
	subs.HandleFunc("/{symbol}", s.handleSubscribe).Methods(http.MethodPut)
	subs.HandleFunc("/{symbol}", s.handleUnsubscribe).Methods(http.MethodDelete)
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type stateResponse struct {
	Session string          `json:"session"`
	State   string          `json:"state"`
	Symbols []symbolSummary `json:"symbols"`
}

type symbolSummary struct {
	Symbol string `json:"symbol"`
	Synced bool   `json:"synced"`
}

type levelJSON struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

type depthResponse struct {
	Symbol       string      `json:"symbol"`
	LastUpdateID uint64      `json:"last_update_id"`
	Bids         []levelJSON `json:"bids"`
	Asks         []levelJSON `json:"asks"`
}

type topResponse struct {
	Symbol string     `json:"symbol"`
	Bid    *levelJSON `json:"bid"`
	Ask    *levelJSON `json:"ask"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.conn.ConnectionState()
	status := http.StatusOK
	if state != core.Live {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, map[string]string{"state": state.String()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	status := s.conn.SyncStatus()
	resp := stateResponse{
		Session: s.conn.SessionID(),
		State:   s.conn.ConnectionState().String(),
		Symbols: make([]symbolSummary, 0, len(status)),
	}
	for _, sym := range s.conn.Symbols() {
		resp.Symbols = append(resp.Symbols, symbolSummary{Symbol: sym.String(), Synced: status[sym]})
	}
	sort.Slice(resp.Symbols, func(i, j int) bool { return resp.Symbols[i].Symbol < resp.Symbols[j].Symbol })
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	sym, ok := s.symbolVar(w, r)
	if !ok {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDepthLimit {
			s.respondError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 5000"))
			return
		}
		limit = n
	}
	snap, err := s.conn.Depth(sym, limit)
	if err != nil {
		s.respondBookError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, depthResponse{
		Symbol:       snap.Symbol.String(),
		LastUpdateID: snap.LastUpdateID,
		Bids:         toLevels(snap.Bids),
		Asks:         toLevels(snap.Asks),
	})
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	sym, ok := s.symbolVar(w, r)
	if !ok {
		return
	}
	bid, ask, err := s.conn.BestBidAsk(sym)
	if err != nil {
		s.respondBookError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, topResponse{Symbol: sym.String(), Bid: toLevel(bid), Ask: toLevel(ask)})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.Subscribe(mux.Vars(r)["symbol"]); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.Unsubscribe(mux.Vars(r)["symbol"]); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) symbolVar(w http.ResponseWriter, r *http.Request) (core.Symbol, bool) {
	sym, err := core.ParseSymbol(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return "", false
	}
	return sym, true
}

func (s *Server) respondBookError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrNotSynced) {
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.respondError(w, http.StatusInternalServerError, err)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("api_write_failed", zap.Error(err))
	}
}

func toLevels(levels []core.PriceLevel) []levelJSON {
	out := make([]levelJSON, 0, len(levels))
	for _, l := range levels {
		out = append(out, levelJSON{Price: l.Price.String(), Qty: l.Qty.String()})
	}
	return out
}

// toLevel maps an empty book side to null.
func toLevel(l core.PriceLevel) *levelJSON {
	if l.IsZero() {
		return nil
	}
	return &levelJSON{Price: l.Price.String(), Qty: l.Qty.String()}
}
