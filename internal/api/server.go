// Package api is the thin HTTP control surface. It validates, freezes
// run state and flips CAS-guarded status transitions; all trading and
// stopping work happens in the worker.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/risk"
	"gridbot/internal/store"
	apperrors "gridbot/pkg/errors"
)

// Deps bundles what the HTTP layer needs from the rest of the process.
type Deps struct {
	Store   store.Store
	Factory *exchange.Factory
	Cipher  *config.Cipher // nil when no encryption key is configured
	Clock   core.Clock
	Logger  core.ILogger

	// OnAccountDeleted evicts the worker's cached adapter for the account.
	// Optional; nil when the worker runs in another process.
	OnAccountDeleted func(accountID string)

	// Live is the WebSocket status stream, mounted at /api/v1/live when set.
	Live http.Handler
}

// Server routes bot, account and kill-switch commands.
type Server struct {
	store      store.Store
	factory    *exchange.Factory
	cipher     *config.Cipher
	clock      core.Clock
	logger     core.ILogger
	autoClose  *risk.AutoCloseService
	killSwitch *risk.KillSwitchService
	onAcctDel  func(string)

	router *mux.Router
}

func NewServer(deps Deps) *Server {
	s := &Server{
		store:      deps.Store,
		factory:    deps.Factory,
		cipher:     deps.Cipher,
		clock:      deps.Clock,
		logger:     deps.Logger.WithField("component", "api"),
		autoClose:  risk.NewAutoCloseService(deps.Store, deps.Clock, deps.Logger),
		killSwitch: risk.NewKillSwitchService(deps.Store, deps.Clock, deps.Logger),
		onAcctDel:  deps.OnAccountDeleted,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/kill-switch", s.handleEnableKillSwitch).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/kill-switch", s.handleDisableKillSwitch).Methods(http.MethodDelete)

	v1.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", s.handleDeleteAccount).Methods(http.MethodDelete)

	v1.HandleFunc("/bots", s.handleCreateBot).Methods(http.MethodPost)
	v1.HandleFunc("/bots/{id}", s.handleGetBot).Methods(http.MethodGet)
	v1.HandleFunc("/bots/{id}", s.handleDeleteBot).Methods(http.MethodDelete)
	v1.HandleFunc("/bots/{id}/start", s.handleStartBot).Methods(http.MethodPost)
	v1.HandleFunc("/bots/{id}/pause", s.handlePauseBot).Methods(http.MethodPost)
	v1.HandleFunc("/bots/{id}/resume", s.handleResumeBot).Methods(http.MethodPost)
	v1.HandleFunc("/bots/{id}/stop", s.handleStopBot).Methods(http.MethodPost)
	v1.HandleFunc("/bots/{id}/risk-check", s.handleRiskCheck).Methods(http.MethodPost)
	v1.HandleFunc("/bots/{id}/orders", s.handleListOrders).Methods(http.MethodGet)
	v1.HandleFunc("/bots/{id}/trades", s.handleListTrades).Methods(http.MethodGet)

	if deps.Live != nil {
		v1.Handle("/live", deps.Live).Methods(http.MethodGet)
	}

	r.Use(s.logRequests)
	s.router = r
	return s
}

// Handler returns the root handler for mounting into an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path)
	})
}

// -- response plumbing --

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: msg}})
}

// writeError maps domain errors onto the HTTP status space.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve config.ValidationError
	if errors.As(err, &ve) {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ve.Error())
		return
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	if errors.Is(err, apperrors.ErrStateConflict) ||
		errors.Is(err, apperrors.ErrCASFailed) ||
		errors.Is(err, apperrors.ErrConcurrentModification) {
		writeErrorCode(w, http.StatusConflict, "STATE_CONFLICT", err.Error())
		return
	}
	if ee, ok := apperrors.AsExchangeError(err); ok {
		switch {
		case apperrors.IsExchangeUnavailable(err):
			writeErrorCode(w, http.StatusServiceUnavailable, string(ee.Code), ee.Message)
		case ee.Code == apperrors.CodeAuth:
			writeErrorCode(w, http.StatusUnauthorized, string(ee.Code), ee.Message)
		default:
			writeErrorCode(w, http.StatusInternalServerError, string(ee.Code), ee.Message)
		}
		return
	}
	s.logger.Error("internal error", "error", err.Error())
	writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
