package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/preview"
	"gridbot/internal/store"
)

type createBotRequest struct {
	UserID            string          `json:"userId"`
	ExchangeAccountID string          `json:"exchangeAccountId"`
	Symbol            string          `json:"symbol"`
	Config            json.RawMessage `json:"config"`
}

type botResponse struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	ExchangeAccountID string     `json:"exchangeAccountId"`
	Symbol            string     `json:"symbol"`
	Status            string     `json:"status"`
	StatusVersion     int64      `json:"statusVersion"`
	RunID             string     `json:"runId,omitempty"`
	ReferencePrice    string     `json:"referencePrice,omitempty"`
	AutoCloseReason   string     `json:"autoCloseReason,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	AutoCloseAt       *time.Time `json:"autoCloseTriggeredAt,omitempty"`
}

func toBotResponse(b *core.Bot) botResponse {
	resp := botResponse{
		ID:                b.ID,
		UserID:            b.UserID,
		ExchangeAccountID: b.ExchangeAccountID,
		Symbol:            b.Symbol,
		Status:            string(b.Status),
		StatusVersion:     b.StatusVersion,
		RunID:             b.RunID,
		AutoCloseReason:   b.AutoCloseReason,
		LastError:         b.LastError,
		CreatedAt:         b.CreatedAt,
		AutoCloseAt:       b.AutoCloseTriggeredAt,
	}
	if b.HasReferencePrice {
		resp.ReferencePrice = b.AutoCloseReferencePrice.String()
	}
	return resp
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.UserID == "" || req.ExchangeAccountID == "" || req.Symbol == "" {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"userId, exchangeAccountId and symbol are required")
		return
	}
	if _, _, err := core.SplitSymbol(req.Symbol); err != nil {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	cfg, err := config.ParseBotConfig(string(req.Config))
	if err != nil {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	account, err := s.store.GetAccount(r.Context(), req.ExchangeAccountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if account.UserID != req.UserID {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"exchange account belongs to a different user")
		return
	}

	bot := &core.Bot{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		ExchangeAccountID: req.ExchangeAccountID,
		Symbol:            req.Symbol,
		ConfigJSON:        string(req.Config),
		Status:            core.StatusDraft,
		StatusVersion:     1,
		CreatedAt:         s.clock.Now(),
	}
	if err := s.store.CreateBot(r.Context(), bot); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBotResponse(bot))
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.store.GetBot(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBotResponse(bot))
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.store.GetBot(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch bot.Status {
	case core.StatusDraft, core.StatusStopped, core.StatusError:
	default:
		writeErrorCode(w, http.StatusConflict, "INVALID_STATE_FOR_DELETE",
			fmt.Sprintf("bot in status %s cannot be deleted", bot.Status))
		return
	}
	if err := s.store.DeleteBot(r.Context(), bot.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartBot validates the config against the live market, freezes the
// reference price for the run and moves DRAFT to WAITING_TRIGGER.
func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.store.GetBot(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if bot.Status != core.StatusDraft {
		writeErrorCode(w, http.StatusConflict, "STATE_CONFLICT",
			fmt.Sprintf("bot must be DRAFT to start, is %s", bot.Status))
		return
	}

	cfg, err := config.ParseBotConfig(bot.ConfigJSON)
	if err != nil {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	adapter, ticker, err := s.adapterAndTicker(r, bot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	market, err := adapter.GetMarketInfo(r.Context(), bot.Symbol)
	if err != nil {
		s.writeError(w, err)
		return
	}

	quote := decimal.Zero
	if cfg.Sizing.AmountMode == config.AmountModePercent {
		balances, err := adapter.FetchBalance(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		quote = balances[market.QuoteAsset].Free
	}

	result := preview.Calculate(preview.Input{
		Config:       cfg,
		Market:       market,
		Ticker:       ticker,
		QuoteBalance: quote,
	})
	if len(result.Issues) > 0 {
		first := result.Issues[0]
		writeErrorCode(w, http.StatusUnprocessableEntity, first.Code, first.Message)
		return
	}

	reference := ticker.Last
	if cfg.Trigger.BasePriceType == config.BasePriceManual {
		reference = *cfg.Trigger.BasePrice
	}

	runID := uuid.NewString()
	refStr := reference.String()
	clearErr := ""
	err = s.store.UpdateBotCAS(r.Context(), bot.ID, bot.StatusVersion, store.BotUpdate{
		Status:         core.StatusWaitingTrigger,
		RunID:          &runID,
		ReferencePrice: &refStr,
		LastError:      &clearErr,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("bot started", "bot", bot.ID, "runId", runID, "reference", refStr)
	fresh, err := s.store.GetBot(r.Context(), bot.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBotResponse(fresh))
}

func (s *Server) handlePauseBot(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(bot *core.Bot) (store.BotUpdate, error) {
		if !bot.Status.IsActive() {
			return store.BotUpdate{}, stateConflict("bot must be RUNNING or WAITING_TRIGGER to pause, is %s", bot.Status)
		}
		return store.BotUpdate{Status: core.StatusPaused}, nil
	})
}

func (s *Server) handleResumeBot(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(bot *core.Bot) (store.BotUpdate, error) {
		if bot.Status != core.StatusPaused {
			return store.BotUpdate{}, stateConflict("bot must be PAUSED to resume, is %s", bot.Status)
		}
		// A run that already placed its first intent resumes as RUNNING,
		// an untriggered run goes back to waiting.
		orders, err := s.store.ListOrdersByBot(r.Context(), bot.ID)
		if err != nil {
			return store.BotUpdate{}, err
		}
		next := core.StatusWaitingTrigger
		if len(orders) > 0 {
			next = core.StatusRunning
		}
		return store.BotUpdate{Status: next}, nil
	})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(bot *core.Bot) (store.BotUpdate, error) {
		switch bot.Status {
		case core.StatusRunning, core.StatusWaitingTrigger, core.StatusPaused:
		default:
			return store.BotUpdate{}, stateConflict("bot must be active or paused to stop, is %s", bot.Status)
		}
		lastError := "USER_STOP"
		return store.BotUpdate{Status: core.StatusStopping, LastError: &lastError}, nil
	})
}

func (s *Server) handleRiskCheck(w http.ResponseWriter, r *http.Request) {
	bot, err := s.store.GetBot(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	_, ticker, err := s.adapterAndTicker(r, bot)
	if err != nil {
		s.writeError(w, err)
		return
	}

	outcome, err := s.autoClose.Check(r.Context(), bot, ticker.Last)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"triggered":           outcome.Triggered,
		"previouslyTriggered": outcome.PreviouslyTriggered,
		"newStatus":           string(outcome.NewStatus),
		"drawdownPercent":     outcome.DrawdownPercent,
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListOrdersByBot(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTradesByBot(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// transition applies one CAS-guarded status change and echoes the fresh bot.
func (s *Server) transition(w http.ResponseWriter, r *http.Request,
	decide func(bot *core.Bot) (store.BotUpdate, error)) {

	bot, err := s.store.GetBot(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	upd, err := decide(bot)
	if err != nil {
		if sc, ok := err.(conflictError); ok {
			writeErrorCode(w, http.StatusConflict, "STATE_CONFLICT", string(sc))
			return
		}
		s.writeError(w, err)
		return
	}
	if err := s.store.UpdateBotCAS(r.Context(), bot.ID, bot.StatusVersion, upd); err != nil {
		s.writeError(w, err)
		return
	}
	fresh, err := s.store.GetBot(r.Context(), bot.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBotResponse(fresh))
}

type conflictError string

func (e conflictError) Error() string { return string(e) }

func stateConflict(format string, args ...interface{}) error {
	return conflictError(fmt.Sprintf(format, args...))
}

func (s *Server) adapterAndTicker(r *http.Request, bot *core.Bot) (exchange.Adapter, *core.Ticker, error) {
	account, err := s.store.GetAccount(r.Context(), bot.ExchangeAccountID)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := s.factory.NewAdapter(account)
	if err != nil {
		return nil, nil, err
	}
	ticker, err := adapter.GetTicker(r.Context(), bot.Symbol)
	if err != nil {
		return nil, nil, err
	}
	return adapter, ticker, nil
}
