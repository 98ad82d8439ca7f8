package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
)

type createUserRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.Email == "" {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required")
		return
	}

	user := &core.User{ID: uuid.NewString(), Email: req.Email}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type killSwitchRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEnableKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	enabledAt, already, err := s.killSwitch.Enable(r.Context(), pathID(r), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":        true,
		"enabledAt":      enabledAt,
		"alreadyEnabled": already,
	})
}

func (s *Server) handleDisableKillSwitch(w http.ResponseWriter, r *http.Request) {
	if err := s.killSwitch.Disable(r.Context(), pathID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
}

type createAccountRequest struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Exchange  string `json:"exchange"`
	IsTestnet bool   `json:"isTestnet"`
	APIKey    string `json:"apiKey,omitempty"`
	APISecret string `json:"apiSecret,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.UserID == "" || req.Name == "" {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId and name are required")
		return
	}
	if !core.IsSupportedExchange(req.Exchange) {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("unsupported exchange: %s", req.Exchange))
		return
	}
	if !req.IsTestnet && s.cipher == nil {
		writeErrorCode(w, http.StatusForbidden, "MAINNET_ACCOUNT_FORBIDDEN",
			"mainnet accounts require a configured credentials encryption key")
		return
	}
	if _, err := s.store.GetUser(r.Context(), req.UserID); err != nil {
		s.writeError(w, err)
		return
	}

	var encrypted string
	if req.APIKey != "" || req.APISecret != "" {
		if s.cipher == nil {
			writeErrorCode(w, http.StatusForbidden, "MAINNET_ACCOUNT_FORBIDDEN",
				"credentials supplied but no encryption key is configured")
			return
		}
		plain, err := json.Marshal(map[string]string{"apiKey": req.APIKey, "apiSecret": req.APISecret})
		if err != nil {
			s.writeError(w, err)
			return
		}
		encrypted, err = s.cipher.Encrypt(string(plain))
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	account := &core.ExchangeAccount{
		ID:                   uuid.NewString(),
		UserID:               req.UserID,
		Name:                 req.Name,
		Exchange:             req.Exchange,
		IsTestnet:            req.IsTestnet,
		EncryptedCredentials: encrypted,
		CreatedAt:            s.clock.Now(),
	}
	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		if errors.Is(err, apperrors.ErrStateConflict) {
			writeErrorCode(w, http.StatusConflict, "EXCHANGE_ACCOUNT_ALREADY_EXISTS",
				fmt.Sprintf("account %q already exists for this user", req.Name))
			return
		}
		s.writeError(w, err)
		return
	}

	// Credentials never round-trip through API responses.
	account.EncryptedCredentials = ""
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)

	n, err := s.store.CountBotsByAccount(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if n > 0 {
		writeErrorCode(w, http.StatusConflict, "ACCOUNT_HAS_BOTS",
			fmt.Sprintf("account has %d bot(s); delete them first", n))
		return
	}

	if err := s.store.DeleteAccount(r.Context(), id); err != nil {
		if errors.Is(err, apperrors.ErrStateConflict) {
			writeErrorCode(w, http.StatusConflict, "ACCOUNT_HAS_BOTS", "account still has bots")
			return
		}
		s.writeError(w, err)
		return
	}
	if s.onAcctDel != nil {
		s.onAcctDel(id)
	}
	w.WriteHeader(http.StatusNoContent)
}
