package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	v1 "portalsync/shared/contracts/realtime/v1"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse uses snake_case token names; the refresh response below uses
// the nested camelCase shape. Clients accept both.
type loginResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	User         Account `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	Tokens refreshTokens `json:"tokens"`
}

type historyResponse struct {
	Messages []v1.MessagePayload `json:"messages"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	acc, found := s.store.accountByEmail(req.Email)
	hash := s.dummyHash
	if found {
		hash = acc.PasswordHash
	}
	ok, err := VerifyPassword(s.cfg.Argon2, hash, req.Password)
	if err != nil {
		s.log.Error("devserver.login.verify_fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if !found || !ok {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	pair, err := s.tokens.issue(acc)
	if err != nil {
		s.log.Error("devserver.login.issue_fail", "user_id", acc.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	s.log.Info("devserver.login", "user_id", acc.ID)
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: pair.Access, RefreshToken: pair.Refresh, User: acc})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refreshToken is required")
		return
	}

	userID, err := s.tokens.consume(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_refresh", "refresh token is invalid or expired")
		return
	}
	acc, ok := s.store.accountByID(userID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_refresh", "account no longer exists")
		return
	}

	pair, err := s.tokens.issue(acc)
	if err != nil {
		s.log.Error("devserver.refresh.issue_fail", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	s.log.Info("devserver.refresh", "user_id", userID)
	writeJSON(w, http.StatusOK, refreshResponse{Tokens: refreshTokens{AccessToken: pair.Access, RefreshToken: pair.Refresh}})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request, claims accessClaims) {
	s.tokens.revokeUser(claims.Subject)
	s.log.Info("devserver.logout", "user_id", claims.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, claims accessClaims) {
	acc, ok := s.store.accountByID(claims.Subject)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, claims accessClaims) {
	sum, version := s.store.summary(claims.Subject)
	etag := fmt.Sprintf("%q", fmt.Sprintf("%s-%d", claims.Subject, version))

	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handlePushNotification(w http.ResponseWriter, r *http.Request, claims accessClaims) {
	var n v1.NotificationPayload
	if err := decodeJSON(w, r, &n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(n.Type) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "type is required")
		return
	}
	if n.UserID == "" {
		n.UserID = claims.Subject
	}

	stored, err := s.PushNotification(n)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleReadAll(w http.ResponseWriter, _ *http.Request, claims accessClaims) {
	s.store.markAllRead(claims.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadOne(w http.ResponseWriter, r *http.Request, claims accessClaims) {
	if err := s.store.markRead(claims.Subject, r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, claims accessClaims) {
	all := s.store.history(r.PathValue("id"))
	out := historyResponse{Messages: make([]v1.MessagePayload, 0, len(all))}
	for _, m := range all {
		if m.Sender == claims.Subject || m.Receiver == claims.Subject {
			out.Messages = append(out.Messages, m)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChatRead(w http.ResponseWriter, r *http.Request, claims accessClaims) {
	s.store.markChatRead(claims.Subject, r.PathValue("id"), s.now())
	w.WriteHeader(http.StatusNoContent)
}
