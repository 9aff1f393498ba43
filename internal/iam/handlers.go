package iam

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medrex/opd-queue/internal/httpx"
	"github.com/medrex/opd-queue/pkg/types"
)

// RegisterRoutes mounts the session endpoints
func (s *Service) RegisterRoutes(api *mux.Router) {
	api.HandleFunc("/auth/login", s.loginHandler).Methods("POST")
	api.HandleFunc("/auth/logout", s.logoutHandler).Methods("POST")
	api.HandleFunc("/auth/session", s.sessionHandler).Methods("GET")
}

// loginHandler exchanges credentials for a session token
func (s *Service) loginHandler(w http.ResponseWriter, r *http.Request) {
	var credentials types.Credentials
	if err := httpx.DecodeJSON(r, &credentials); err != nil {
		httpx.WriteError(w, err)
		return
	}

	resp, err := s.Login(r.Context(), &credentials)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// logoutHandler closes the caller's session
func (s *Service) logoutHandler(w http.ResponseWriter, r *http.Request) {
	session := httpx.SessionFromContext(r.Context())
	if session == nil {
		httpx.WriteError(w, types.NewAuthenticationError(types.ErrCodeAuthenticationFailed, "no active session"))
		return
	}

	if err := s.Logout(r.Context(), session.ID); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// sessionHandler returns the caller's session
func (s *Service) sessionHandler(w http.ResponseWriter, r *http.Request) {
	session := httpx.SessionFromContext(r.Context())
	if session == nil {
		httpx.WriteError(w, types.NewAuthenticationError(types.ErrCodeAuthenticationFailed, "no active session"))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, session)
}
