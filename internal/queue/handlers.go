package queue

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/medrex/opd-queue/internal/httpx"
	"github.com/medrex/opd-queue/pkg/types"
)

// completionResponse pairs the finished token with the history it produced
type completionResponse struct {
	Token   *types.Token         `json:"token"`
	History *types.HistoryRecord `json:"history"`
}

// RegisterRoutes mounts the token collection and queue views
func (s *Service) RegisterRoutes(api *mux.Router) {
	// Token routes
	api.HandleFunc("/tokens", s.issueTokenHandler).Methods("POST")
	api.HandleFunc("/tokens", s.listTokensHandler).Methods("GET")
	api.HandleFunc("/tokens/{id}", s.getTokenHandler).Methods("GET")
	api.HandleFunc("/tokens/{id}", s.transitionHandler).Methods("PUT")
	api.HandleFunc("/tokens/{id}", s.deleteTokenHandler).Methods("DELETE")
	api.HandleFunc("/tokens/{id}/complete", s.completeHandler).Methods("POST")
	api.HandleFunc("/tokens/{id}/skip", s.skipHandler).Methods("POST")

	// Queue routes; stats before the {doctorId} pattern
	api.HandleFunc("/queue/stats", s.statsHandler).Methods("GET")
	api.HandleFunc("/queue/{doctorId}", s.queueHandler).Methods("GET")
	api.HandleFunc("/queue/{doctorId}/next", s.callNextHandler).Methods("POST")
}

func (s *Service) issueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req types.TokenRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	token, err := s.IssueToken(r.Context(), req.DoctorID, req.PatientID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, token)
}

func (s *Service) listTokensHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := httpx.PageParams(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	q := r.URL.Query()
	filters := &types.TokenFilters{
		DoctorID:  q.Get("doctorId"),
		PatientID: q.Get("patientId"),
		Date:      q.Get("date"),
		Status:    types.TokenStatus(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	}

	tokens, err := s.ListTokens(r.Context(), filters)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, tokens)
}

func (s *Service) getTokenHandler(w http.ResponseWriter, r *http.Request) {
	token, err := s.GetToken(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, token)
}

func (s *Service) transitionHandler(w http.ResponseWriter, r *http.Request) {
	var updates types.TokenUpdates
	if err := httpx.DecodeJSON(r, &updates); err != nil {
		httpx.WriteError(w, err)
		return
	}

	token, err := s.Transition(r.Context(), httpx.SessionFromContext(r.Context()), mux.Vars(r)["id"], &updates)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, token)
}

// Tokens are retained as the audit trail of the day's queue
func (s *Service) deleteTokenHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.GetToken(r.Context(), id); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteError(w, types.NewConflictError(types.ErrCodeTokenRetained, "tokens cannot be deleted", map[string]interface{}{"tokenId": id}))
}

func (s *Service) completeHandler(w http.ResponseWriter, r *http.Request) {
	var rx types.Prescription
	if err := httpx.DecodeJSON(r, &rx); err != nil {
		httpx.WriteError(w, err)
		return
	}

	token, record, err := s.CompleteVisit(r.Context(), httpx.SessionFromContext(r.Context()), mux.Vars(r)["id"], &rx)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, completionResponse{Token: token, History: record})
}

func (s *Service) skipHandler(w http.ResponseWriter, r *http.Request) {
	token, err := s.SkipVisit(r.Context(), httpx.SessionFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, token)
}

func (s *Service) queueHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.GetQueue(r.Context(), mux.Vars(r)["doctorId"], r.URL.Query().Get("date"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	if s.pollInterval > 0 {
		w.Header().Set("X-Poll-Interval", strconv.Itoa(int(s.pollInterval.Seconds())))
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (s *Service) callNextHandler(w http.ResponseWriter, r *http.Request) {
	token, err := s.CallNext(r.Context(), httpx.SessionFromContext(r.Context()), mux.Vars(r)["doctorId"])
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	if token == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"token": nil, "message": "No patients waiting"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"token": token})
}

func (s *Service) statsHandler(w http.ResponseWriter, r *http.Request) {
	session := httpx.SessionFromContext(r.Context())
	if session == nil {
		httpx.WriteError(w, types.NewAuthenticationError(types.ErrCodeUnauthorized, "no active session"))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, s.SessionStats(session.ID))
}
