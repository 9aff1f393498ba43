package history

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medrex/opd-queue/internal/httpx"
	"github.com/medrex/opd-queue/pkg/types"
)

// RegisterRoutes mounts the history collection and the per-patient view
func (s *Service) RegisterRoutes(api *mux.Router) {
	api.HandleFunc("/patienthistory", s.addHistoryHandler).Methods("POST")
	api.HandleFunc("/patienthistory", s.listHistoryHandler).Methods("GET")
	api.HandleFunc("/patienthistory/{id}", s.getHistoryHandler).Methods("GET")
	api.HandleFunc("/patienthistory/{id}", s.updateHistoryHandler).Methods("PUT")
	api.HandleFunc("/patienthistory/{id}", s.deleteHistoryHandler).Methods("DELETE")
	api.HandleFunc("/patients/{id}/history", s.patientHistoryHandler).Methods("GET")
}

func (s *Service) addHistoryHandler(w http.ResponseWriter, r *http.Request) {
	var record types.HistoryRecord
	if err := httpx.DecodeJSON(r, &record); err != nil {
		httpx.WriteError(w, err)
		return
	}

	created, err := s.AddHistory(r.Context(), &record)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Service) listHistoryHandler(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	s.writeList(w, r, filters)
}

func (s *Service) patientHistoryHandler(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	filters.PatientID = mux.Vars(r)["id"]

	s.writeList(w, r, filters)
}

func (s *Service) writeList(w http.ResponseWriter, r *http.Request, filters *types.HistoryFilters) {
	records, err := s.ListHistory(r.Context(), filters)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, records)
}

func (s *Service) getHistoryHandler(w http.ResponseWriter, r *http.Request) {
	record, err := s.GetHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, record)
}

func (s *Service) updateHistoryHandler(w http.ResponseWriter, r *http.Request) {
	var record types.HistoryRecord
	if err := httpx.DecodeJSON(r, &record); err != nil {
		httpx.WriteError(w, err)
		return
	}

	updated, err := s.UpdateHistory(r.Context(), httpx.SessionFromContext(r.Context()), mux.Vars(r)["id"], &record)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, updated)
}

func (s *Service) deleteHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteHistory(r.Context(), httpx.SessionFromContext(r.Context()), mux.Vars(r)["id"]); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "History record deleted successfully"})
}

func parseFilters(r *http.Request) (*types.HistoryFilters, error) {
	limit, offset, err := httpx.PageParams(r)
	if err != nil {
		return nil, err
	}
	q := r.URL.Query()
	return &types.HistoryFilters{
		PatientID: q.Get("patientId"),
		DoctorID:  q.Get("doctorId"),
		Query:     q.Get("q"),
		Limit:     limit,
		Offset:    offset,
	}, nil
}
