package scheduling

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medrex/opd-queue/internal/httpx"
	"github.com/medrex/opd-queue/pkg/types"
)

// RegisterRoutes mounts the appointment collection and per-person views
func (s *Service) RegisterRoutes(api *mux.Router) {
	api.HandleFunc("/appointments", s.createAppointmentHandler).Methods("POST")
	api.HandleFunc("/appointments", s.getAppointmentsHandler).Methods("GET")
	api.HandleFunc("/appointments/{id}", s.getAppointmentHandler).Methods("GET")
	api.HandleFunc("/appointments/{id}", s.updateAppointmentHandler).Methods("PUT")
	api.HandleFunc("/appointments/{id}", s.deleteAppointmentHandler).Methods("DELETE")

	api.HandleFunc("/doctors/{id}/appointments", s.getDoctorAppointmentsHandler).Methods("GET")
	api.HandleFunc("/patients/{id}/appointments", s.getPatientAppointmentsHandler).Methods("GET")
}

func (s *Service) createAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var apt types.Appointment
	if err := httpx.DecodeJSON(r, &apt); err != nil {
		httpx.WriteError(w, err)
		return
	}

	created, err := s.CreateAppointment(r.Context(), &apt)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Service) getAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	apt, err := s.GetAppointment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apt)
}

func (s *Service) updateAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var updates types.AppointmentUpdates
	if err := httpx.DecodeJSON(r, &updates); err != nil {
		httpx.WriteError(w, err)
		return
	}

	apt, err := s.UpdateAppointment(r.Context(), mux.Vars(r)["id"], &updates)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apt)
}

func (s *Service) deleteAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteAppointment(r.Context(), mux.Vars(r)["id"]); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "Appointment deleted successfully"})
}

func (s *Service) getAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	s.listAppointments(w, r, func(f *types.AppointmentFilters) {})
}

func (s *Service) getDoctorAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	doctorID := mux.Vars(r)["id"]
	s.listAppointments(w, r, func(f *types.AppointmentFilters) { f.DoctorID = doctorID })
}

func (s *Service) getPatientAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	s.listAppointments(w, r, func(f *types.AppointmentFilters) { f.PatientID = patientID })
}

func (s *Service) listAppointments(w http.ResponseWriter, r *http.Request, scope func(*types.AppointmentFilters)) {
	filters, err := parseAppointmentFilters(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	scope(filters)

	appointments, err := s.GetAppointments(r.Context(), filters)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, appointments)
}

func parseAppointmentFilters(r *http.Request) (*types.AppointmentFilters, error) {
	limit, offset, err := httpx.PageParams(r)
	if err != nil {
		return nil, err
	}

	q := r.URL.Query()
	return &types.AppointmentFilters{
		PatientID: q.Get("patientId"),
		DoctorID:  q.Get("doctorId"),
		Date:      q.Get("date"),
		Status:    types.AppointmentStatus(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	}, nil
}
