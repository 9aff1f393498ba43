package directory

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medrex/opd-queue/internal/httpx"
	"github.com/medrex/opd-queue/pkg/types"
)

// RegisterRoutes mounts the doctor and patient collections
func (s *Service) RegisterRoutes(api *mux.Router) {
	// Doctor routes
	api.HandleFunc("/doctors", adminOnly(s.createDoctorHandler)).Methods("POST")
	api.HandleFunc("/doctors", s.listDoctorsHandler).Methods("GET")
	api.HandleFunc("/doctors/{id}", s.getDoctorHandler).Methods("GET")
	api.HandleFunc("/doctors/{id}", adminOnly(s.updateDoctorHandler)).Methods("PUT")
	api.HandleFunc("/doctors/{id}", adminOnly(s.deleteDoctorHandler)).Methods("DELETE")

	// Patient routes
	api.HandleFunc("/patients", s.createPatientHandler).Methods("POST")
	api.HandleFunc("/patients", s.listPatientsHandler).Methods("GET")
	api.HandleFunc("/patients/{id}", s.getPatientHandler).Methods("GET")
	api.HandleFunc("/patients/{id}", s.updatePatientHandler).Methods("PUT")
	api.HandleFunc("/patients/{id}", adminOnly(s.deletePatientHandler)).Methods("DELETE")
}

// adminOnly guards directory writes that create or remove logins
func adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !httpx.SessionFromContext(r.Context()).IsAdmin() {
			httpx.WriteError(w, types.NewAuthorizationError(types.ErrCodeForbidden, "administrator role required"))
			return
		}
		next(w, r)
	}
}

func (s *Service) createDoctorHandler(w http.ResponseWriter, r *http.Request) {
	var doctor types.Doctor
	if err := httpx.DecodeJSON(r, &doctor); err != nil {
		httpx.WriteError(w, err)
		return
	}

	created, err := s.CreateDoctor(r.Context(), &doctor)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Service) listDoctorsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := &types.DoctorFilters{
		Name:           q.Get("name"),
		Specialization: q.Get("specialization"),
		Department:     q.Get("department"),
		Email:          q.Get("email"),
	}

	doctors, err := s.ListDoctors(r.Context(), filters)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, doctors)
}

func (s *Service) getDoctorHandler(w http.ResponseWriter, r *http.Request) {
	doctor, err := s.GetDoctor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, doctor)
}

func (s *Service) updateDoctorHandler(w http.ResponseWriter, r *http.Request) {
	var doctor types.Doctor
	if err := httpx.DecodeJSON(r, &doctor); err != nil {
		httpx.WriteError(w, err)
		return
	}

	updated, err := s.UpdateDoctor(r.Context(), mux.Vars(r)["id"], &doctor)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, updated)
}

func (s *Service) deleteDoctorHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteDoctor(r.Context(), mux.Vars(r)["id"]); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "Doctor deleted successfully"})
}

func (s *Service) createPatientHandler(w http.ResponseWriter, r *http.Request) {
	var patient types.Patient
	if err := httpx.DecodeJSON(r, &patient); err != nil {
		httpx.WriteError(w, err)
		return
	}

	created, err := s.CreatePatient(r.Context(), &patient)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Service) listPatientsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := &types.PatientFilters{
		Name:  q.Get("name"),
		Phone: q.Get("phone"),
		Email: q.Get("email"),
	}

	patients, err := s.ListPatients(r.Context(), filters)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, patients)
}

func (s *Service) getPatientHandler(w http.ResponseWriter, r *http.Request) {
	patient, err := s.GetPatient(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, patient)
}

func (s *Service) updatePatientHandler(w http.ResponseWriter, r *http.Request) {
	// patients may edit their own record
	if !httpx.SessionFromContext(r.Context()).ActsFor(mux.Vars(r)["id"]) {
		httpx.WriteError(w, types.NewAuthorizationError(types.ErrCodeForbidden, "not allowed to edit this patient"))
		return
	}

	var patient types.Patient
	if err := httpx.DecodeJSON(r, &patient); err != nil {
		httpx.WriteError(w, err)
		return
	}

	updated, err := s.UpdatePatient(r.Context(), mux.Vars(r)["id"], &patient)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, updated)
}

func (s *Service) deletePatientHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.DeletePatient(r.Context(), mux.Vars(r)["id"]); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "Patient deleted successfully"})
}
