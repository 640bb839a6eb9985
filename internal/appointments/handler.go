package appointments

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-scheduler/internal/http/middleware"
	"github.com/wolfman30/clinic-scheduler/internal/http/respond"
	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Handler exposes the appointment lifecycle over HTTP.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger.Component("appointments.http")}
}

// Routes mounts the appointment endpoints. Callers must already be authenticated.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/appointments", h.Book)
	r.Get("/appointments/{appointmentID}", h.Get)
	r.Post("/appointments/{appointmentID}/cancel", h.Cancel)
	r.Post("/appointments/{appointmentID}/complete", h.Complete)
	r.Get("/patients/{patientID}/appointments", h.ListForPatient)
	r.Get("/doctors/{doctorID}/appointments", h.ListForDoctor)
	r.Get("/doctors/{doctorID}/dashboard", h.Dashboard)
}

// Book handles POST /appointments. Patients always book for themselves.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	var req BookingRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	switch p.Role {
	case middleware.RoleAdmin:
	case middleware.RolePatient:
		if req.PatientID != "" && req.PatientID != p.ID {
			respond.Error(w, h.logger, scheduling.Forbidden("patients may only book for themselves"))
			return
		}
		req.PatientID = p.ID
	default:
		respond.Error(w, h.logger, scheduling.Forbidden("only patients may book appointments"))
		return
	}

	appt, err := h.svc.Book(r.Context(), req)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, appt)
}

// Get handles GET /appointments/{appointmentID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	appt, err := h.svc.Get(r.Context(), chi.URLParam(r, "appointmentID"))
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if p.Role != middleware.RoleAdmin && !appt.InvolvesParty(p.ID) {
		respond.Error(w, h.logger, scheduling.Forbidden("appointment belongs to another patient"))
		return
	}
	respond.JSON(w, http.StatusOK, appt)
}

// Cancel handles POST /appointments/{appointmentID}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	appt, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "appointmentID"), p.ID)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, appt)
}

// Complete handles POST /appointments/{appointmentID}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	appt, err := h.svc.Complete(r.Context(), chi.URLParam(r, "appointmentID"), p.ID)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, appt)
}

// ListForPatient handles GET /patients/{patientID}/appointments
func (h *Handler) ListForPatient(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.ID != patientID && p.Role != middleware.RoleAdmin {
		respond.Error(w, h.logger, scheduling.Forbidden("cannot list another patient's appointments"))
		return
	}
	list, err := h.svc.ListForPatient(r.Context(), patientID)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	writeList(w, list)
}

// ListForDoctor handles GET /doctors/{doctorID}/appointments
func (h *Handler) ListForDoctor(w http.ResponseWriter, r *http.Request) {
	doctorID := chi.URLParam(r, "doctorID")
	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.ID != doctorID && p.Role != middleware.RoleAdmin {
		respond.Error(w, h.logger, scheduling.Forbidden("cannot list another doctor's appointments"))
		return
	}
	list, err := h.svc.ListForDoctor(r.Context(), doctorID)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	writeList(w, list)
}

// Dashboard handles GET /doctors/{doctorID}/dashboard
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	doctorID := chi.URLParam(r, "doctorID")
	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.ID != doctorID && p.Role != middleware.RoleAdmin {
		respond.Error(w, h.logger, scheduling.Forbidden("cannot view another doctor's dashboard"))
		return
	}
	d, err := h.svc.Dashboard(r.Context(), doctorID)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, d)
}

func writeList(w http.ResponseWriter, list []*Appointment) {
	if list == nil {
		list = []*Appointment{}
	}
	respond.JSON(w, http.StatusOK, map[string]any{"appointments": list, "count": len(list)})
}
