package insurance

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-scheduler/internal/http/middleware"
	"github.com/wolfman30/clinic-scheduler/internal/http/respond"
	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Handler lets patients register and list their own policies.
type Handler struct {
	repo   Repository
	logger *logging.Logger
}

func NewHandler(repo Repository, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{repo: repo, logger: logger.Component("insurance.http")}
}

// Routes mounts the policy endpoints. Callers must already be authenticated.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/patients/{patientID}/insurance", h.Create)
	r.Get("/patients/{patientID}/insurance", h.List)
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	patientID := chi.URLParam(r, "patientID")
	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.ID != patientID && p.Role != middleware.RoleAdmin {
		respond.Error(w, h.logger, scheduling.Forbidden("cannot access another patient's insurance"))
		return "", false
	}
	return patientID, true
}

// Create handles POST /patients/{patientID}/insurance
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	patientID, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req CreatePolicyRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if req.PatientID != "" && req.PatientID != patientID {
		respond.Error(w, h.logger, scheduling.Validation("patient_id does not match the path"))
		return
	}
	req.PatientID = patientID

	policy, err := h.repo.Create(r.Context(), &req)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	h.logger.Info("insurance policy registered", "policy_id", policy.ID, "patient_id", patientID, "provider", policy.Provider)
	respond.JSON(w, http.StatusCreated, policy)
}

// List handles GET /patients/{patientID}/insurance
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	patientID, ok := h.owner(w, r)
	if !ok {
		return
	}
	list, err := h.repo.ListByPatient(r.Context(), patientID)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if list == nil {
		list = []*Policy{}
	}
	respond.JSON(w, http.StatusOK, map[string]any{"policies": list, "count": len(list)})
}
