package doctors

import (
	"context"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-scheduler/internal/http/middleware"
	"github.com/wolfman30/clinic-scheduler/internal/http/respond"
	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/internal/slots"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// SlotOpener lists a doctor's open slots.
type SlotOpener interface {
	Open(ctx context.Context, doctorID string, now time.Time, w slots.Window) (iter.Seq[slots.Slot], error)
}

// HandlerConfig carries the slot offering policy.
type HandlerConfig struct {
	Window             slots.Window
	InsuranceExtraDays int
	Location           *time.Location
}

// Handler serves the doctor directory and slot listings.
type Handler struct {
	repo   Repository
	slots  SlotOpener
	cfg    HandlerConfig
	now    func() time.Time
	logger *logging.Logger
}

func NewHandler(repo Repository, opener SlotOpener, cfg HandlerConfig, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Window == (slots.Window{}) {
		cfg.Window = slots.DefaultWindow
	}
	return &Handler{repo: repo, slots: opener, cfg: cfg, now: time.Now, logger: logger.Component("doctors")}
}

// Routes mounts the doctor endpoints. Callers must already be authenticated.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/doctors", h.List)
	r.Post("/doctors", h.Upsert)
	r.Get("/doctors/{doctorID}", h.Get)
	r.Get("/doctors/{doctorID}/slots", h.Slots)
	r.Post("/doctors/{doctorID}/availability", h.SetAvailability)
}

// List handles GET /doctors?insurance_provider=&available=true
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{InsuranceProvider: r.URL.Query().Get("insurance_provider")}
	if v, err := strconv.ParseBool(r.URL.Query().Get("available")); err == nil {
		filter.AvailableOnly = v
	}
	list, err := h.repo.List(r.Context(), filter)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if list == nil {
		list = []*Doctor{}
	}
	respond.JSON(w, http.StatusOK, map[string]any{"doctors": list, "count": len(list)})
}

// Get handles GET /doctors/{doctorID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.repo.Get(r.Context(), chi.URLParam(r, "doctorID"))
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, d)
}

// Upsert handles POST /doctors (admin only).
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.Role != middleware.RoleAdmin {
		respond.Error(w, h.logger, scheduling.Forbidden("only admins may register doctors"))
		return
	}
	var req UpsertDoctorRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	d, err := req.Normalize()
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	saved, err := h.repo.Upsert(r.Context(), d)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	h.logger.Info("doctor saved", "doctor_id", saved.ID, "base_fee", saved.BaseFee)
	respond.JSON(w, http.StatusOK, saved)
}

// SlotsResponse lists open slots for a doctor.
type SlotsResponse struct {
	DoctorID  string       `json:"doctor_id"`
	Available bool         `json:"available"`
	Days      int          `json:"days"`
	Slots     []slots.Slot `json:"slots"`
}

// Slots handles GET /doctors/{doctorID}/slots?insurance=true&limit=N
func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.repo.Get(ctx, chi.URLParam(r, "doctorID"))
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	window := h.cfg.Window
	if withInsurance, _ := strconv.ParseBool(r.URL.Query().Get("insurance")); withInsurance {
		window = window.Extend(h.cfg.InsuranceExtraDays)
	}
	limit := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	resp := SlotsResponse{DoctorID: d.ID, Available: d.Available, Days: window.Days, Slots: []slots.Slot{}}
	if !d.Available {
		respond.JSON(w, http.StatusOK, resp)
		return
	}

	seq, err := h.slots.Open(ctx, d.ID, h.now().In(h.cfg.Location), window)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	for s := range seq {
		resp.Slots = append(resp.Slots, s)
		if limit > 0 && len(resp.Slots) >= limit {
			break
		}
	}
	respond.JSON(w, http.StatusOK, resp)
}

type availabilityRequest struct {
	Available bool `json:"available"`
}

// SetAvailability handles POST /doctors/{doctorID}/availability (the doctor or an admin).
func (h *Handler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	doctorID := chi.URLParam(r, "doctorID")
	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.ID != doctorID && p.Role != middleware.RoleAdmin {
		respond.Error(w, h.logger, scheduling.Forbidden("only the doctor may change availability"))
		return
	}
	var req availabilityRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if err := h.repo.SetAvailable(r.Context(), doctorID, req.Available); err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	h.logger.Info("doctor availability changed", "doctor_id", doctorID, "available", req.Available)
	respond.JSON(w, http.StatusOK, map[string]any{"doctor_id": doctorID, "available": req.Available})
}
