package payments

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-scheduler/internal/appointments"
	"github.com/wolfman30/clinic-scheduler/internal/http/middleware"
	"github.com/wolfman30/clinic-scheduler/internal/http/respond"
	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

type paymentConfirmer interface {
	ConfirmPaymentSession(ctx context.Context, id, sessionID string, success bool) (*appointments.Appointment, error)
}

type appointmentService interface {
	paymentConfirmer
	Get(ctx context.Context, id string) (*appointments.Appointment, error)
	AttachPaymentSession(ctx context.Context, id, sessionID string) error
}

// Handler serves checkout creation and client-side payment verification.
type Handler struct {
	appts   appointmentService
	gateway Gateway
	logger  *logging.Logger
}

func NewHandler(appts appointmentService, gateway Gateway, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{appts: appts, gateway: gateway, logger: logger.Component("payments")}
}

// Routes mounts the authenticated payment endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/appointments/{appointmentID}/checkout", h.Checkout)
	r.Post("/payments/verify", h.Verify)
}

type checkoutRequest struct {
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

type checkoutResponse struct {
	AppointmentID string `json:"appointment_id"`
	SessionID     string `json:"session_id"`
	CheckoutURL   string `json:"checkout_url"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
}

// Checkout handles POST /appointments/{appointmentID}/checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appt, ok := h.ownedAppointment(w, r, chi.URLParam(r, "appointmentID"))
	if !ok {
		return
	}
	if appt.State != appointments.StateCreated {
		respond.Error(w, h.logger, scheduling.StateErr("appointment %s is %s", appt.ID, appt.State))
		return
	}
	amountCents := ToCents(appt.Amount)
	if amountCents <= 0 {
		respond.Error(w, h.logger, scheduling.Validation("appointment %s has nothing to pay", appt.ID))
		return
	}

	var req checkoutRequest
	if r.ContentLength > 0 {
		if err := respond.Decode(r, &req); err != nil {
			respond.Error(w, h.logger, err)
			return
		}
	}

	session, err := h.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		PatientEmail:  appt.PatientEmail,
		AmountCents:   amountCents,
		Currency:      appt.Currency,
		Description:   checkoutDescription(appt),
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
	})
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if err := h.appts.AttachPaymentSession(ctx, appt.ID, session.ID); err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	h.logger.Info("checkout session created", "appointment_id", appt.ID, "session_id", session.ID, "amount_cents", amountCents)
	respond.JSON(w, http.StatusOK, checkoutResponse{
		AppointmentID: appt.ID,
		SessionID:     session.ID,
		CheckoutURL:   session.URL,
		AmountCents:   amountCents,
		Currency:      appt.Currency,
	})
}

type verifyRequest struct {
	AppointmentID string `json:"appointment_id"`
	SessionID     string `json:"session_id,omitempty"`
	Success       bool   `json:"success"`
}

// Verify handles POST /payments/verify. The client reports the redirect
// outcome; a claimed success is checked with the gateway before the
// appointment moves to Paid.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req verifyRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if strings.TrimSpace(req.AppointmentID) == "" {
		respond.Error(w, h.logger, scheduling.Validation("appointment_id is required"))
		return
	}
	appt, ok := h.ownedAppointment(w, r, req.AppointmentID)
	if !ok {
		return
	}

	// Only the session opened by Checkout for this appointment can pay it.
	sessionID := appt.PaymentSessionID
	if req.SessionID != "" && req.SessionID != sessionID {
		h.logger.Warn("verify with foreign session rejected", "appointment_id", appt.ID, "session_id", req.SessionID)
		respond.Error(w, h.logger, scheduling.Validation("session %s does not belong to appointment %s", req.SessionID, appt.ID))
		return
	}
	success := req.Success
	if success && appt.State == appointments.StateCreated && ToCents(appt.Amount) > 0 {
		if sessionID == "" {
			respond.Error(w, h.logger, scheduling.Validation("appointment %s has no checkout session", appt.ID))
			return
		}
		paid, err := h.gateway.Confirm(ctx, sessionID)
		if err != nil {
			h.logger.Warn("payment verification failed; appointment stays created", "appointment_id", appt.ID, "error", err)
			respond.Error(w, h.logger, err)
			return
		}
		success = paid
	}

	updated, err := h.appts.ConfirmPaymentSession(ctx, appt.ID, sessionID, success)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, updated)
}

func (h *Handler) ownedAppointment(w http.ResponseWriter, r *http.Request, id string) (*appointments.Appointment, bool) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	appt, err := h.appts.Get(r.Context(), id)
	if err != nil {
		respond.Error(w, h.logger, err)
		return nil, false
	}
	if p.Role != middleware.RoleAdmin && p.ID != appt.PatientID {
		respond.Error(w, h.logger, scheduling.Forbidden("only the patient may pay for appointment %s", id))
		return nil, false
	}
	return appt, true
}

func checkoutDescription(a *appointments.Appointment) string {
	if a.DoctorName == "" {
		return "Appointment " + a.SlotDate + " " + a.SlotTime
	}
	return "Appointment with " + a.DoctorName + " on " + a.SlotDate + " " + a.SlotTime
}
