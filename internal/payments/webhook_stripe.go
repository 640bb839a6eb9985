package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

const stripeProvider = "stripe"

type processedTracker interface {
	Claim(ctx context.Context, provider, eventID string) (bool, error)
	Forget(ctx context.Context, provider, eventID string) error
}

// StripeWebhookHandler applies Stripe checkout outcomes to appointments.
type StripeWebhookHandler struct {
	webhookSecret string
	appts         paymentConfirmer
	processed     processedTracker
	now           func() time.Time
	logger        *logging.Logger
}

// NewStripeWebhookHandler creates a new handler for Stripe webhooks.
func NewStripeWebhookHandler(webhookSecret string, appts paymentConfirmer, processed processedTracker, logger *logging.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeWebhookHandler{
		webhookSecret: webhookSecret,
		appts:         appts,
		processed:     processed,
		now:           time.Now,
		logger:        logger.Component("stripe.webhook"),
	}
}

// Handle processes incoming Stripe webhook events.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !verifyStripeSignature(h.webhookSecret, payload, r.Header.Get("Stripe-Signature"), h.now()) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt stripeWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode stripe event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	session := evt.Data.Object
	var success bool
	switch evt.Type {
	case "checkout.session.completed":
		success = session.PaymentStatus == "paid" || session.PaymentStatus == "no_payment_required"
		if !success {
			// Async methods settle later with async_payment_succeeded.
			w.WriteHeader(http.StatusOK)
			return
		}
	case "checkout.session.async_payment_succeeded":
		success = true
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		success = false
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	appointmentID := session.Metadata["appointment_id"]
	if appointmentID == "" {
		appointmentID = session.ClientReferenceID
	}
	if appointmentID == "" {
		h.logger.Warn("stripe webhook missing appointment id", "event_id", evt.ID, "session_id", session.ID)
		// Acknowledge to prevent retries but can't progress workflow
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	claimed, err := h.processed.Claim(ctx, stripeProvider, evt.ID)
	if err != nil {
		h.logger.Error("processed lookup failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !claimed {
		h.logger.Debug("duplicate stripe event ignored", "event_id", evt.ID)
		w.WriteHeader(http.StatusOK)
		return
	}

	appt, err := h.appts.ConfirmPaymentSession(ctx, appointmentID, session.ID, success)
	if err != nil {
		switch scheduling.CodeOf(err) {
		case scheduling.CodeState, scheduling.CodeNotFound:
			h.logger.Warn("stripe event not applicable", "event_id", evt.ID, "appointment_id", appointmentID, "error", err)
			w.WriteHeader(http.StatusOK)
		default:
			if forgetErr := h.processed.Forget(ctx, stripeProvider, evt.ID); forgetErr != nil {
				h.logger.Error("failed to forget stripe event", "event_id", evt.ID, "error", forgetErr)
			}
			h.logger.Error("failed to apply stripe event", "event_id", evt.ID, "appointment_id", appointmentID, "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}

	h.logger.Info("stripe event applied",
		"event_id", evt.ID, "type", evt.Type, "appointment_id", appt.ID, "state", appt.State)
	w.WriteHeader(http.StatusOK)
}

// stripeWebhookEvent represents a Stripe webhook event envelope.
type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object stripeSessionObject `json:"object"`
	} `json:"data"`
}

// stripeSessionObject is the checkout.session object from the webhook.
type stripeSessionObject struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentIntent     string            `json:"payment_intent"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
	Status            string            `json:"status"`
}

const signatureTolerance = 5 * time.Minute

// verifyStripeSignature verifies a Stripe webhook signature.
// Stripe signs with HMAC-SHA256 and sends the signature in the Stripe-Signature header
// as: t=<timestamp>,v1=<signature>[,v0=<test_signature>]
func verifyStripeSignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" {
		return true // bypass for development
	}
	if header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > signatureTolerance || d < -signatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}
