package payments

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-scheduler/internal/http/respond"
	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

const fakeSessionPrefix = "fake:"

// FakeGateway is a dev/demo gateway that issues internal URLs and treats
// every session it issued as paid.
//
// This MUST be gated by configuration (ALLOW_FAKE_PAYMENTS) and should never be
// enabled in production.
type FakeGateway struct {
	publicBaseURL string
	logger        *logging.Logger
}

func NewFakeGateway(publicBaseURL string, logger *logging.Logger) *FakeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeGateway{
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		logger:        logger,
	}
}

func (g *FakeGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if params.AppointmentID == "" {
		return nil, scheduling.Validation("fake checkout requires an appointment id")
	}
	if g.publicBaseURL == "" {
		return nil, fmt.Errorf("payments: fake checkout requires PUBLIC_BASE_URL")
	}
	if !isValidBaseURL(g.publicBaseURL) {
		return nil, fmt.Errorf("payments: fake checkout PUBLIC_BASE_URL must be an absolute http(s) URL")
	}
	g.logger.Warn("fake checkout session issued", "appointment_id", params.AppointmentID, "amount_cents", params.AmountCents)
	return &CheckoutSession{
		ID:  fakeSessionPrefix + params.AppointmentID,
		URL: fmt.Sprintf("%s/payments/fake/%s", g.publicBaseURL, url.PathEscape(params.AppointmentID)),
	}, nil
}

func (g *FakeGateway) Confirm(ctx context.Context, sessionID string) (bool, error) {
	return strings.HasPrefix(sessionID, fakeSessionPrefix), nil
}

func isValidBaseURL(value string) bool {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}

// FakeCheckoutPage is the landing URL FakeGateway hands out. Visiting it
// completes the payment, standing in for the provider redirect and webhook.
type FakeCheckoutPage struct {
	appts  appointmentService
	logger *logging.Logger
}

func NewFakeCheckoutPage(appts appointmentService, logger *logging.Logger) *FakeCheckoutPage {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeCheckoutPage{appts: appts, logger: logger.Component("payments")}
}

// ServeHTTP handles GET /payments/fake/{appointmentID}
func (p *FakeCheckoutPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "appointmentID"))
	if id == "" {
		respond.Error(w, p.logger, scheduling.Validation("appointment id is required"))
		return
	}
	current, err := p.appts.Get(r.Context(), id)
	if err != nil {
		respond.Error(w, p.logger, err)
		return
	}
	sessionID := fakeSessionPrefix + id
	if current.PaymentSessionID != sessionID {
		respond.Error(w, p.logger, scheduling.Validation("appointment %s has no fake checkout session", id))
		return
	}
	appt, err := p.appts.ConfirmPaymentSession(r.Context(), id, sessionID, true)
	if err != nil {
		respond.Error(w, p.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, appt)
}
