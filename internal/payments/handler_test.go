package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scheduler/internal/appointments"
	"github.com/wolfman30/clinic-scheduler/internal/http/middleware"
	"github.com/wolfman30/clinic-scheduler/internal/notify"
	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

type stubGateway struct {
	session    *CheckoutSession
	createErr  error
	paid       bool
	confirmErr error
	confirmed  []string
}

func (g *stubGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	return g.session, nil
}

func (g *stubGateway) Confirm(ctx context.Context, sessionID string) (bool, error) {
	g.confirmed = append(g.confirmed, sessionID)
	return g.paid, g.confirmErr
}

var patientPrincipal = middleware.Principal{ID: "pat-1", Role: middleware.RolePatient}

func serve(h *Handler, method, path, body string, p middleware.Principal) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Routes(r)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(middleware.WithPrincipal(req.Context(), p))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCheckoutThenVerify(t *testing.T) {
	b := newBooking(t)
	appt := b.book(t, "10:00 AM", "")
	gw := &stubGateway{session: &CheckoutSession{ID: "cs_1", URL: "https://pay.example.com/cs_1"}, paid: true}
	h := NewHandler(b.svc, gw, nil)

	rec := serve(h, http.MethodPost, "/appointments/"+appt.ID+"/checkout", "", patientPrincipal)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp checkoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cs_1", resp.SessionID)
	assert.Equal(t, int64(100000), resp.AmountCents)

	rec = serve(h, http.MethodPost, "/payments/verify", `{"appointment_id":"`+appt.ID+`","success":true}`, patientPrincipal)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"cs_1"}, gw.confirmed)
	assert.Equal(t, appointments.StatePaid, b.state(t, appt.ID))
	assert.Equal(t, 1, b.dispatcher.Count(notify.SubjectConfirmation))

	rec = serve(h, http.MethodPost, "/payments/verify", `{"appointment_id":"`+appt.ID+`","success":true}`, patientPrincipal)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, b.dispatcher.Count(notify.SubjectConfirmation))

	rec = serve(h, http.MethodPost, "/appointments/"+appt.ID+"/checkout", "", patientPrincipal)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVerifyClaimedSuccessThatGatewayDenies(t *testing.T) {
	b := newBooking(t)
	appt := b.book(t, "10:00 AM", "")
	gw := &stubGateway{paid: false}
	h := NewHandler(b.svc, gw, nil)
	require.NoError(t, b.svc.AttachPaymentSession(context.Background(), appt.ID, "cs_x"))

	rec := serve(h, http.MethodPost, "/payments/verify", `{"appointment_id":"`+appt.ID+`","session_id":"cs_x","success":true}`, patientPrincipal)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appointments.StateCreated, b.state(t, appt.ID))
	assert.Zero(t, b.dispatcher.Count(notify.SubjectConfirmation))
}

func TestVerifyGatewayFailureLeavesCreated(t *testing.T) {
	b := newBooking(t)
	appt := b.book(t, "10:00 AM", "")
	gw := &stubGateway{confirmErr: scheduling.External(errors.New("timeout"), "retrieve session")}
	h := NewHandler(b.svc, gw, nil)
	require.NoError(t, b.svc.AttachPaymentSession(context.Background(), appt.ID, "cs_x"))

	rec := serve(h, http.MethodPost, "/payments/verify", `{"appointment_id":"`+appt.ID+`","session_id":"cs_x","success":true}`, patientPrincipal)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"retryable":true`)
	assert.Equal(t, appointments.StateCreated, b.state(t, appt.ID))
}

func TestCheckoutRejections(t *testing.T) {
	b := newBooking(t)
	covered := b.book(t, "10:00 AM", "pol-full")
	owed := b.book(t, "10:30 AM", "")

	h := NewHandler(b.svc, &stubGateway{createErr: scheduling.External(errors.New("503"), "create checkout session")}, nil)

	rec := serve(h, http.MethodPost, "/appointments/"+covered.ID+"/checkout", "", patientPrincipal)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "nothing to pay")

	rec = serve(h, http.MethodPost, "/appointments/"+owed.ID+"/checkout", "", middleware.Principal{ID: "pat-2", Role: middleware.RolePatient})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(h, http.MethodPost, "/appointments/"+owed.ID+"/checkout", "", patientPrincipal)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, appointments.StateCreated, b.state(t, owed.ID))
}

func TestVerifyZeroAmountNeedsNoGateway(t *testing.T) {
	b := newBooking(t)
	covered := b.book(t, "10:00 AM", "pol-full")
	gw := &stubGateway{}
	h := NewHandler(b.svc, gw, nil)

	rec := serve(h, http.MethodPost, "/payments/verify", `{"appointment_id":"`+covered.ID+`","success":true}`, patientPrincipal)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, gw.confirmed)
	assert.Equal(t, appointments.StatePaid, b.state(t, covered.ID))
}

func TestVerifyRejectsSessionOfAnotherAppointment(t *testing.T) {
	b := newBooking(t)
	paidFor := b.book(t, "10:00 AM", "")
	other := b.book(t, "10:30 AM", "")
	gw := &stubGateway{session: &CheckoutSession{ID: "cs_A", URL: "https://pay.example.com/cs_A"}, paid: true}
	h := NewHandler(b.svc, gw, nil)

	rec := serve(h, http.MethodPost, "/appointments/"+paidFor.ID+"/checkout", "", patientPrincipal)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(h, http.MethodPost, "/payments/verify", `{"appointment_id":"`+other.ID+`","session_id":"cs_A","success":true}`, patientPrincipal)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Empty(t, gw.confirmed)
	assert.Equal(t, appointments.StateCreated, b.state(t, other.ID))

	rec = serve(h, http.MethodPost, "/payments/verify", `{"appointment_id":"`+other.ID+`","success":true}`, patientPrincipal)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no checkout was opened for it")
	assert.Empty(t, gw.confirmed)
	assert.Equal(t, appointments.StateCreated, b.state(t, other.ID))
	assert.Zero(t, b.dispatcher.Count(notify.SubjectConfirmation))
}
