package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billcore/internal/config"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	"github.com/smallbiznis/billcore/internal/observability"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/billcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"github.com/smallbiznis/billcore/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrg = "42"

type fakeCustomerService struct {
	customerdomain.Service

	created customerdomain.CreateCustomerRequest
	orgID   snowflake.ID
}

func (f *fakeCustomerService) Create(ctx context.Context, req customerdomain.CreateCustomerRequest) (customerdomain.Customer, error) {
	f.created = req
	f.orgID, _ = orgcontext.OrgIDFromContext(ctx)
	return customerdomain.Customer{ID: 7, OrgID: f.orgID, Name: req.Name, Email: req.Email}, nil
}

func (f *fakeCustomerService) GetByID(ctx context.Context, id string) (customerdomain.Customer, error) {
	return customerdomain.Customer{}, customerdomain.ErrNotFound
}

type fakeSubscriptionService struct {
	subscriptiondomain.Service

	cancelErr error
	cancel    subscriptiondomain.CancelRequest
	duplicate bool
}

func (f *fakeSubscriptionService) Cancel(ctx context.Context, req subscriptiondomain.CancelRequest) (subscriptiondomain.Subscription, error) {
	f.cancel = req
	if f.cancelErr != nil {
		return subscriptiondomain.Subscription{}, f.cancelErr
	}
	return subscriptiondomain.Subscription{Status: subscriptiondomain.StatusCanceled}, nil
}

func (f *fakeSubscriptionService) ReportUsage(ctx context.Context, req subscriptiondomain.ReportUsageRequest) (usagedomain.IngestResult, error) {
	return usagedomain.IngestResult{Duplicate: f.duplicate}, nil
}

type fakeWalletService struct {
	walletdomain.Service
	err error
}

func (f *fakeWalletService) Debit(ctx context.Context, req walletdomain.TransactionRequest) (walletdomain.Transaction, error) {
	return walletdomain.Transaction{}, f.err
}

type fakePaymentService struct {
	paymentdomain.Service
	err error
}

func (f *fakePaymentService) Process(ctx context.Context, id string) (paymentdomain.Payment, error) {
	return paymentdomain.Payment{}, f.err
}

type testServer struct {
	server        *Server
	customers     *fakeCustomerService
	subscriptions *fakeSubscriptionService
	wallets       *fakeWalletService
	payments      *fakePaymentService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		customers:     &fakeCustomerService{},
		subscriptions: &fakeSubscriptionService{},
		wallets:       &fakeWalletService{},
		payments:      &fakePaymentService{},
	}
	ts.server = NewServer(Params{
		Engine:        NewEngine(observability.Config{}),
		Customers:     ts.customers,
		Subscriptions: ts.subscriptions,
		Wallets:       ts.wallets,
		Payments:      ts.payments,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderOrg, testOrg)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func errorType(payload map[string]any) string {
	e, _ := payload["error"].(map[string]any)
	s, _ := e["type"].(string)
	return s
}

func TestRequestsWithoutOrganizationAreRejected(t *testing.T) {
	ts := newTestServer(t)

	rec, payload := ts.do(t, http.MethodGet, "/v1/customers/7", "", map[string]string{HeaderOrg: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorType(payload))

	rec, _ = ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDefaultOrganizationAppliesWithoutHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	customers := &fakeCustomerService{}
	srv := NewServer(Params{
		Engine:    NewEngine(observability.Config{}),
		Customers: customers,
		Config:    config.Config{DefaultOrgID: 99},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/customers", strings.NewReader(`{"name":"Acme","email":"a@acme.test","currency":"USD"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snowflake.ID(99), customers.orgID)
}

func TestCreateCustomerPassesOrganizationAndIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)

	rec, payload := ts.do(t, http.MethodPost, "/v1/customers",
		`{"name":"  Acme  ","email":"billing@acme.test","currency":"USD"}`,
		map[string]string{HeaderIdempotencyKey: "create-acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Acme", ts.customers.created.Name)
	assert.Equal(t, "create-acme", ts.customers.created.IdempotencyKey)
	assert.Equal(t, snowflake.ID(42), ts.customers.orgID)

	data, _ := payload["data"].(map[string]any)
	assert.Equal(t, "Acme", data["name"])
}

func TestMalformedRequestsAreValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	rec, payload := ts.do(t, http.MethodPost, "/v1/customers", `{"name":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorType(payload))

	rec, _ = ts.do(t, http.MethodGet, "/v1/customers/not-an-id", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid state", subscriptiondomain.ErrNotActive, http.StatusConflict, "invalid_state"},
		{"not found", subscriptiondomain.ErrNotFound, http.StatusNotFound, "not_found"},
		{"conflict", errs.Conflict("idempotency_key_reused"), http.StatusConflict, "conflict"},
		{"validation", errs.Validation("invalid_mode"), http.StatusBadRequest, "validation_error"},
		{"unclassified", assert.AnError, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.subscriptions.cancelErr = tc.err

			rec, payload := ts.do(t, http.MethodPost, "/v1/subscriptions/9/cancel", "", nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.kind, errorType(payload))
		})
	}
}

func TestCancelAcceptsEmptyBody(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/v1/subscriptions/9/cancel", "", map[string]string{HeaderIdempotencyKey: "cancel-9"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9", ts.subscriptions.cancel.ID)
	assert.Equal(t, "cancel-9", ts.subscriptions.cancel.IdempotencyKey)

	rec, _ = ts.do(t, http.MethodPost, "/v1/subscriptions/9/cancel", `{"mode":"END_OF_PERIOD"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, subscriptiondomain.ModeEndOfPeriod, ts.subscriptions.cancel.Mode)
}

func TestMoneyErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t)

	ts.wallets.err = walletdomain.ErrInsufficientBalance
	rec, payload := ts.do(t, http.MethodPost, "/v1/wallets/5/debit", `{"amount":100}`, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_balance", errorType(payload))

	ts.wallets.err = errs.Overpayment("amount_exceeds_due")
	rec, _ = ts.do(t, http.MethodPost, "/v1/wallets/5/debit", `{"amount":100}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	ts.payments.err = errs.Dependency("gateway_timeout")
	rec, payload = ts.do(t, http.MethodPost, "/v1/payments/3/process", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "dependency_error", errorType(payload))
}

func TestReportUsageStatusReflectsDuplicates(t *testing.T) {
	ts := newTestServer(t)
	body := `{"event_id":"evt-1","feature_code":"api_calls","quantity":"3"}`

	rec, _ := ts.do(t, http.MethodPost, "/v1/subscriptions/9/usage", body, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	ts.subscriptions.duplicate = true
	rec, _ = ts.do(t, http.MethodPost, "/v1/subscriptions/9/usage", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidationErrorNamesField(t *testing.T) {
	status, payload := mapError(errs.Validation("invalid_currency"))
	assert.Equal(t, http.StatusBadRequest, status)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "currency", payload.Errors[0].Field)
	assert.Equal(t, "invalid_currency", payload.Errors[0].Code)
}
