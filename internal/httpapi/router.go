// Package httpapi exposes the ledger over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"credit_ledger/internal/auth"
	"credit_ledger/internal/ledger"
	"credit_ledger/internal/meter"
	"credit_ledger/internal/middleware"
	"credit_ledger/internal/payments"
	"credit_ledger/internal/ratelimit"
	"credit_ledger/internal/utils"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Ledger     *ledger.AccountLedger
	Meter      *meter.UsageMeter
	Applier    *payments.Applier
	Poller     *payments.StatusPoller  // nil disables the reconciliation poll
	Payments   *payments.PaymentQueueWorker
	Reconciler *ledger.Reconciler

	APIKeys   auth.APIKeyStore
	KeyIssuer auth.APIKeyIssuer // nil disables key issuing
	RateLimit ratelimit.Limiter

	WebhookSecret []byte
	JWTSecret     []byte

	// Extra health checks keyed by dependency name
	Health map[string]HealthChecker
}

// NewRouter creates the HTTP handler with every route registered
func NewRouter(deps *Dependencies) http.Handler {
	if deps.RateLimit == nil {
		deps.RateLimit = ratelimit.NewNoopLimiter()
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps)
	return mux
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Health check endpoint - public
	mux.HandleFunc("GET /health", deps.handleHealth)

	// Payment processor webhook - authenticated by signature
	mux.HandleFunc("POST /v1/payments/webhook", deps.handlePaymentWebhook)

	// Account endpoints - protected with API key middleware
	apiKey := middleware.APIKeyMiddleware(deps.APIKeys)
	limited := func(h http.HandlerFunc) http.Handler {
		return apiKey(middleware.RateLimitMiddleware(deps.RateLimit)(h))
	}
	mux.Handle("POST /v1/operations", limited(deps.handleOperation))
	mux.Handle("GET /v1/balance", apiKey(http.HandlerFunc(deps.handleBalance)))
	mux.Handle("GET /v1/transactions", apiKey(http.HandlerFunc(deps.handleTransactions)))
	mux.Handle("GET /v1/usage", apiKey(http.HandlerFunc(deps.handleUsage)))
	mux.Handle("POST /v1/payments/{paymentID}/reconcile", apiKey(http.HandlerFunc(deps.handleReconcilePayment)))

	// Admin endpoints - read access needs "viewer", money movement needs "admin"
	viewer := middleware.AdminJWTMiddleware(deps.JWTSecret, auth.RoleViewer)
	admin := middleware.AdminJWTMiddleware(deps.JWTSecret, auth.RoleAdmin)
	mux.Handle("GET /admin/accounts", viewer(http.HandlerFunc(deps.handleAdminListAccounts)))
	mux.Handle("POST /admin/accounts", admin(http.HandlerFunc(deps.handleAdminProvision)))
	mux.Handle("GET /admin/accounts/{accountID}", viewer(http.HandlerFunc(deps.handleAdminGetAccount)))
	mux.Handle("GET /admin/accounts/{accountID}/transactions", viewer(http.HandlerFunc(deps.handleAdminTransactions)))
	mux.Handle("GET /admin/accounts/{accountID}/consistency", viewer(http.HandlerFunc(deps.handleAdminCheckAccount)))
	mux.Handle("POST /admin/accounts/{accountID}/deactivate", admin(http.HandlerFunc(deps.handleAdminDeactivate)))
	mux.Handle("POST /admin/accounts/{accountID}/reactivate", admin(http.HandlerFunc(deps.handleAdminReactivate)))
	mux.Handle("POST /admin/accounts/{accountID}/adjustments", admin(http.HandlerFunc(deps.handleAdminAdjust)))
	mux.Handle("POST /admin/accounts/{accountID}/keys", admin(http.HandlerFunc(deps.handleAdminIssueKey)))
	mux.Handle("GET /admin/transactions/{transactionID}", viewer(http.HandlerFunc(deps.handleAdminGetTransaction)))
	mux.Handle("POST /admin/transactions/{transactionID}/reverse", admin(http.HandlerFunc(deps.handleAdminReverse)))
	mux.Handle("POST /admin/payments", admin(http.HandlerFunc(deps.handleAdminApplyPayment)))
	mux.Handle("GET /admin/payments/dlq", viewer(http.HandlerFunc(deps.handleAdminListDLQ)))
	mux.Handle("POST /admin/payments/dlq/{itemID}/retry", admin(http.HandlerFunc(deps.handleAdminRetryDLQ)))
	mux.Handle("GET /admin/reconcile", viewer(http.HandlerFunc(deps.handleAdminLastReport)))
	mux.Handle("POST /admin/reconcile", admin(http.HandlerFunc(deps.handleAdminReconcile)))
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"ledger": "ok"}
	healthy := true
	if err := d.Ledger.Store().Health(ctx); err != nil {
		status["ledger"] = err.Error()
		healthy = false
	}
	for name, check := range d.Health {
		if err := check.Health(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	utils.RespondWithJSON(w, code, status)
}
