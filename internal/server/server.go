package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/internal/config"
	creditgrantdomain "github.com/smallbiznis/billcore/internal/creditgrant/domain"
	creditnotedomain "github.com/smallbiznis/billcore/internal/creditnote/domain"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	entitlementdomain "github.com/smallbiznis/billcore/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/observability"
	obslogger "github.com/smallbiznis/billcore/internal/observability/logger"
	obstracing "github.com/smallbiznis/billcore/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/billcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Params struct {
	fx.In

	Engine        *gin.Engine
	Customers     customerdomain.Service
	Subscriptions subscriptiondomain.Service
	Invoices      invoicedomain.Service
	Wallets       walletdomain.Service
	CreditGrants  creditgrantdomain.Service
	CreditNotes   creditnotedomain.Service
	Payments      paymentdomain.Service
	Catalog       catalogdomain.Service
	Entitlements  entitlementdomain.Service
	Usage         usagedomain.Service
	Audit         auditdomain.Service `optional:"true"`
	Config        config.Config       `optional:"true"`
}

type Server struct {
	engine          *gin.Engine
	customerSvc     customerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	walletSvc       walletdomain.Service
	creditGrantSvc  creditgrantdomain.Service
	creditNoteSvc   creditnotedomain.Service
	paymentSvc      paymentdomain.Service
	catalogSvc      catalogdomain.Service
	entitlementSvc  entitlementdomain.Service
	usageSvc        usagedomain.Service
	auditSvc        auditdomain.Service
	defaultOrgID    int64
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:          p.Engine,
		customerSvc:     p.Customers,
		subscriptionSvc: p.Subscriptions,
		invoiceSvc:      p.Invoices,
		walletSvc:       p.Wallets,
		creditGrantSvc:  p.CreditGrants,
		creditNoteSvc:   p.CreditNotes,
		paymentSvc:      p.Payments,
		catalogSvc:      p.Catalog,
		entitlementSvc:  p.Entitlements,
		usageSvc:        p.Usage,
		auditSvc:        p.Audit,
		defaultOrgID:    p.Config.DefaultOrgID,
	}
	s.RegisterAPIRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/v1")
	api.Use(OrgContext(s.defaultOrgID))

	customers := api.Group("/customers")
	{
		customers.POST("", s.CreateCustomer)
		customers.GET("", s.ListCustomers)
		customers.GET("/search", s.SearchCustomers)
		customers.GET("/lookup", s.LookupCustomer)
		customers.GET("/:id", s.GetCustomerByID)
		customers.PATCH("/:id", s.UpdateCustomer)
		customers.DELETE("/:id", s.DeleteCustomer)
		customers.GET("/:id/entitlements", s.ListCustomerEntitlements)
		customers.GET("/:id/invoice-preview", s.PreviewCustomerInvoices)
	}

	subscriptions := api.Group("/subscriptions")
	{
		subscriptions.POST("", s.CreateSubscription)
		subscriptions.GET("", s.ListSubscriptions)
		subscriptions.GET("/search", s.SearchSubscriptions)
		subscriptions.GET("/:id", s.GetSubscriptionByID)
		subscriptions.POST("/:id/activate", s.ActivateSubscription)
		subscriptions.POST("/:id/pause", s.PauseSubscription)
		subscriptions.POST("/:id/resume", s.ResumeSubscription)
		subscriptions.POST("/:id/cancel", s.CancelSubscription)
		subscriptions.POST("/:id/change", s.ChangeSubscription)
		subscriptions.POST("/:id/addons", s.AddSubscriptionAddon)
		subscriptions.DELETE("/:id/addons/:addon_id", s.RemoveSubscriptionAddon)
		subscriptions.POST("/:id/usage", s.ReportSubscriptionUsage)
		subscriptions.GET("/:id/preview", s.PreviewSubscriptionInvoice)
		subscriptions.GET("/:id/credit-grant-applications", s.ListCreditGrantApplications)
	}

	invoices := api.Group("/invoices")
	{
		invoices.POST("", s.CreateInvoice)
		invoices.GET("", s.ListInvoices)
		invoices.GET("/search", s.SearchInvoices)
		invoices.GET("/preview", s.PreviewInvoice)
		invoices.GET("/:id", s.GetInvoiceByID)
		invoices.PATCH("/:id", s.UpdateInvoice)
		invoices.POST("/:id/finalize", s.FinalizeInvoice)
		invoices.POST("/:id/void", s.VoidInvoice)
		invoices.POST("/:id/apply-payment", s.ApplyInvoicePayment)
		invoices.POST("/:id/payments", s.RecordInvoicePayment)
	}

	wallets := api.Group("/wallets")
	{
		wallets.POST("", s.CreateWallet)
		wallets.GET("", s.ListWallets)
		wallets.GET("/search", s.SearchWallets)
		wallets.GET("/:id", s.GetWalletByID)
		wallets.GET("/:id/balance", s.GetWalletBalance)
		wallets.POST("/:id/close", s.CloseWallet)
		wallets.POST("/:id/top-up", s.TopUpWallet)
		wallets.POST("/:id/debit", s.DebitWallet)
		wallets.GET("/:id/transactions", s.ListWalletTransactions)
	}

	grants := api.Group("/credit-grants")
	{
		grants.POST("", s.CreateCreditGrant)
		grants.GET("", s.ListCreditGrants)
		grants.GET("/:id", s.GetCreditGrantByID)
		grants.PATCH("/:id", s.UpdateCreditGrant)
		grants.DELETE("/:id", s.DeleteCreditGrant)
	}

	notes := api.Group("/credit-notes")
	{
		notes.POST("", s.CreateCreditNote)
		notes.GET("", s.ListCreditNotes)
		notes.GET("/:id", s.GetCreditNoteByID)
		notes.POST("/:id/finalize", s.FinalizeCreditNote)
	}

	payments := api.Group("/payments")
	{
		payments.POST("", s.CreatePayment)
		payments.GET("", s.ListPayments)
		payments.GET("/:id", s.GetPaymentByID)
		payments.PATCH("/:id", s.UpdatePayment)
		payments.POST("/:id/process", s.ProcessPayment)
		payments.DELETE("/:id", s.DeletePayment)
	}

	plans := api.Group("/plans")
	{
		plans.POST("", s.CreatePlan)
		plans.GET("", s.ListPlans)
		plans.GET("/:id", s.GetPlanByID)
		plans.PATCH("/:id", s.UpdatePlan)
		plans.GET("/:id/prices", s.ListPlanPrices)
		plans.GET("/:id/entitlements", s.ListPlanEntitlements)
	}

	prices := api.Group("/prices")
	{
		prices.POST("", s.CreatePrice)
		prices.GET("/:id", s.GetPriceByID)
		prices.PATCH("/:id", s.UpdatePrice)
	}

	features := api.Group("/features")
	{
		features.POST("", s.CreateFeature)
		features.GET("", s.ListFeatures)
		features.GET("/:id", s.GetFeatureByID)
		features.PATCH("/:id", s.UpdateFeature)
	}

	entitlements := api.Group("/entitlements")
	{
		entitlements.POST("", s.CreateEntitlement)
		entitlements.PATCH("/:id", s.UpdateEntitlement)
		entitlements.GET("/check", s.CheckEntitlement)
	}

	api.GET("/usage-events", s.ListUsageEvents)
	if s.auditSvc != nil {
		api.GET("/audit-logs", s.ListAuditLogs)
	}
}
