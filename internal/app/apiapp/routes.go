package apiapp

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vinasLT/carfax-service/internal/config"
	purchasesvc "github.com/vinasLT/carfax-service/internal/services/purchases"
	"github.com/vinasLT/carfax-service/internal/transport/http/handlers"
)

type Dependencies struct {
	PurchaseService *purchasesvc.Service
	ReportAPI       handlers.ReportAPI
	Logger          *zap.Logger
	Config          config.Config
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler()
	carfaxHandler := handlers.NewCarfaxHandler(deps.PurchaseService, deps.ReportAPI, deps.Logger)
	identityMW := IdentityMiddleware(deps.Logger)

	r.Get("/healthz", healthHandler.Get)

	r.Route("/carfax", func(r chi.Router) {
		// The payment service calls the webhook directly, no buyer identity.
		r.Post("/webhook", carfaxHandler.Webhook)

		r.With(identityMW).Post("/buy", carfaxHandler.Buy)
		r.With(identityMW).Get("/my", carfaxHandler.ListMine)
		r.With(identityMW).Get("/{vin}", carfaxHandler.GetByVin)
	})
}
