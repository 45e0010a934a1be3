package router

import (
	"net/http"

	"pixshift/internal/api/v1/handler"
	"pixshift/internal/config"
	"pixshift/internal/metrics"
	"pixshift/internal/middleware"
	"pixshift/internal/service"
	"pixshift/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Deps are the services the API exposes.
type Deps struct {
	Ledger          service.LedgerService
	Usage           service.UsageService
	Billing         service.BillingService
	Transformations service.TransformationService
	Retention       service.RetentionService
	Uploads         service.UploadService
	Users           service.UserService
	Storage         storage.Storage
	Metrics         *metrics.Metrics
}

func New(cfg *config.Config, deps Deps, logger zerolog.Logger) http.Handler {
	validate := validator.New(validator.WithRequiredStructEnabled())

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, logger)
	operatorMiddleware := middleware.OperatorMiddleware(cfg.OperatorToken, logger)

	// Create a subrouter for API v1 with the /v1 prefix
	apiV1Mux := http.NewServeMux()
	handler.NewUserHandler(deps.Users, validate, logger).RegisterRoutes(apiV1Mux, authMiddleware)
	handler.NewUploadHandler(deps.Uploads, cfg.MaxUploadSize(), logger).RegisterRoutes(apiV1Mux, authMiddleware)
	handler.NewTransformationHandler(deps.Transformations, deps.Retention, validate, logger).RegisterRoutes(apiV1Mux, authMiddleware)
	handler.NewUsageHandler(deps.Ledger, deps.Usage, logger).RegisterRoutes(apiV1Mux, authMiddleware)
	handler.NewBillingHandler(deps.Billing, validate, logger).RegisterRoutes(apiV1Mux, authMiddleware)
	handler.NewAdminHandler(deps.Retention, validate, logger).RegisterRoutes(apiV1Mux, operatorMiddleware)
	// Only the local backend needs the API to serve bytes; S3 URLs are presigned by AWS.
	if verifier, ok := deps.Storage.(handler.SignatureVerifier); ok {
		handler.NewImageHandler(deps.Storage, verifier, logger).RegisterRoutes(apiV1Mux)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	logger.Info().Msg("Router initialized")
	return middleware.LoggerMiddleware(logger, deps.Metrics)(c.Handler(mux))
}
