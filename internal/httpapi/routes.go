package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/jmylchreest/refyne-api/internal/queue"
)

// RouterConfig configures NewRouter's middleware stack and Huma document.
type RouterConfig struct {
	BaseURL               string
	CORSOrigins           []string
	CompletionWaitTimeout time.Duration
}

// NewRouter builds the chi router for the job gateway: request ID/real-IP,
// logging, recovery, CORS, size limits, and per-IP rate limiting, matching
// the teacher's middleware stack, plus one Huma-documented API mounted
// alongside the raw SSE streaming route.
func NewRouter(q *queue.Queue, cfg RouterConfig, logger *slog.Logger) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestSize(1 * 1024 * 1024))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Use(httprate.LimitByIP(100, time.Minute))

	humaConfig := huma.DefaultConfig("Job Gateway API", "1.0.0")
	humaConfig.Info.Description = "Asynchronous job dispatch and event-streaming gateway in front of a synchronous agent-execution backend."
	if cfg.BaseURL != "" {
		humaConfig.Servers = []*huma.Server{{URL: cfg.BaseURL, Description: "API Server"}}
	}

	hiddenConfig := huma.DefaultConfig("Job Gateway API", "1.0.0")
	hiddenConfig.DocsPath = ""
	hiddenConfig.OpenAPIPath = ""
	hiddenConfig.SchemasPath = ""
	hiddenAPI := humachi.New(router, hiddenConfig)
	huma.Register(hiddenAPI, huma.Operation{
		OperationID: "healthz",
		Method:      "GET",
		Path:        "/healthz",
	}, Health)

	api := humachi.New(router, humaConfig)

	h := NewHandler(q, int(cfg.CompletionWaitTimeout.Seconds()), logger)

	huma.Register(api, huma.Operation{
		OperationID: "createJob",
		Method:      "POST",
		Path:        "/v1/jobs",
		Summary:     "Enqueue a chat-completion job",
		Tags:        []string{"Jobs"},
	}, h.CreateJob)

	huma.Register(api, huma.Operation{
		OperationID: "getJobStatus",
		Method:      "GET",
		Path:        "/v1/jobs/{id}",
		Summary:     "Get a job's current status",
		Tags:        []string{"Jobs"},
	}, h.GetStatus)

	// Registered with Huma for OpenAPI documentation only; the live
	// endpoint is served by the raw chi handler below so it can manage
	// its own flushing and write-deadline behavior for SSE.
	huma.Register(api, huma.Operation{
		OperationID: "streamJob",
		Method:      "GET",
		Path:        "/v1/jobs/{id}/stream",
		Summary:     "Stream job events via SSE",
		Tags:        []string{"Jobs"},
	}, func(ctx context.Context, input *GetStatusInput) (*struct{}, error) {
		<-ctx.Done()
		return nil, nil
	})
	router.Get("/v1/jobs/{id}/stream", h.StreamJob)

	return router
}
