package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"nuha.dev/locus/internal/backend/devicefeed"
	"nuha.dev/locus/internal/coordinator"
	"nuha.dev/locus/internal/events"
	"nuha.dev/locus/internal/prompt"
	"nuha.dev/locus/internal/scope"
)

type ApiConfig struct {
	ListenAddr string
	// CurrentTimeout bounds GET /location/current, prompts included.
	CurrentTimeout time.Duration
}

// Deps are the collaborators the API serves. Receivers and History may be nil.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Prompts     *prompt.Queue
	Notifier    *prompt.Notifier
	Foreground  *prompt.Foreground
	Receivers   func() []devicefeed.ReceiverInfo
	History     *events.History
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	deps   Deps
	log    zerolog.Logger
	vld    *validator.Validate

	// lifetime of sessions started over plain HTTP
	scope *scope.Scope
}

func NewApi(deps Deps, config *ApiConfig, logger zerolog.Logger) *Api {
	if config.CurrentTimeout <= 0 {
		config.CurrentTimeout = time.Minute
	}
	api := &Api{config: config, deps: deps}
	api.log = logger.With().Str("module", "api").Logger()
	api.vld = validator.New()
	api.scope = scope.New()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(api.requestLog)
	r.Use(middleware.Recoverer)

	r.Route("/location", func(r chi.Router) {
		r.Post("/start", api.startLocation)
		r.Post("/stop", api.stopLocation)
		r.Get("/current", api.currentLocation)
		r.Get("/stream", api.stream)
	})
	r.Get("/prompts", api.listPrompts)
	r.Post("/prompts/{id}", api.answerPrompt)
	r.Get("/notifications", api.listNotifications)
	r.Post("/notifications/{id}/tap", api.tapNotification)
	r.Get("/state", api.state)
	r.Get("/receivers", api.receivers)
	r.Get("/events", api.events)

	api.r = r
	api.s = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until Shutdown. It returns nil after a clean shutdown.
func (api *Api) Run() error {
	api.log.Info().Str("addr", api.config.ListenAddr).Msg("api listening")
	err := api.s.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server and ends every HTTP-started subscription.
func (api *Api) Shutdown(ctx context.Context) error {
	api.scope.Destroy()
	return api.s.Shutdown(ctx)
}

func (api *Api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		api.log.Debug().
			Str("req", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
