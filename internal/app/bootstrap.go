package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/controller"
	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// App holds the wired components shared by the server and worker binaries.
type App struct {
	Config config.Config
	Log    zerolog.Logger

	DB         *db.DB
	Campaigns  repository.CampaignRepositoryInterface
	Deliveries repository.DeliveryLogRepositoryInterface

	Gateway    gateway.Client
	Gate       *service.HealthGate
	Dispatcher *service.Dispatcher
	Reconciler *service.Reconciler
	Queue      queue.Queue
	Service    *service.CampaignService
	Worker     *service.Worker
}

// Bootstrap opens storage, the gateway client and the queue. With no AMQP
// URL configured the in-memory queue is used and the worker must run in the
// same process.
func Bootstrap(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}

	if cfg.Gateway.Mock {
		log.Warn().Float64("failure_rate", cfg.Gateway.MockFailureRate).Msg("using mock gateway")
		a.Gateway = gateway.NewMockClient(cfg.Gateway.MockFailureRate)
	} else {
		a.Gateway = gateway.NewHTTPClient(cfg.Gateway, &http.Client{}, log)
	}

	a.Gate = service.NewHealthGate(a.Gateway, cfg.Gateway.ProbeTimeout, log)
	a.Dispatcher = service.NewDispatcher(a.Gateway, a.Deliveries, a.Gate, log,
		service.WithCampaignFinisher(a.Campaigns))
	a.Reconciler = service.NewReconciler(a.Deliveries, log)

	if cfg.AMQPURL != "" {
		q, err := queue.DialAMQP(cfg.AMQPURL, queue.DefaultRetryPolicy.MaxRetries, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
	} else {
		a.Queue = queue.NewInMemoryQueue(queue.DefaultRetryPolicy, log)
	}

	rc := RateConfig(cfg)
	a.Service = &service.CampaignService{
		CampaignRepo: a.Campaigns,
		DeliveryRepo: a.Deliveries,
		Dispatcher:   a.Dispatcher,
		Queue:        a.Queue,
		Rate:         rc,
		Log:          log.With().Str("component", "campaign_service").Logger(),
	}
	a.Worker = service.NewWorker(a.Campaigns, a.Dispatcher, rc, log)
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	if a.Config.Storage.Driver == "memory" {
		a.Log.Warn().Msg("using in-memory storage; data is lost on exit")
		a.Campaigns = repository.NewMemoryCampaignRepository()
		a.Deliveries = repository.NewMemoryDeliveryLogRepository()
		return nil
	}
	d, err := db.Open(ctx, a.Config.Storage, a.Log)
	if err != nil {
		return err
	}
	a.DB = d
	a.Campaigns = repository.NewCampaignRepository(d)
	a.Deliveries = repository.NewDeliveryLogRepository(d)
	return nil
}

// InProcessQueue reports whether jobs are consumed inside this process.
func (a *App) InProcessQueue() bool {
	_, ok := a.Queue.(*queue.InMemoryQueue)
	return ok
}

// RateConfig converts dispatch settings into the dispatcher's throttle.
func RateConfig(cfg config.Config) service.RateConfig {
	return service.RateConfig{
		PerSecond:              cfg.Dispatch.RatePerSecond,
		Burst:                  cfg.Dispatch.Burst,
		Delay:                  cfg.Dispatch.Delay,
		SendTimeout:            cfg.Gateway.SendTimeout,
		MaxConsecutiveFailures: cfg.Dispatch.MaxConsecutiveFailures,
	}
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.Log))

	campaigns := &controller.CampaignController{CampaignService: a.Service}
	campaigns.Routes(r)

	callbacks := handler.NewCallbackHandler(a.Reconciler, a.Log)
	r.Post("/callbacks/status", callbacks.StatusCallback)

	health := &handler.HealthHandler{Gate: a.Gate}
	r.Get("/healthz", health.Healthz)
	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("http request")
		})
	}
}

// Close releases the queue and the database.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}
