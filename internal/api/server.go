// Package api exposes follow-ups and their settings over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/relance/internal/dispatch"
	"github.com/zulandar/relance/internal/logging"
	"github.com/zulandar/relance/internal/metrics"
	"github.com/zulandar/relance/internal/settings"
	"gorm.io/gorm"
)

// Opts holds the dependencies of the API server.
type Opts struct {
	DB          *gorm.DB
	Settings    *settings.Store
	Coordinator *dispatch.Coordinator
	Metrics     *metrics.Metrics    // optional
	Gatherer    prometheus.Gatherer // serves /metrics; defaults to the global registry
	Log         logrus.FieldLogger
	Now         func() time.Time
	Port        int
}

type server struct {
	db       *gorm.DB
	settings *settings.Store
	coord    *dispatch.Coordinator
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Settings == nil {
		return nil, fmt.Errorf("api: settings store is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("api: coordinator is required")
	}
	s := &server{
		db:       opts.DB,
		settings: opts.Settings,
		coord:    opts.Coordinator,
		log:      opts.Log,
		now:      opts.Now,
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if opts.Metrics != nil {
		router.Use(opts.Metrics.Middleware())
	}

	registerRoutes(router, s)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Log != nil {
		opts.Log.WithField("port", opts.Port).Info("api listening")
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
