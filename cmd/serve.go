package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dizel0110/ITMO-sub000/internal/config"
	"github.com/dizel0110/ITMO-sub000/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the marking, additional marking and maintenance jobs on their schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, loader, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		d, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		a, err := newApp(cfg, d, log)
		if err != nil {
			return err
		}
		loader.Watch(log, a.reload)

		priority, _ := cfg.PriorityUserIDs()
		sched := scheduler.New(newGate(cfg, d),
			scheduler.Limits{Soft: cfg.SoftTimeLimit, Hard: cfg.HardTimeLimit},
			log,
			scheduler.Entry{Job: scheduler.NewMarkingJob(d, a.marker, cfg.Batch, priority, log), Interval: cfg.MarkInterval},
			scheduler.Entry{Job: scheduler.NewAdditionalJob(d, a.additional, log), Interval: cfg.AdditionalInterval},
			scheduler.Entry{Job: scheduler.NewMaintenanceJob(d, cfg.ClaimStaleAfter, log), Interval: cfg.MaintenanceInterval},
		)

		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: newRouter(d), ReadHeaderTimeout: 5 * time.Second}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			return sched.Run(gctx)
		})

		log.Info("featuremark started",
			"batch", cfg.Batch,
			"mark_interval", cfg.MarkInterval,
			"additional_interval", cfg.AdditionalInterval,
			"gate", gateName(cfg))
		err = g.Wait()
		log.Info("featuremark stopped")
		return err
	},
}

func gateName(c *config.Config) string {
	if c.RedisAddr != "" {
		return "redis"
	}
	return "sql"
}

// pinger is the health probe of the store.
type pinger interface {
	Ping(ctx context.Context) error
}

// newRouter exposes /metrics and /healthz.
func newRouter(p pinger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
