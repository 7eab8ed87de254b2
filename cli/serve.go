package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ihmeuw-scicomp/jobmon/api"
	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/db"
	jobmonhttp "github.com/ihmeuw-scicomp/jobmon/http"
	"github.com/ihmeuw-scicomp/jobmon/queue"
	"github.com/ihmeuw-scicomp/jobmon/reaper"
	"github.com/ihmeuw-scicomp/jobmon/version"
)

var serveWithReaper bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the central jobmon HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURI == "" {
			return usageErrorf("--database-uri is required")
		}

		gdb, err := db.Connect(cfg.DatabaseURI)
		if err != nil {
			return err
		}
		if err := db.Migrate(gdb); err != nil {
			return err
		}
		store := db.NewStore(gdb)

		var sink db.EventSink
		if cfg.RabbitURL != "" {
			publisher, err := queue.NewEventPublisher(cfg.RabbitURL, cfg.EventQueueName)
			if err != nil {
				return fmt.Errorf("failed to connect event publisher: %w", err)
			}
			defer publisher.Close()
			sink = publisher
		}

		transitions := db.NewTransitionService(store, sink, db.HeartbeatConfig{
			Interval:     cfg.HeartbeatInterval,
			ReportFactor: cfg.HeartbeatReportFactor,
		})

		var cache *db.StatusCache
		if cfg.RedisURL != "" {
			cache, err = db.NewStatusCache(cfg.RedisURL, 10*time.Second)
			if err != nil {
				return fmt.Errorf("failed to connect status cache: %w", err)
			}
			defer cache.Close()
		}

		serverConfig := jobmonhttp.DefaultServerConfig()
		serverConfig.Port = cfg.Port
		e := jobmonhttp.NewEchoServer(serverConfig)
		api.SetupRoutes(e, &api.Handlers{
			Store:       store,
			Transitions: transitions,
			Cache:       cache,
			Config:      cfg,
			Version:     version.Version,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if serveWithReaper {
			r := reaper.New(store, transitions, reaper.Config{Interval: cfg.ReaperInterval})
			go func() {
				if err := r.Run(ctx); err != nil && ctx.Err() == nil {
					common.Logger.WithError(err).Error("reaper stopped")
				}
			}()
		}

		errCh := make(chan error, 1)
		go func() {
			if err := jobmonhttp.StartServer(e, serverConfig); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		return jobmonhttp.GracefulShutdown(e, serverConfig.ShutdownTimeout)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithReaper, "with-reaper", true, "run the reaper inside the server process")
	RootCmd.AddCommand(serveCmd)
}
