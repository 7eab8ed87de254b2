package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ihmeuw-scicomp/jobmon/db"
	"github.com/ihmeuw-scicomp/jobmon/reaper"
)

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Run the standalone heartbeat reaper",
	Long: `Runs the liveness scanner as its own process. A database lease row
elects exactly one active reaper per deployment, so running several for
redundancy is safe.`,
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
		transitions := db.NewTransitionService(store, nil, db.HeartbeatConfig{
			Interval:     cfg.HeartbeatInterval,
			ReportFactor: cfg.HeartbeatReportFactor,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r := reaper.New(store, transitions, reaper.Config{Interval: cfg.ReaperInterval})
		err = r.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	RootCmd.AddCommand(reaperCmd)
}
