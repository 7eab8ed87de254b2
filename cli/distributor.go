package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ihmeuw-scicomp/jobmon/client"
	"github.com/ihmeuw-scicomp/jobmon/distributor"
)

var (
	distributorWorkers int
	distributorPoll    time.Duration
)

var distributorCmd = &cobra.Command{
	Use:   "distributor",
	Short: "Run the reference multiprocess distributor",
	Long: `Polls the server for instantiated task instances and executes their
commands locally through a worker pool, reporting launch, running and
terminal states back through the coordinator protocol. Serves as the
development stand-in for a batch-scheduler plugin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}

		apiClient := client.New(serverURL, username)
		cfg := distributor.DefaultConfig()
		if distributorWorkers > 0 {
			cfg.Workers = distributorWorkers
		}
		if distributorPoll > 0 {
			cfg.PollInterval = distributorPoll
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d := distributor.New(apiClient, cfg)
		err := d.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	distributorCmd.Flags().IntVar(&distributorWorkers, "workers", 4, "concurrent local executions")
	distributorCmd.Flags().DurationVar(&distributorPoll, "poll-interval", 5*time.Second, "work poll interval")
	RootCmd.AddCommand(distributorCmd)
}
