package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ihmeuw-scicomp/jobmon/db"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
	"github.com/ihmeuw-scicomp/jobmon/queue"
	"github.com/ihmeuw-scicomp/jobmon/swarm"
	"github.com/ihmeuw-scicomp/jobmon/version"
	"github.com/ihmeuw-scicomp/jobmon/workflow"
)

var (
	runFile      string
	runTimeout   time.Duration
	runFailFast  bool
	runResume    string
	runPoll      time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bind a YAML workflow and drive it to completion",
	Long: `Binds the workflow definition, opens a workflow run and attaches a run
controller that drives the workflow until it rolls up terminal. Requires
direct database access; task execution itself is performed by whichever
distributor serves the deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runFile == "" {
			return usageErrorf("--file is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURI == "" {
			return usageErrorf("--database-uri is required")
		}
		mode := db.ResumeMode(runResume)
		if mode != db.ResumeHot && mode != db.ResumeCold {
			return usageErrorf("--resume must be hot or cold, got %q", runResume)
		}

		def, err := workflow.Load(runFile)
		if err != nil {
			return usageErrorf("%v", err)
		}
		bindReq, err := def.BindRequest()
		if err != nil {
			return usageErrorf("%v", err)
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

		result, err := store.BindWorkflow(ctx, *bindReq, cfg.DefaultMaxConcurrentlyRunning)
		if err != nil {
			return err
		}
		fmt.Printf("workflow %d bound (created=%v, resume_required=%v)\n",
			result.Workflow.ID, result.Created, result.ResumeRequired)

		run, err := transitions.CreateWorkflowRun(ctx, result.Workflow.ID, username, version.Version, mode)
		if err != nil {
			return err
		}
		fmt.Printf("workflow run %d opened\n", run.ID)

		// Push-based terminal events shorten the poll loop when a broker is
		// configured; without one the controller relies on polling alone.
		var events <-chan db.TaskInstanceEvent
		if cfg.RabbitURL != "" {
			sub, err := queue.NewEventSubscriberWithDialer(cfg.RabbitURL, cfg.EventQueueName, queue.RealDialer{})
			if err != nil {
				return fmt.Errorf("failed to connect event subscriber: %w", err)
			}
			defer sub.Close()
			events, err = sub.Events(ctx, result.Workflow.ID)
			if err != nil {
				return err
			}
		}

		controller := swarm.New(store, transitions, result.Workflow.ID, run.ID, swarm.Config{
			PollInterval: runPoll,
			Timeout:      runTimeout,
			FailFast:     runFailFast,
		}, events)
		final, err := controller.Run(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("workflow %d finished with status %s\n", result.Workflow.ID, final)
		if final == fsm.WFFailed {
			fatal, err := store.FatalTasks(ctx, result.Workflow.ID)
			if err == nil {
				for _, ft := range fatal {
					fmt.Printf("  fatal task %d (%s): %s %s\n", ft.TaskID, ft.Name, ft.FatalReason, ft.LastError)
				}
			}
			return fmt.Errorf("workflow failed")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "workflow definition file")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "controller lifetime (0 = unlimited)")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "stop on the first fatal task")
	runCmd.Flags().StringVar(&runResume, "resume", "hot", "resume mode when a prior run exists (hot or cold)")
	runCmd.Flags().DurationVar(&runPoll, "poll-interval", 10*time.Second, "controller poll interval")
	RootCmd.AddCommand(runCmd)
}
