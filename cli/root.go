// Package cli wires the jobmon command tree: the central server, the
// reaper, the reference distributor, the in-process run controller, and
// the client-side status and admin commands.
//
// Configuration precedence (highest to lowest): command-line flags,
// JOBMON_* environment variables, the configuration file, built-in
// defaults. Exit codes follow the convention 0 success, 1 transient error,
// 2 usage error.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/config"
	"github.com/ihmeuw-scicomp/jobmon/version"
)

const (
	exitOK        = 0
	exitTransient = 1
	exitUsage     = 2
)

var (
	cfgFile   string
	serverURL string
	username  string
)

// RootCmd is the jobmon entry command.
var RootCmd = &cobra.Command{
	Use:           "jobmon",
	Short:         "Workflow orchestration for HPC clusters",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and maps errors to exit codes.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("command failed")
		if isUsageError(err) {
			os.Exit(exitUsage)
		}
		os.Exit(exitTransient)
	}
	os.Exit(exitOK)
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func isUsageError(err error) bool {
	_, ok := err.(*usageError)
	return ok
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.jobmon.yaml)")
	RootCmd.PersistentFlags().StringVar(&serverURL, "server-url", "http://localhost:8070", "jobmon server base URL")
	RootCmd.PersistentFlags().StringVar(&username, "user", os.Getenv("USER"), "username presented to the server")

	RootCmd.PersistentFlags().String("database-uri", "", "postgres DSN")
	RootCmd.PersistentFlags().String("redis-url", "", "redis URL for the status cache")
	RootCmd.PersistentFlags().String("rabbitmq-url", "", "RabbitMQ URL for terminal events")
	RootCmd.PersistentFlags().Int("port", config.DefaultPort, "HTTP listen port")
	RootCmd.PersistentFlags().Duration("heartbeat-interval", config.DefaultHeartbeatInterval, "heartbeat refresh interval")
	RootCmd.PersistentFlags().Duration("reaper-interval", config.DefaultReaperInterval, "reaper scan interval")
	RootCmd.PersistentFlags().Int("max-concurrently-running", config.DefaultMaxConcurrentlyRunning, "default workflow concurrency cap")
	RootCmd.PersistentFlags().Bool("auth-enabled", false, "require JWT bearer authentication")
	RootCmd.PersistentFlags().String("jwt-secret", "", "JWT signing secret")
	RootCmd.PersistentFlags().String("log-level", "info", "log level")
	RootCmd.PersistentFlags().String("log-format", "text", "log format (text or json)")

	viper.BindPFlags(RootCmd.PersistentFlags())
}

// initConfig locates and reads the configuration file.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".jobmon")
	}

	if err := viper.ReadInConfig(); err == nil {
		common.Logger.WithField("file", viper.ConfigFileUsed()).Debug("loaded config file")
	}
}

// loadConfig resolves the typed configuration and applies logger settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, usageErrorf("invalid configuration: %v", err)
	}
	common.ConfigureLogger(common.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, nil
}
