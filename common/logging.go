// Package common provides centralized logging infrastructure and the typed
// domain errors shared by every jobmon service component.
//
// The logging system is built on logrus for structured logging with custom
// output handling: error-level lines are routed to stderr while other levels
// go to stdout, enabling proper stream separation for containerized and
// scripted environments. All core components attach run-control identifiers
// (workflow_run_id, task_instance_id, ...) as structured fields so that log
// aggregation can correlate records without parsing message text.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity level. It examines the final formatted output for the
// "level=error" marker produced by the logrus text and JSON formatters,
// so it composes with either format.
type OutputSplitter struct{}

// Write implements io.Writer and selects the destination stream.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance used across jobmon components.
// Services should use this logger (or entries derived from it) to ensure
// uniform output handling and formatting.
var Logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{})
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.InfoLevel)
	return logger
}

// LoggerConfig contains configuration for tuning the global logger.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // "json" or "text"
}

// ConfigureLogger applies a LoggerConfig to the global logger. Unknown
// levels fall back to info; unknown formats fall back to text.
func ConfigureLogger(config LoggerConfig) {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	Logger.SetLevel(level)

	if config.Format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// RunContext carries the run-control identifiers attached to every core log
// record. Zero-valued fields are omitted from the output.
type RunContext struct {
	WorkflowID     int64
	WorkflowRunID  int64
	TaskID         int64
	TaskInstanceID int64
}

// Fields converts a RunContext into logrus fields, skipping unset ids.
func (rc RunContext) Fields() logrus.Fields {
	fields := logrus.Fields{}
	if rc.WorkflowID != 0 {
		fields["workflow_id"] = rc.WorkflowID
	}
	if rc.WorkflowRunID != 0 {
		fields["workflow_run_id"] = rc.WorkflowRunID
	}
	if rc.TaskID != 0 {
		fields["task_id"] = rc.TaskID
	}
	if rc.TaskInstanceID != 0 {
		fields["task_instance_id"] = rc.TaskInstanceID
	}
	return fields
}

// LogEntry returns a logger entry carrying the run-control fields.
func (rc RunContext) LogEntry() *logrus.Entry {
	return Logger.WithFields(rc.Fields())
}
