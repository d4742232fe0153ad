package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nao-Mk2/cloudwatch-exec-logger/internal/util"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ErrUsage marks errors caused by invalid invocation; callers exit with status 2.
var ErrUsage = errors.New("usage error")

// Options holds CLI options after merging flags, environment and config file.
type Options struct {
	Run             string
	Region          string
	Profile         string
	LogGroup        string
	LogStream       string
	Shell           string
	FailOnSendError bool
	SerializeSends  bool
	SendRetries     int
	Transform       string
	LogLevel        string
	LogFile         string
	ConfigFile      string
}

// envBindings maps option keys to the environment variables that can set them.
var envBindings = map[string]string{
	"run":                "RUN",
	"region":             "AWS_REGION",
	"profile":            "AWS_PROFILE",
	"log-group":          "LOG_GROUP_NAME",
	"log-stream":         "LOG_STREAM_NAME",
	"shell":              "SHELL_PATH",
	"fail-on-send-error": "FAIL_ON_SEND_ERROR",
	"serialize-sends":    "SERIALIZE_SENDS",
	"send-retries":       "SEND_RETRIES",
	"transform":          "MESSAGE_TRANSFORM",
	"log-level":          "LOG_LEVEL",
	"log-file":           "LOG_FILE",
	"config":             "CONFIG_FILE",
}

// NewRootCommand builds the CLI. run is invoked with validated options.
func NewRootCommand(run func(cmd *cobra.Command, opts *Options) error) *cobra.Command {
	v := viper.New()
	opts := &Options{}
	c := &cobra.Command{
		Use:   "cloudwatch-exec-logger [flags] [-- command...]",
		Short: "Run a shell command and ship its output to CloudWatch Logs",
		Long: `cloudwatch-exec-logger runs a command through a shell and sends every stdout and
stderr line to a CloudWatch Logs stream. The log group and log stream are created
when missing before the command starts.

Examples:
  # Script from a flag
  cloudwatch-exec-logger --log-group /ci/build --run "make test"

  # Trailing arguments are joined and run by the shell
  LOG_GROUP_NAME=/ci/build cloudwatch-exec-logger -- ./deploy.sh production

  # Keep running when a log line cannot be delivered
  cloudwatch-exec-logger --log-group /ci/build --fail-on-send-error=false --run ./job.sh`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Load(v, cmd, args, time.Now()); err != nil {
				return err
			}
			return opts.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	c.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	})
	SetupFlags(c)
	return c
}

// SetupFlags registers all option flags on cmd.
func SetupFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("run", "", "Shell script to run (env RUN); trailing arguments take precedence")
	f.String("region", "", "AWS region (env AWS_REGION; falls back to AWS defaults)")
	f.String("profile", "", "AWS shared config profile (env AWS_PROFILE)")
	f.String("log-group", "", "CloudWatch Logs group name (env LOG_GROUP_NAME, required)")
	f.String("log-stream", "", "CloudWatch Logs stream name (env LOG_STREAM_NAME; default YYYY/MM/DD/<uuid>)")
	f.String("shell", "bash", "Shell used to run the script with -c (env SHELL_PATH)")
	f.Bool("fail-on-send-error", true, "Abort the command when a log line cannot be sent (env FAIL_ON_SEND_ERROR)")
	f.Bool("serialize-sends", false, "Send stdout and stderr lines one at a time (env SERIALIZE_SENDS)")
	f.Int("send-retries", 0, "Retries per log line on transient errors; 0 disables (env SEND_RETRIES)")
	f.String("transform", "", "JMESPath expression applied to each line before sending (env MESSAGE_TRANSFORM)")
	f.String("log-level", "info", "Diagnostic log level (env LOG_LEVEL)")
	f.String("log-file", "", "Also write diagnostic logs to this rotating file (env LOG_FILE)")
	f.String("config", "", "Config file (yaml/json/toml) with the same keys as the flags (env CONFIG_FILE)")
}

// Load merges flags, environment and the optional config file into o.
// Precedence: flags, then environment, then config file, then flag defaults.
func (o *Options) Load(v *viper.Viper, cmd *cobra.Command, args []string, now time.Time) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}
	if cf := v.GetString("config"); cf != "" {
		v.SetConfigFile(cf)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	o.Run = v.GetString("run")
	o.Region = v.GetString("region")
	o.Profile = v.GetString("profile")
	o.LogGroup = v.GetString("log-group")
	o.LogStream = v.GetString("log-stream")
	o.Shell = v.GetString("shell")
	o.FailOnSendError = v.GetBool("fail-on-send-error")
	o.SerializeSends = v.GetBool("serialize-sends")
	o.SendRetries = v.GetInt("send-retries")
	o.Transform = v.GetString("transform")
	o.LogLevel = v.GetString("log-level")
	o.LogFile = v.GetString("log-file")
	o.ConfigFile = v.GetString("config")

	if len(args) > 0 {
		o.Run = strings.Join(args, " ")
	}
	if o.LogStream == "" {
		o.LogStream = DefaultStreamName(now)
	}
	return nil
}

// Validate checks required options and value ranges.
func (o *Options) Validate() error {
	if strings.TrimSpace(o.LogGroup) == "" {
		return fmt.Errorf("%w: --log-group (or LOG_GROUP_NAME) is required", ErrUsage)
	}
	if strings.TrimSpace(o.Run) == "" {
		return fmt.Errorf("%w: nothing to run; pass --run, RUN or trailing arguments", ErrUsage)
	}
	if o.SendRetries < 0 {
		return fmt.Errorf("%w: --send-retries must be >= 0", ErrUsage)
	}
	if _, err := util.NewTransform(o.Transform); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if o.LogLevel != "" {
		if _, err := logrus.ParseLevel(o.LogLevel); err != nil {
			return fmt.Errorf("%w: --log-level: %v", ErrUsage, err)
		}
	}
	return nil
}

// DefaultStreamName returns "YYYY/MM/DD/<uuid>" for the UTC date of now.
func DefaultStreamName(now time.Time) string {
	return now.UTC().Format("2006/01/02") + "/" + uuid.NewString()
}
