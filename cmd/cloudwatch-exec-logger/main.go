package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Nao-Mk2/cloudwatch-exec-logger/internal/client"
	"github.com/Nao-Mk2/cloudwatch-exec-logger/internal/logging"
	"github.com/Nao-Mk2/cloudwatch-exec-logger/internal/runner"
	"github.com/Nao-Mk2/cloudwatch-exec-logger/internal/shipper"
	"github.com/Nao-Mk2/cloudwatch-exec-logger/internal/sink"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nao-Mk2/cloudwatch-exec-logger/cmd"
)

// deps holds the pieces of run that talk to the outside world.
type deps struct {
	// newLogs returns the CloudWatch Logs API and the region it resolved.
	newLogs func(ctx context.Context, opts *cmd.Options) (sink.LogsAPI, string, error)
	runner  runner.Runner
	stdout  io.Writer
	stderr  io.Writer
}

func defaultDeps() deps {
	return deps{
		newLogs: awsLogs,
		runner:  runner.Local{},
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}
}

func awsLogs(ctx context.Context, opts *cmd.Options) (sink.LogsAPI, string, error) {
	cwOpts := client.NewCloudWatchOptions(client.AuthOptions{Region: opts.Region, Profile: opts.Profile})
	cw, err := client.NewCloudWatchClient(ctx, cwOpts...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create CloudWatch client: %w", err)
	}
	return cw, cw.Options().Region, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], defaultDeps())
	stop()
	os.Exit(code)
}

// execute runs the CLI with args and returns the process exit code: the
// command's own code, 1 on tool errors, 2 on usage errors.
func execute(ctx context.Context, args []string, d deps) int {
	exitCode := 0
	root := cmd.NewRootCommand(func(c *cobra.Command, opts *cmd.Options) error {
		code, err := run(c.Context(), opts, d)
		exitCode = code
		return err
	})
	root.SetArgs(args)
	root.SetOut(d.stdout)
	root.SetErr(d.stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, cmd.ErrUsage) {
			fmt.Fprintln(d.stderr, "error:", err)
			fmt.Fprintln(d.stderr, root.UsageString())
			return 2
		}
		log.WithError(err).Error("cloudwatch-exec-logger failed")
		return 1
	}
	return exitCode
}

// run provisions the destination, then runs the command while shipping its
// output. It returns the command's exit code.
func run(ctx context.Context, opts *cmd.Options, d deps) (int, error) {
	closer, err := logging.Setup(logging.Config{Level: opts.LogLevel, File: opts.LogFile}, d.stderr)
	if err != nil {
		return 1, err
	}
	defer closer.Close()

	api, region, err := d.newLogs(ctx, opts)
	if err != nil {
		return 1, err
	}

	dest := sink.Destination{Region: region, Group: opts.LogGroup, Stream: opts.LogStream}
	sinkOpts := []sink.Option{sink.WithRetry(opts.SendRetries)}
	if opts.SerializeSends {
		sinkOpts = append(sinkOpts, sink.WithSerializedSends())
	}
	s := sink.New(api, dest, sinkOpts...)

	log.WithFields(log.Fields{"region": dest.Region, "group": dest.Group, "stream": dest.Stream}).Info("Preparing log destination")
	if err := s.Initialize(ctx); err != nil {
		return 1, err
	}

	sh, err := shipper.New(s, d.runner, shipper.Options{
		FailOnSendError: opts.FailOnSendError,
		Transform:       opts.Transform,
		Stdout:          d.stdout,
		Stderr:          d.stderr,
	})
	if err != nil {
		return 1, err
	}
	res, err := sh.Run(ctx, runner.Command{Shell: opts.Shell, Script: opts.Run})
	if err != nil {
		return 1, err
	}
	return res.ExitCode, nil
}
