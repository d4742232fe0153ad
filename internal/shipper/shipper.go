// Package shipper connects a running command's output to a log sink.
package shipper

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Nao-Mk2/cloudwatch-exec-logger/internal/runner"
	"github.com/Nao-Mk2/cloudwatch-exec-logger/internal/util"

	"github.com/sirupsen/logrus"
)

// Sender accepts log lines. *sink.Sink satisfies it.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Options controls how output is forwarded.
type Options struct {
	// FailOnSendError aborts the command on the first failed send.
	// When false, failed lines are logged and counted as dropped.
	FailOnSendError bool
	// Transform is an optional JMESPath expression applied to each line.
	Transform string
	// Stdout and Stderr receive a local copy of the command output; nil disables.
	Stdout io.Writer
	Stderr io.Writer
	Logger logrus.FieldLogger
}

// Result summarizes a run.
type Result struct {
	ExitCode int
	Sent     int64
	Dropped  int64
}

// Shipper runs a command and forwards every output line to a Sender.
type Shipper struct {
	sender    Sender
	runner    runner.Runner
	opts      Options
	transform *util.Transform
	log       logrus.FieldLogger
}

// New validates opts and returns a Shipper.
func New(sender Sender, r runner.Runner, opts Options) (*Shipper, error) {
	tr, err := util.NewTransform(opts.Transform)
	if err != nil {
		return nil, err
	}
	l := opts.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Shipper{sender: sender, runner: r, opts: opts, transform: tr, log: l}, nil
}

// Run executes c and ships its output. The returned error is non-nil when the
// command could not run or, with FailOnSendError, when a send failed.
func (s *Shipper) Run(ctx context.Context, c runner.Command) (Result, error) {
	var sent, dropped atomic.Int64

	forward := func(stream string, echo io.Writer) func(string) error {
		var mu sync.Mutex
		return func(chunk string) error {
			if echo != nil {
				mu.Lock()
				_, _ = fmt.Fprintln(echo, chunk)
				mu.Unlock()
			}
			if err := s.sender.Send(ctx, s.transform.Apply(chunk)); err != nil {
				if s.opts.FailOnSendError {
					return fmt.Errorf("ship %s line: %w", stream, err)
				}
				dropped.Add(1)
				s.log.WithField("stream", stream).WithError(err).Warn("Dropping log line")
				return nil
			}
			sent.Add(1)
			return nil
		}
	}

	code, err := s.runner.Run(ctx, c, runner.Handlers{
		Stdout: forward("stdout", s.opts.Stdout),
		Stderr: forward("stderr", s.opts.Stderr),
	})
	res := Result{ExitCode: code, Sent: sent.Load(), Dropped: dropped.Load()}
	if err != nil {
		return res, err
	}

	fields := logrus.Fields{"exit_code": res.ExitCode, "sent": res.Sent, "dropped": res.Dropped}
	if res.Dropped > 0 {
		s.log.WithFields(fields).Warn("Command finished with dropped log lines")
	} else {
		s.log.WithFields(fields).Info("Command finished")
	}
	return res, nil
}
