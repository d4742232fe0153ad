// Package sink ships text lines to a single CloudWatch Logs stream, creating the
// log group and log stream on first use.
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/Nao-Mk2/cloudwatch-exec-logger/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// LogsAPI is the subset of the CloudWatch Logs API the sink uses.
type LogsAPI interface {
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	DescribeLogStreams(ctx context.Context, params *cloudwatchlogs.DescribeLogStreamsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// Destination identifies the stream records are written to.
type Destination struct {
	Region string
	Group  string
	Stream string
}

// State is the provisioning state of a Sink.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger used for provisioning and send diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Sink) { s.log = l }
}

// WithClock overrides the source of record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithRetry retries a failed put up to maxRetries times with exponential
// backoff. Zero keeps exactly one PutLogEvents call per Send.
func WithRetry(maxRetries int) Option {
	return func(s *Sink) { s.maxRetries = maxRetries }
}

// WithSerializedSends makes concurrent Send calls reach the backend one at a time.
func WithSerializedSends() Option {
	return func(s *Sink) { s.serialize = true }
}

// Sink writes log records to one log stream.
//
// Initialize must succeed before Send is accepted. Send is safe for concurrent
// use; unless WithSerializedSends is set, concurrent sends are independent
// requests and their arrival order is not guaranteed.
type Sink struct {
	client     LogsAPI
	dest       Destination
	log        logrus.FieldLogger
	now        func() time.Time
	maxRetries int
	serialize  bool

	mu     sync.RWMutex
	state  State
	sendMu sync.Mutex
}

// New creates a Sink for dest. The sink performs no calls until Initialize.
func New(client LogsAPI, dest Destination, opts ...Option) *Sink {
	s := &Sink{
		client: client,
		dest:   dest,
		log:    logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Destination returns the group and stream this sink writes to.
func (s *Sink) Destination() Destination { return s.dest }

// State returns the current provisioning state.
func (s *Sink) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready reports whether Send is accepted.
func (s *Sink) Ready() bool { return s.State() == Ready }

// Initialize makes sure the log group exists and then that the log stream
// exists, creating each when missing. It is not retried internally; calling it
// again re-runs both checks. A sink that is already Ready stays Ready even if a
// later Initialize fails.
func (s *Sink) Initialize(ctx context.Context) error {
	s.mu.Lock()
	wasReady := s.state == Ready
	if !wasReady {
		s.state = Initializing
	}
	s.mu.Unlock()

	err := s.ensureGroup(ctx)
	if err == nil {
		err = s.ensureStream(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if !wasReady {
			s.state = Failed
		}
		return err
	}
	s.state = Ready
	return nil
}

// Send writes message as a single log record stamped with the current time.
// Empty and multi-line messages are sent unchanged.
func (s *Sink) Send(ctx context.Context, message string) error {
	if !s.Ready() {
		return ErrUninitialized
	}
	rec := model.LogRecord{
		Timestamp: s.now(),
		LogGroup:  s.dest.Group,
		LogStream: s.dest.Stream,
		Message:   message,
	}
	if s.serialize {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
	}
	if err := s.put(ctx, rec); err != nil {
		s.log.WithFields(logrus.Fields{
			"group":  rec.LogGroup,
			"stream": rec.LogStream,
			"op":     "put",
			"code":   ErrorCode(err),
		}).WithError(err).Error("Error sending log")
		return &TransmissionError{Group: rec.LogGroup, Stream: rec.LogStream, Err: err}
	}
	s.log.WithFields(logrus.Fields{"group": rec.LogGroup, "stream": rec.LogStream}).Debug("Log sent successfully")
	return nil
}

func (s *Sink) put(ctx context.Context, rec model.LogRecord) error {
	in := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(rec.LogGroup),
		LogStreamName: aws.String(rec.LogStream),
		LogEvents:     []types.InputLogEvent{rec.InputLogEvent()},
	}
	if s.maxRetries <= 0 {
		_, err := s.client.PutLogEvents(ctx, in)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		_, err := s.client.PutLogEvents(ctx, in)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		s.log.WithFields(logrus.Fields{"op": "put", "attempt": attempt, "code": ErrorCode(err)}).WithError(err).Warn("Retrying log send")
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.maxRetries)), ctx))
}

func (s *Sink) ensureGroup(ctx context.Context) error {
	l := s.log.WithField("group", s.dest.Group)
	found, err := s.groupExists(ctx)
	if err != nil {
		l.WithField("op", "describe").WithError(err).Error("Error checking log group")
		return &ProvisioningError{Resource: ResourceGroup, Op: "describe", Name: s.dest.Group, Err: err}
	}
	if found {
		l.Debug("Log group exists")
		return nil
	}
	_, err = s.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(s.dest.Group),
	})
	if err != nil {
		if alreadyExists(err) {
			l.Debug("Log group created concurrently")
			return nil
		}
		l.WithField("op", "create").WithError(err).Error("Error creating log group")
		return &ProvisioningError{Resource: ResourceGroup, Op: "create", Name: s.dest.Group, Err: err}
	}
	l.Info("Log group created")
	return nil
}

func (s *Sink) ensureStream(ctx context.Context) error {
	l := s.log.WithFields(logrus.Fields{"group": s.dest.Group, "stream": s.dest.Stream})
	found, err := s.streamExists(ctx)
	if err != nil {
		l.WithField("op", "describe").WithError(err).Error("Error checking log stream")
		return &ProvisioningError{Resource: ResourceStream, Op: "describe", Name: s.dest.Stream, Err: err}
	}
	if found {
		l.Debug("Log stream exists")
		return nil
	}
	_, err = s.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(s.dest.Group),
		LogStreamName: aws.String(s.dest.Stream),
	})
	if err != nil {
		if alreadyExists(err) {
			l.Debug("Log stream created concurrently")
			return nil
		}
		l.WithField("op", "create").WithError(err).Error("Error creating log stream")
		return &ProvisioningError{Resource: ResourceStream, Op: "create", Name: s.dest.Stream, Err: err}
	}
	l.Info("Log stream created")
	return nil
}

// groupExists pages through groups matching the name as a prefix and reports
// whether one has exactly that name.
func (s *Sink) groupExists(ctx context.Context) (bool, error) {
	var next *string
	for {
		out, err := s.client.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
			LogGroupNamePrefix: aws.String(s.dest.Group),
			NextToken:          next,
		})
		if err != nil {
			return false, err
		}
		for _, g := range out.LogGroups {
			if aws.ToString(g.LogGroupName) == s.dest.Group {
				return true, nil
			}
		}
		if out.NextToken == nil || (next != nil && aws.ToString(out.NextToken) == aws.ToString(next)) {
			return false, nil
		}
		next = out.NextToken
	}
}

func (s *Sink) streamExists(ctx context.Context) (bool, error) {
	var next *string
	for {
		out, err := s.client.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
			LogGroupName:        aws.String(s.dest.Group),
			LogStreamNamePrefix: aws.String(s.dest.Stream),
			NextToken:           next,
		})
		if err != nil {
			return false, err
		}
		for _, st := range out.LogStreams {
			if aws.ToString(st.LogStreamName) == s.dest.Stream {
				return true, nil
			}
		}
		if out.NextToken == nil || (next != nil && aws.ToString(out.NextToken) == aws.ToString(next)) {
			return false, nil
		}
		next = out.NextToken
	}
}
