package model

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// LogRecord represents a single log entry bound for a log stream.
type LogRecord struct {
	Timestamp time.Time
	LogGroup  string
	LogStream string
	Message   string
}

// InputLogEvent converts the record into the CloudWatch Logs wire shape.
// Timestamps are sent with millisecond precision.
func (r LogRecord) InputLogEvent() types.InputLogEvent {
	return types.InputLogEvent{
		Message:   aws.String(r.Message),
		Timestamp: aws.Int64(r.Timestamp.UnixMilli()),
	}
}
