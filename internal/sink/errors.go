package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
)

// ErrUninitialized is returned by Send when Initialize has not completed successfully.
var ErrUninitialized = errors.New("log sink not initialized; call Initialize first")

// Resource names the kind of CloudWatch Logs resource being provisioned.
type Resource string

const (
	ResourceGroup  Resource = "log group"
	ResourceStream Resource = "log stream"
)

// ProvisioningError reports a failed existence check or create call.
type ProvisioningError struct {
	Resource Resource
	Op       string // "describe" or "create"
	Name     string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s %s %q: %v", e.Op, e.Resource, e.Name, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// TransmissionError reports a failed PutLogEvents call.
type TransmissionError struct {
	Group  string
	Stream string
	Err    error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("put log events to %s/%s: %v", e.Group, e.Stream, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// ErrorCode returns the AWS API error code carried by err, or "" when err
// did not come from the service.
func ErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func alreadyExists(err error) bool {
	var ex *types.ResourceAlreadyExistsException
	return errors.As(err, &ex)
}

// retryable reports whether a failed put is worth another attempt.
// Client faults are final except for throttling.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return true
	}
	switch ae.ErrorCode() {
	case "ThrottlingException", "ServiceUnavailableException":
		return true
	}
	return ae.ErrorFault() != smithy.FaultClient
}
