package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

var (
	// ErrEmptyInstruction is returned before any network call.
	ErrEmptyInstruction = errors.New("instruction is empty")
	// ErrConflictingAttachment means both Attachment and AttachmentRef were set.
	ErrConflictingAttachment = errors.New("request sets both attachment and attachment ref")
)

const (
	CodeTimeout         = "Timeout"
	CodeUnreachable     = "Unreachable"
	CodeInvalidResponse = "InvalidResponse"
	CodeThrottling      = "ThrottlingException"
	CodeCanceled        = "Canceled"
)

// ServiceError reports a rejected, failed or timed out endpoint call.
// No partial response accompanies it.
type ServiceError struct {
	Code       string
	Message    string
	StatusCode int
	// RequestID is the client-side id; AWSRequestID the one the endpoint returned.
	RequestID    string
	AWSRequestID string
	Timeout      bool
	Err          error
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString("inference service error: ")
	b.WriteString(e.Code)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsServiceError reports whether err is or wraps a *ServiceError.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

// IsTimeout reports whether err is a ServiceError of the timeout subtype.
func IsTimeout(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Timeout
}

// IsThrottled reports a rate-limit rejection.
func IsThrottled(err error) bool {
	var se *ServiceError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == CodeThrottling || se.StatusCode == http.StatusTooManyRequests
}

// IsRetryable reports whether the same request may succeed later: throttling,
// server-side failures, timeouts and unreachable endpoints. Validation and
// quota rejections are not retryable.
func IsRetryable(err error) bool {
	var se *ServiceError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case CodeTimeout, CodeUnreachable, CodeThrottling,
		"ModelNotReadyException", "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException":
		return true
	}
	return se.StatusCode >= 500 && se.StatusCode < 600
}

// classify converts an SDK error into a ServiceError. timedOut is set by the
// caller when its own deadline fired.
func classify(err error, requestID string, timedOut bool) *ServiceError {
	se := &ServiceError{RequestID: requestID, Err: err}

	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		se.Code = CodeTimeout
		se.Timeout = true
		se.Message = "request timed out"
		return se
	}

	if errors.Is(err, context.Canceled) {
		se.Code = CodeCanceled
		se.Message = "request canceled"
		return se
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		se.StatusCode = respErr.HTTPStatusCode()
		se.AWSRequestID = respErr.ServiceRequestID()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		se.Code = apiErr.ErrorCode()
		se.Message = apiErr.ErrorMessage()
		return se
	}

	if se.StatusCode != 0 {
		se.Code = strings.ReplaceAll(http.StatusText(se.StatusCode), " ", "")
		se.Message = err.Error()
		return se
	}

	// no HTTP response at all: dns, connection refused, reset, tls
	se.Code = CodeUnreachable
	se.Message = err.Error()
	return se
}
