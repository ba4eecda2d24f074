package etl

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/BartekS5/totesys-etl/internal/checkpoint"
	"github.com/BartekS5/totesys-etl/internal/secrets"
	"github.com/BartekS5/totesys-etl/internal/storage"
)

// Kind classifies a failure for retry and reporting.
type Kind int

const (
	// KindContract failures stop the run immediately: missing raw files,
	// schema mismatches, checkpoint conflicts and anything unclassified.
	KindContract Kind = iota
	// KindTransient failures (timeouts, throttling, dropped connections) are
	// retried inside the stage.
	KindTransient
	// KindDataQuality failures are quarantine ratios above the threshold.
	KindDataQuality
	// KindConfiguration failures happen before any extraction begins.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDataQuality:
		return "data_quality"
	case KindConfiguration:
		return "configuration"
	default:
		return "contract"
	}
}

// Error carries a failure's kind alongside its cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Contractf builds a contract violation.
func Contractf(format string, args ...interface{}) error {
	return &Error{Kind: KindContract, Err: fmt.Errorf(format, args...)}
}

// Configurationf builds a configuration error.
func Configurationf(format string, args ...interface{}) error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// AsTransient marks err as retryable.
func AsTransient(op string, err error) error {
	return newError(KindTransient, op, err)
}

var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"ServiceUnavailable":                     true,
	"InternalError":                          true,
}

// KindOf classifies err. An explicit *Error wins; otherwise the cause is
// inspected for well-known infrastructure failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindContract
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindContract
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, secrets.ErrSecretNotFound), errors.Is(err, secrets.ErrInvalidSecret):
		return KindConfiguration
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, checkpoint.ErrConflict),
		errors.Is(err, checkpoint.ErrRegression),
		errors.Is(err, checkpoint.ErrLeaseHeld):
		return KindContract
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if throttlingCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer {
			return KindTransient
		}
		return KindContract
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return KindTransient
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 connection exceptions, 40001 serialization, 53 resources, 57P0x shutdown.
		switch {
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53"):
			return KindTransient
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return KindTransient
		}
	}
	return KindContract
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
