package desktop

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
)

type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

var defaultRetry = retryPolicy{attempts: 4, baseDelay: 250 * time.Millisecond, maxDelay: 2 * time.Second}

// retryAWS runs fn until it succeeds, fails with a non-throttling error, or
// runs out of attempts. Delays grow exponentially with jitter.
func retryAWS(ctx context.Context, policy retryPolicy, op, region string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= policy.attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !isTransientAWSError(err) {
			return err
		}
		if attempt == policy.attempts {
			metrics.Default().IncCounter("smartpc_aws_retry_exhausted_total", map[string]string{"op": op, "region": region})
			return err
		}
		metrics.Default().IncCounter("smartpc_aws_retries_total", map[string]string{
			"op":     op,
			"region": region,
			"reason": awsErrorCode(err),
		})
		delay := policy.baseDelay << (attempt - 1)
		if delay > policy.maxDelay {
			delay = policy.maxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=aws_retry op=%s region=%s attempt=%d delay_ms=%d err=%q", op, region, attempt, delay.Milliseconds(), err.Error())
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// withJitter picks a delay in [10%, 100%) of d.
func withJitter(d time.Duration) time.Duration {
	floor := d / 10
	span := d - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + span/2
	}
	return floor + time.Duration(binary.LittleEndian.Uint64(raw[:])%uint64(span))
}

func isTransientAWSError(err error) bool {
	switch awsErrorCode(err) {
	case "RequestLimitExceeded", "Throttling", "ThrottlingException", "RequestThrottled",
		"ServiceUnavailable", "InternalError", "RequestTimeout", "EC2ThrottledException",
		"InsufficientInstanceCapacity":
		return true
	}
	return false
}

func shouldIgnoreTerminateError(err error) bool {
	code := awsErrorCode(err)
	return code == "InvalidInstanceID.NotFound" || code == "IncorrectInstanceState"
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	if code := strings.TrimSpace(apiErr.ErrorCode()); code != "" {
		return code
	}
	return "unknown"
}
