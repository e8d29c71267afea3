package apperrors

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// retryableKeywords are matched case-insensitively against error messages.
// They cover transport failures surfaced as strings by HTTP clients and
// provider SDKs.
var retryableKeywords = []string{
	"timeout",
	"timed out",
	"temporary",
	"rate limit",
	"too many requests",
	"service unavailable",
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"no such host",
	"eai_again",
	"status 429",
	"status 503",
}

// IsRetryable classifies an error as retryable or terminal. The decision is
// a pure function of the error chain: explicit overrides win, then the kind
// tag, then transport error types, then message keywords.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if appErr, ok := As(err); ok {
		if retryable, set := appErr.RetryableOverride(); set {
			return retryable
		}
		switch appErr.Kind {
		case KindValidationFailed, KindNotFound, KindForbidden, KindInvalidState, KindUnknown:
			return false
		case KindTimeout, KindRateLimited, KindBrokerFailure, KindStoreFailure:
			return true
		}
		// KindDomainFailure falls through to cause inspection
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, keyword := range retryableKeywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}

	return false
}

// RetryDelay computes the wait before retry attempt n (0-based) using
// exponential backoff with a ceiling and ±20% jitter.
func RetryDelay(attempt int, base time.Duration, ceiling time.Duration, multiplier float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
		if time.Duration(delay) >= ceiling && ceiling > 0 {
			delay = float64(ceiling)
			break
		}
	}
	if ceiling > 0 && time.Duration(delay) > ceiling {
		delay = float64(ceiling)
	}

	// ±20% jitter keeps synchronized retries from stampeding
	jittered := delay * (0.8 + 0.4*rand.Float64())
	return time.Duration(jittered)
}
