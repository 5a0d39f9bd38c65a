package retry

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/ternarybob/shutter/internal/common"
)

// Classification decides whether an error is worth retrying.
type Classification int

const (
	// ClassPermanent errors never retry (bad input, permissions, missing files).
	ClassPermanent Classification = iota
	// ClassTransient errors retry up to the policy maximum.
	ClassTransient
	// ClassUnknown errors retry a bounded number of times (3) then stop.
	ClassUnknown
)

// unknownRetryLimit bounds retries for errors the classifier cannot place.
const unknownRetryLimit = 3

// transientPatterns are matched against the lowercased error text.
var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"resource temporarily unavailable",
	"browser context",
	"page closed",
	"target closed",
}

// Classify applies the classification rules in order: permanent kinds first,
// then known-transient kinds, then message patterns, else unknown.
func Classify(err error) Classification {
	if err == nil {
		return ClassPermanent
	}

	// Permanent: bad input and environment errors that retrying cannot fix.
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, os.ErrPermission) ||
		errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	switch common.CodeOf(err) {
	case common.ErrValidation:
		return ClassPermanent
	}

	// Always transient: browser teardown races, timeouts, connection faults.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassTransient
	}

	// Message-pattern transient.
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return ClassTransient
		}
	}

	return ClassUnknown
}

// adaptiveFactor scales the backoff delay by error class: timeouts back off
// harder, resource pressure hardest, plain connection churn slightly.
func adaptiveFactor(err error) float64 {
	if err == nil {
		return 1.0
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return 1.5
	case strings.Contains(msg, "memory") || strings.Contains(msg, "resource"):
		return 2.0
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return 1.2
	default:
		return 1.0
	}
}
