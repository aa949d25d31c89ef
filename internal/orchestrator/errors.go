package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sourcefall/sourcefall/internal/ledger"
)

// FailureKind is the error taxonomy for a single failed attempt. Only
// exhaustion ever reaches the caller; every other kind is recovered locally
// by advancing to the next candidate.
type FailureKind int

const (
	KindTimeout FailureKind = iota
	KindRateLimited
	KindNetworkUnreachable
	KindUpstreamError
)

func (k FailureKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindUpstreamError:
		return "upstream_error"
	default:
		return "unknown"
	}
}

// LedgerKind maps an attempt failure onto the health ledger's coarser
// classification. Rate limits get the long cooldown; everything else counts
// toward the consecutive-failure threshold.
func (k FailureKind) LedgerKind() ledger.FailureKind {
	if k == KindRateLimited {
		return ledger.FailureRateLimited
	}
	return ledger.FailureGeneric
}

// ExhaustedError is the only hard failure Fetch returns: every eligible
// candidate across every tier failed.
type ExhaustedError struct {
	Category  string
	Attempted int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("orchestrator: all %d resources exhausted for category %q", e.Attempted, e.Category)
}

// IsExhausted reports whether err is an exhaustion error.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// classifyTransportError maps a transport-level error onto the taxonomy.
func classifyTransportError(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetworkUnreachable
}

// classifyStatus maps a non-2xx HTTP exchange onto the taxonomy. Besides the
// canonical 429 status, bodies mentioning rate limiting are treated as rate
// limits: plenty of providers hide them behind 403 or 200-with-error payloads.
func classifyStatus(statusCode int, body []byte) FailureKind {
	if statusCode == http.StatusTooManyRequests {
		return KindRateLimited
	}
	const maxScan = 4 * 1024
	if len(body) > maxScan {
		body = body[:maxScan]
	}
	if bytes.Contains(bytes.ToLower(body), []byte("rate")) {
		return KindRateLimited
	}
	return KindUpstreamError
}
