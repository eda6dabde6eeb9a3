package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureKind classifies a text-generation failure.
type FailureKind string

const (
	KindRateLimited   FailureKind = "rate_limited"
	KindQuotaExceeded FailureKind = "quota_exceeded"
	KindUnavailable   FailureKind = "unavailable"
	KindBadRequest    FailureKind = "bad_request"
)

// Failure is the typed error every provider returns.
type Failure struct {
	Kind     FailureKind
	Provider string
	Status   int // 0 for transport errors
	Body     string
	Err      error
}

func (f *Failure) Error() string {
	switch {
	case f.Status != 0:
		return fmt.Sprintf("%s: %s (HTTP %d): %s", f.Provider, f.Kind, f.Status, f.Body)
	case f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Provider, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Provider, f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether another attempt may succeed.
func (f *Failure) Retryable() bool {
	return f.Kind == KindUnavailable
}

// KindOf extracts the failure kind from err, or "" when err is not a *Failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

var quotaMarkers = []string{"quota", "insufficient_quota", "billing", "credit"}

// classifyStatus maps a non-2xx HTTP response to a failure kind.
func classifyStatus(status int, body string) FailureKind {
	switch {
	case status == http.StatusTooManyRequests:
		lower := strings.ToLower(body)
		for _, m := range quotaMarkers {
			if strings.Contains(lower, m) {
				return KindQuotaExceeded
			}
		}
		return KindRateLimited
	case status == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case status >= 500:
		return KindUnavailable
	}
	return KindBadRequest
}

func httpFailure(providerID string, status int, body []byte) *Failure {
	b := string(body)
	if len(b) > 512 {
		b = b[:512]
	}
	return &Failure{Kind: classifyStatus(status, b), Provider: providerID, Status: status, Body: b}
}

func transportFailure(providerID string, err error) *Failure {
	return &Failure{Kind: KindUnavailable, Provider: providerID, Err: err}
}
