// File: pkg/execution/errors.go
package execution

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorClass buckets exchange failures into the categories the retry
// policy table understands.
type ErrorClass string

const (
	ClassSequencing        ErrorClass = "SEQUENCING"
	ClassPermissionDenied  ErrorClass = "PERMISSION_DENIED"
	ClassRateLimited       ErrorClass = "RATE_LIMITED"
	ClassTemporaryLockout  ErrorClass = "TEMPORARY_LOCKOUT"
	ClassInsufficientFunds ErrorClass = "INSUFFICIENT_FUNDS"
	ClassMinSizeViolation  ErrorClass = "MIN_SIZE_VIOLATION"
	ClassNetwork           ErrorClass = "NETWORK"

	// ClassValidation marks local pre-submission rejections (unknown
	// exchange, malformed symbol). Nothing was sent; nothing retries.
	ClassValidation ErrorClass = "VALIDATION"
)

// ErrNoConfirmation is the terminal error when every attempt ran out
// without an exchange-issued confirmation id. It is never downgraded to a
// success.
var ErrNoConfirmation = errors.New("execution: no exchange confirmation id after all attempts")

// classifierRule maps an exchange error-string fragment to a class. The
// fragments cover Kraken's documented error strings; matching is
// case-insensitive and first-match-wins, so the more specific fragments
// sit above the generic ones.
type classifierRule struct {
	fragment string
	class    ErrorClass
}

var classifierRules = []classifierRule{
	{"invalid nonce", ClassSequencing},
	{"nonce window", ClassSequencing},
	{"permission denied", ClassPermissionDenied},
	{"invalid key", ClassPermissionDenied},
	{"invalid signature", ClassPermissionDenied},
	{"temporary lockout", ClassTemporaryLockout},
	{"rate limit", ClassRateLimited},
	{"too many requests", ClassRateLimited},
	{"insufficient funds", ClassInsufficientFunds},
	{"insufficient initial margin", ClassInsufficientFunds},
	{"order minimum not met", ClassMinSizeViolation},
	{"volume minimum not met", ClassMinSizeViolation},
	{"invalid amount", ClassMinSizeViolation},
}

// Classify buckets an error from a broker call. Anything that does not
// match a known exchange error string is treated as NETWORK, the broadest
// transient class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNetwork
	}

	// Transport-level failures never carry exchange error strings.
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classifierRules {
		if strings.Contains(msg, rule.fragment) {
			return rule.class
		}
	}
	return ClassNetwork
}

// Transient reports whether the class is retried locally before surfacing.
func (c ErrorClass) Transient() bool {
	switch c {
	case ClassSequencing, ClassRateLimited, ClassNetwork:
		return true
	}
	return false
}

// DegradesAccount reports whether the class suspends the whole account
// for a cool-down instead of retrying the order.
func (c ErrorClass) DegradesAccount() bool {
	return c == ClassPermissionDenied || c == ClassTemporaryLockout
}
