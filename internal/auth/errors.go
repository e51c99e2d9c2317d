package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("auth: not found")
	ErrInvalidInput     = errors.New("auth: invalid input")
	ErrStoreUnavailable = errors.New("auth: store unavailable")

	// ErrInvalidToken is the root of every token verification failure.
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrInvalidSignature = fmt.Errorf("%w: signature rejected", ErrInvalidToken)
	ErrTokenExpired     = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrMalformedToken   = fmt.Errorf("%w: malformed", ErrInvalidToken)
)

// Reason is the machine-readable code of a guard denial.
type Reason string

const (
	ReasonUnauthenticated    Reason = "unauthenticated"
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonAccountLocked      Reason = "account_locked"
	ReasonPermissionDenied   Reason = "permission_denied"
	ReasonTenantMismatch     Reason = "tenant_mismatch"
	ReasonSessionRevoked     Reason = "session_revoked"
)

// Sentinels matched by errors.Is against a *Denial of the same reason.
var (
	ErrUnauthenticated    = errors.New("auth: unauthenticated")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrRateLimited        = errors.New("auth: rate limited")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrPermissionDenied   = errors.New("auth: permission denied")
	ErrTenantMismatch     = errors.New("auth: tenant mismatch")
	ErrSessionRevoked     = errors.New("auth: session revoked")
)

var reasonSentinels = map[Reason]error{
	ReasonUnauthenticated:    ErrUnauthenticated,
	ReasonInvalidCredentials: ErrInvalidCredentials,
	ReasonRateLimited:        ErrRateLimited,
	ReasonAccountLocked:      ErrAccountLocked,
	ReasonPermissionDenied:   ErrPermissionDenied,
	ReasonTenantMismatch:     ErrTenantMismatch,
	ReasonSessionRevoked:     ErrSessionRevoked,
}

// Denial is the structured outcome of a failed guard. It never carries
// anything that distinguishes an unknown email from a wrong password.
type Denial struct {
	Reason Reason
	// RemainingAttempts is set on credential failures and rate limiting.
	RemainingAttempts *int
	// ResetAt is when the rate-limit window closes.
	ResetAt time.Time
	// LockoutUntil is set when the identifier is locked.
	LockoutUntil time.Time
}

// Deny builds a denial with only a reason.
func Deny(reason Reason) *Denial {
	return &Denial{Reason: reason}
}

func (d *Denial) Error() string {
	return "auth: denied: " + string(d.Reason)
}

func (d *Denial) Unwrap() error {
	return reasonSentinels[d.Reason]
}

// WithRemaining records the attempts left before rate limiting applies.
func (d *Denial) WithRemaining(n int) *Denial {
	if n < 0 {
		n = 0
	}
	d.RemainingAttempts = &n
	return d
}

// AsDenial extracts a *Denial from err.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// IsDenial reports whether err carries the given reason.
func IsDenial(err error, reason Reason) bool {
	d, ok := AsDenial(err)
	return ok && d.Reason == reason
}
