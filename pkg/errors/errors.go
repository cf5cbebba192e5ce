package apperrors

import "errors"

// Standardized core errors. These are sentinels checked with errors.Is;
// components wrap them with context via fmt.Errorf("...: %w", Err...).
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")

	// StaleOrder: a referenced chainOrderId no longer exists on chain.
	ErrStaleOrder = errors.New("stale order")
	// InsufficientFunds at the pre-flight or broadcast layer.
	ErrPlanInsufficientFunds = errors.New("plan exceeds available funds")
	// IllegalState: chain reports the operation as structurally invalid.
	ErrIllegalState = errors.New("illegal chain state")
	// TransientError: retryable RPC/network failure.
	ErrTransient = errors.New("transient error")
	// InvariantViolation: ledger invariant broken beyond tolerance.
	ErrInvariantViolation = errors.New("ledger invariant violation")
	// ConfigError: bot configuration is missing or out of range.
	ErrConfig = errors.New("configuration error")
	// PersistError: state file write/read failed.
	ErrPersist = errors.New("persistence error")
	// LockTimeout: a FIFO lock was not acquired within its deadline.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// GenerationConflict: a WorkingGrid commit raced against another commit.
	ErrGenerationConflict = errors.New("grid generation advanced before commit")
)

// Severity classifies how the caller should react to an InvariantViolation.
type Severity int

const (
	// SeverityRecoverable: violation is within a few ticks of tolerance; log
	// and recalculate once, then continue.
	SeverityRecoverable Severity = iota
	// SeverityCritical: violation is far beyond tolerance; schedule a resync
	// and suspend planning until it completes.
	SeverityCritical
)

func (s Severity) String() string {
	if s == SeverityCritical {
		return "critical"
	}
	return "recoverable"
}

// InvariantError reports a failed Ledger invariant with enough detail for a
// structured log entry.
type InvariantError struct {
	Invariant string // e.g. "I1", "I2", "I3"
	Severity  Severity
	Detail    string
}

func (e *InvariantError) Error() string {
	return "invariant " + e.Invariant + " violated (" + e.Severity.String() + "): " + e.Detail
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// IsTransient reports whether err should be retried with backoff rather than
// triggering a reconcile/discard path.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrSystemOverload)
}
