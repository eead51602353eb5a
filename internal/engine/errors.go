package engine

import "errors"

var (
	// ErrInvalidConfig indicates the compression config violates an invariant.
	ErrInvalidConfig = errors.New("invalid compression config")
	// ErrDecode indicates the input buffer could not be decoded into pixels.
	ErrDecode = errors.New("failed to decode image")
	// ErrEncode indicates re-encoding the rendered surface failed.
	ErrEncode = errors.New("failed to encode image")
	// ErrUnachievableTarget indicates the safety floor was reached before the
	// byte budget could be met. Deterministic; retrying cannot succeed.
	ErrUnachievableTarget = errors.New("target size unachievable above minimum dimensions")
	// ErrAttemptsExhausted indicates the attempt bound was hit before the byte
	// budget was met. Deterministic; retrying cannot succeed.
	ErrAttemptsExhausted = errors.New("compression attempts exhausted")
)

// Deterministic reports whether err is a compression failure that will recur
// on identical input, and therefore must never be retried.
func Deterministic(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrEncode) ||
		errors.Is(err, ErrUnachievableTarget) ||
		errors.Is(err, ErrAttemptsExhausted)
}
