package suggest

import (
	"errors"
	"fmt"
)

// Error kinds. Combinators decide per kind whether to propagate or mask;
// see the multiplexer (mask + log) and the cache layers (degrade to miss).
var (
	// ErrSetup — tree build, config parse, or resource acquisition failed.
	ErrSetup = errors.New("setup error")
	// ErrUpstream — a remote call failed.
	ErrUpstream = errors.New("upstream error")
	// ErrTimeout — a deadline fired before the provider answered.
	ErrTimeout = errors.New("timeout")
	// ErrInternal — a bug or invariant violation.
	ErrInternal = errors.New("internal error")
)

// SetupError wraps err as an ErrSetup with the failing node path.
func SetupError(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSetup, path, err)
}

// UpstreamError wraps err as an ErrUpstream attributed to provider name.
func UpstreamError(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, name, err)
}

// TimeoutError reports that provider name exceeded its deadline.
func TimeoutError(name string) error {
	return fmt.Errorf("%w: %s", ErrTimeout, name)
}

// InternalError wraps err as an ErrInternal attributed to provider name.
func InternalError(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, name, err)
}
