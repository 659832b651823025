package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionCreation is matched by every *CreationError
	ErrSessionCreation = errors.New("session creation failed")

	// ErrSessionNotInitialized is returned by Checkout before the first
	// successful EnsureSession
	ErrSessionNotInitialized = errors.New("session not initialized: call EnsureSession first")

	// ErrNavigationExhausted is matched by every *ExhaustedError
	ErrNavigationExhausted = errors.New("navigation retries exhausted")

	// ErrGrantNotHeld is returned when releasing a grant that is not the
	// active one: never issued, already released, or issued by another
	// arbiter
	ErrGrantNotHeld = errors.New("grant is not held")

	// ErrLeaseReleased is returned when a lease is used after check-in
	ErrLeaseReleased = errors.New("lease used after check-in")

	// ErrNoPage is returned when the session currently has no usable page,
	// after a failed rebuild
	ErrNoPage = errors.New("session has no usable page")

	// ErrClosed is returned once the manager has been closed
	ErrClosed = errors.New("session manager closed")
)

// Steps of a session build, reported in CreationError.Op.
const (
	OpLaunch = "launch"
	OpPage   = "page"
	OpLogin  = "login"
)

// CreationError reports a failure to build or authenticate the session.
type CreationError struct {
	// Op is the step that failed: OpLaunch, OpPage or OpLogin
	Op  string
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSessionCreation, e.Op, e.Err)
}

func (e *CreationError) Unwrap() []error {
	return []error{ErrSessionCreation, e.Err}
}

// NavigationErrorKind classifies a failed navigation attempt.
type NavigationErrorKind string

const (
	// KindTimeout means the page did not settle within the timeout
	KindTimeout NavigationErrorKind = "timeout"

	// KindCrash means the page or browser died
	KindCrash NavigationErrorKind = "crash"

	// KindUnknown covers every other failure
	KindUnknown NavigationErrorKind = "unknown"
)

// NavigationError is the result of one failed navigation attempt.
type NavigationError struct {
	Kind NavigationErrorKind
	URL  string
	Tier Tier
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed at tier %d (%s): %v", e.URL, e.Tier, e.Kind, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned when every recovery tier failed.
type ExhaustedError struct {
	URL string

	// Attempts is the number of navigation attempts actually made
	Attempts int

	// Last is the final failure, a *NavigationError or a failed page reset
	Last error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: %v", ErrNavigationExhausted, e.URL, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrNavigationExhausted, e.Last}
}
