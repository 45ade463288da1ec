// Package chemerr defines the error kinds shared across Chemist's
// components, matching the taxonomy used for retry/escalation decisions.
package chemerr

import (
	"errors"
	"fmt"
)

var (
	// ErrMessageParseError means a lifecycle or telemetry message could not
	// be decoded. Always logged and dropped, never fatal.
	ErrMessageParseError = errors.New("chemist: message parse error")

	// ErrNotFound means a lookup (discovery, repository) found nothing,
	// which can be an ordinary race with a concurrent Terminate.
	ErrNotFound = errors.New("chemist: not found")

	// ErrAssignmentRejected means a flask returned 4xx to a distribute call.
	ErrAssignmentRejected = errors.New("chemist: assignment rejected")

	// ErrFlaskUnreachable means a flask could not be reached after retries.
	ErrFlaskUnreachable = errors.New("chemist: flask unreachable")

	// ErrInvestigationExhausted means the Investigator's probe budget ran
	// out without the flask recovering.
	ErrInvestigationExhausted = errors.New("chemist: investigation exhausted")

	// ErrRepositoryConflict means a Repository invariant would be violated
	// by a requested mutation (e.g. AlreadyKnown on increaseCapacity).
	ErrRepositoryConflict = errors.New("chemist: repository conflict")

	// ErrDecodeError means a telemetry wire frame failed to decode.
	ErrDecodeError = errors.New("chemist: decode error")

	// ErrShutdownRequested is returned by blocking operations that were
	// interrupted by the process-wide shutdown signal.
	ErrShutdownRequested = errors.New("chemist: shutdown requested")

	// ErrAlreadyKnown is the specific RepositoryConflict raised by
	// increaseCapacity when the id already exists in a non-Terminated state.
	ErrAlreadyKnown = fmt.Errorf("%w: flask already known", ErrRepositoryConflict)
)
