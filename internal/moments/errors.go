package moments

import "errors"

// Error kinds surfaced by the coordinator. Handlers distinguish them with
// errors.Is to pick a response status; "duplicate content" is intentionally
// not here because a deduplicated capture is a normal success-shaped result.
var (
	// ErrNotFound: no moment with the given id.
	ErrNotFound = errors.New("moment not found")

	// ErrForbidden: the acting user is neither the initiator nor the
	// participant of the moment.
	ErrForbidden = errors.New("user is not a participant of this moment")

	// ErrExpired: the moment's deadline has passed. Returned even when the
	// stored status is still non-terminal (lazy expiry on read).
	ErrExpired = errors.New("moment has expired")

	// ErrInvalidTransition: the requested status is not reachable from the
	// current stored status.
	ErrInvalidTransition = errors.New("invalid moment transition")

	// ErrCapacity: the couple already has the maximum allowed number of
	// active moments.
	ErrCapacity = errors.New("couple has too many active moments")

	// ErrConcurrencyConflict: the conditional status write lost the race
	// repeatedly and the bounded retry budget ran out.
	ErrConcurrencyConflict = errors.New("moment was modified concurrently")

	// ErrBadImage: the uploaded bytes could not be decoded as an image.
	ErrBadImage = errors.New("uploaded data is not a decodable image")

	// ErrStorage: blob storage read/write failure.
	ErrStorage = errors.New("storage operation failed")
)
