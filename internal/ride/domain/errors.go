package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDriversAvailable covers an empty candidate set and an all-reject race.
	ErrNoDriversAvailable = errors.New("no drivers available")

	// ErrResolutionTimeout is reported when nobody answered in time. It has the
	// same user-visible meaning as ErrNoDriversAvailable.
	ErrResolutionTimeout = fmt.Errorf("%w: request timed out", ErrNoDriversAvailable)

	// ErrDuplicateRequest means another request for the rider is still open.
	ErrDuplicateRequest = errors.New("a ride request is already open")

	ErrGeocodeUnavailable  = errors.New("geocode unavailable")
	ErrDistanceUnavailable = errors.New("driving distance unavailable")
	ErrPricingUnavailable  = errors.New("fare unavailable")

	ErrCancellationNotPermitted = errors.New("cancellation not permitted in current ride state")
	ErrCancellationDeclined     = errors.New("cancellation not confirmed")
	ErrRatingNotPermitted       = errors.New("rating not permitted before completion")
	ErrInvalidRating            = errors.New("rating must be between 1 and 5")

	// ErrQuoteExpired means the ride moved on while the rider was confirming.
	ErrQuoteExpired = errors.New("cancellation quote no longer valid")

	// ErrStaleEvent marks a regressive or duplicate status push. It is logged
	// and dropped, never shown to the rider.
	ErrStaleEvent        = errors.New("stale ride event")
	ErrInvalidTransition = errors.New("invalid ride state transition")
	ErrNoActiveRide      = errors.New("no active ride")
)
