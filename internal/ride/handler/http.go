// Package handler exposes the rider control API over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/riderlink/internal/auth"
	"github.com/example/riderlink/internal/realtime"
	"github.com/example/riderlink/internal/ride/domain"
	"github.com/example/riderlink/internal/ride/matching"
	"github.com/example/riderlink/internal/ride/tracking"
)

// Matcher books rides.
type Matcher interface {
	Estimate(ctx context.Context, vehicleType string, pickup, destination domain.Place) (matching.Estimate, error)
	RequestRide(ctx context.Context, p matching.Params) (matching.Assignment, error)
	RefreshNearby(ctx context.Context, point domain.GeoPoint) error
	Pending(riderID string) bool
}

// Drivers lists the nearby drivers currently known.
type Drivers interface {
	Candidates(vehicleType string) []domain.DriverSnapshot
	All() []domain.DriverSnapshot
}

// Lifecycle follows the booked ride.
type Lifecycle interface {
	Track(ctx context.Context, ride domain.Ride) error
	Snapshot() tracking.View
	QuoteCancellation(ctx context.Context) (domain.CancellationQuote, error)
	Cancel(ctx context.Context, c tracking.Confirmer) (domain.Ride, error)
	Rate(ctx context.Context, rating float64) (domain.Ride, error)
	Notifications() []domain.Notification
}

// HTTP is the control API. Screens and forms talk to the orchestrator
// through it.
type HTTP struct {
	matcher Matcher
	rides   Lifecycle
	drivers Drivers
	logger  *zap.Logger
}

func NewHTTP(matcher Matcher, rides Lifecycle, drivers Drivers, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{matcher: matcher, rides: rides, drivers: drivers, logger: logger.Named("http")}
}

// Router builds the chi router. guards run after the standard middlewares
// and before every /v1 endpoint, in order.
func (h *HTTP) Router(guards ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Get("/docs/openapi.yaml", openAPIHandler)
	r.Group(func(r chi.Router) {
		r.Use(guards...)
		r.Get("/v1/nearby-drivers", h.nearbyDrivers)
		r.Post("/v1/nearby-drivers", h.refreshNearby)
		r.Post("/v1/estimates", h.estimate)
		r.Post("/v1/rides", h.requestRide)
		r.Get("/v1/rides/current", h.currentRide)
		r.Post("/v1/rides/current/cancellation-quote", h.quoteCancellation)
		r.Post("/v1/rides/current/cancel", h.cancelRide)
		r.Post("/v1/rides/current/rating", h.rateRide)
		r.Get("/v1/notifications", h.notifications)
	})
	return r
}

type estimateRequest struct {
	VehicleType string       `json:"vehicleType"`
	Pickup      domain.Place `json:"pickup"`
	Destination domain.Place `json:"destination"`
}

func (r estimateRequest) validate() error {
	if r.VehicleType == "" {
		return errors.New("vehicleType is required")
	}
	if (r.Pickup.Point == domain.GeoPoint{}) || (r.Destination.Point == domain.GeoPoint{}) {
		return errors.New("pickup and destination are required")
	}
	return nil
}

func (h *HTTP) estimate(w http.ResponseWriter, r *http.Request) {
	var payload estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	est, err := h.matcher.Estimate(r.Context(), payload.VehicleType, payload.Pickup, payload.Destination)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// candidates must be known around the pickup before a request goes out
	if err := h.matcher.RefreshNearby(r.Context(), payload.Pickup.Point); err != nil {
		h.logger.Debug("nearby refresh failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, est)
}

func (h *HTTP) nearbyDrivers(w http.ResponseWriter, r *http.Request) {
	drivers := []domain.DriverSnapshot{}
	if h.drivers != nil {
		if vehicleType := r.URL.Query().Get("vehicleType"); vehicleType != "" {
			drivers = append(drivers, h.drivers.Candidates(vehicleType)...)
		} else {
			drivers = append(drivers, h.drivers.All()...)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers})
}

func (h *HTTP) refreshNearby(w http.ResponseWriter, r *http.Request) {
	var point domain.GeoPoint
	if err := json.NewDecoder(r.Body).Decode(&point); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.matcher.RefreshNearby(r.Context(), point); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type rideRequest struct {
	estimateRequest
	DistanceKm float64               `json:"distance"`
	Fare       *domain.FareBreakdown `json:"fare,omitempty"`
}

// requestRide blocks until a driver accepts or the request resolves without
// one. The fare shown to the rider is reused when the client echoes it.
func (h *HTTP) requestRide(w http.ResponseWriter, r *http.Request) {
	riderID, ok := auth.RiderFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var payload rideRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.matcher.Pending(riderID) {
		h.fail(w, r, domain.ErrDuplicateRequest)
		return
	}
	if v := h.rides.Snapshot(); v.Ride != nil && !v.Ride.Status.Terminal() {
		h.fail(w, r, domain.ErrDuplicateRequest)
		return
	}

	params := matching.Params{
		RiderID:     riderID,
		VehicleType: payload.VehicleType,
		Pickup:      payload.Pickup,
		Destination: payload.Destination,
		DistanceKm:  payload.DistanceKm,
	}
	if payload.Fare != nil && payload.DistanceKm > 0 {
		params.Fare = *payload.Fare
	} else {
		est, err := h.matcher.Estimate(r.Context(), payload.VehicleType, payload.Pickup, payload.Destination)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		params = est.Params(riderID)
	}

	assignment, err := h.matcher.RequestRide(r.Context(), params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.rides.Track(r.Context(), assignment.Ride); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (h *HTTP) currentRide(w http.ResponseWriter, r *http.Request) {
	view := h.rides.Snapshot()
	if view.Ride == nil {
		h.fail(w, r, domain.ErrNoActiveRide)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTP) quoteCancellation(w http.ResponseWriter, r *http.Request) {
	quote, err := h.rides.QuoteCancellation(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type cancelRequest struct {
	ExpectedFee *float64 `json:"expectedFee"`
}

// cancelRide charges only the fee the rider was shown. A different fee is
// returned with 409 for the rider to confirm again.
func (h *HTTP) cancelRide(w http.ResponseWriter, r *http.Request) {
	var payload cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.ExpectedFee == nil {
		http.Error(w, "expectedFee is required", http.StatusBadRequest)
		return
	}

	var changed *domain.CancellationQuote
	confirm := tracking.ConfirmFunc(func(_ context.Context, q domain.CancellationQuote) (bool, error) {
		if math.Abs(q.Fee-*payload.ExpectedFee) > 0.005 {
			changed = &q
			return false, nil
		}
		return true, nil
	})
	ride, err := h.rides.Cancel(r.Context(), confirm)
	if err != nil {
		if errors.Is(err, domain.ErrCancellationDeclined) && changed != nil {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "The cancellation fee has changed.", "quote": changed})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *HTTP) rateRide(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Rating float64 `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := h.rides.Rate(r.Context(), payload.Rating)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *HTTP) notifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": h.rides.Notifications()})
}

// errorResponses maps each failure to one status and the message shown to
// the rider. Order matters where sentinels wrap each other.
var errorResponses = []struct {
	err     error
	status  int
	message string
}{
	{domain.ErrNoDriversAvailable, http.StatusServiceUnavailable, "No drivers are available right now. Please try again."},
	{domain.ErrDuplicateRequest, http.StatusConflict, "You already have a ride in progress."},
	{domain.ErrGeocodeUnavailable, http.StatusBadGateway, "We could not look up that location."},
	{domain.ErrDistanceUnavailable, http.StatusBadGateway, "We could not calculate the route."},
	{domain.ErrPricingUnavailable, http.StatusBadGateway, "Fare is not available for this trip."},
	{domain.ErrCancellationNotPermitted, http.StatusConflict, "This ride can no longer be cancelled."},
	{domain.ErrCancellationDeclined, http.StatusConflict, "Cancellation was not confirmed."},
	{domain.ErrQuoteExpired, http.StatusConflict, "Your ride status changed. Please review the cancellation again."},
	{domain.ErrRatingNotPermitted, http.StatusConflict, "You can rate the driver once the trip is complete."},
	{domain.ErrInvalidRating, http.StatusBadRequest, "Rating must be between 1 and 5."},
	{domain.ErrNoActiveRide, http.StatusNotFound, "You have no active ride."},
	{realtime.ErrNotConnected, http.StatusServiceUnavailable, "Connection lost. Reconnecting..."},
}

func (h *HTTP) fail(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorResponses {
		if errors.Is(err, e.err) {
			h.logger.Debug("request failed", zap.String("path", r.URL.Path), zap.Int("status", e.status), zap.Error(err))
			writeJSON(w, e.status, map[string]string{"error": e.message})
			return
		}
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Something went wrong. Please try again."})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
