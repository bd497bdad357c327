package tracking

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/example/riderlink/internal/realtime"
	"github.com/example/riderlink/internal/ride/domain"
)

const confirmMessage = "Are you sure you want to cancel this ride?"

// Confirmer asks the rider to accept a cancellation quote.
type Confirmer interface {
	Confirm(ctx context.Context, quote domain.CancellationQuote) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, quote domain.CancellationQuote) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, quote domain.CancellationQuote) (bool, error) {
	return f(ctx, quote)
}

// ArrivedFee is the flat fee once the driver waits at the pickup, tiered by
// the booked fare.
func ArrivedFee(totalFare float64) float64 {
	switch {
	case totalFare <= 200:
		return 100
	case totalFare <= 500:
		return 150
	default:
		return 200
	}
}

// QuoteCancellation prices cancelling the tracked ride in its current state.
// Any failed lookup aborts the quote.
func (t *Tracker) QuoteCancellation(ctx context.Context) (domain.CancellationQuote, error) {
	ctx, span := otel.Tracer("tracking").Start(ctx, "QuoteCancellation")
	defer span.End()

	t.mu.Lock()
	if t.ride == nil {
		t.mu.Unlock()
		return domain.CancellationQuote{}, domain.ErrNoActiveRide
	}
	ride := *t.ride
	var driverPos *domain.GeoPoint
	if t.driverPos != nil {
		p := *t.driverPos
		driverPos = &p
	}
	t.mu.Unlock()
	span.SetAttributes(attribute.String("ride.id", ride.ID), attribute.String("ride.status", string(ride.Status)))

	quote := domain.CancellationQuote{RideID: ride.ID, Status: ride.Status, Location: ride.Pickup}
	switch ride.Status {
	case domain.StatusBooked, domain.StatusProcessing:
		quote.Message = confirmMessage
		return quote, nil

	case domain.StatusArrived:
		fee := ArrivedFee(ride.Fare.TotalFare)
		quote.Fee = fee
		quote.Fare = domain.FareBreakdown{TotalFare: fee, DriverEarnings: fee}
		quote.Message = fmt.Sprintf("Your driver is waiting at the pickup point. A cancellation fee of ₹%.0f applies.", fee)
		return quote, nil

	case domain.StatusOngoing:
		if driverPos == nil {
			err := fmt.Errorf("%w: driver position unknown", domain.ErrDistanceUnavailable)
			span.SetStatus(codes.Error, err.Error())
			return domain.CancellationQuote{}, err
		}
		route, err := t.deps.Geolocation.DrivingRoute(ctx, *driverPos, ride.Pickup.Point)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return domain.CancellationQuote{}, wrapAs(domain.ErrDistanceUnavailable, err)
		}
		district, err := t.deps.Geolocation.District(ctx, ride.Pickup.Point)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return domain.CancellationQuote{}, wrapAs(domain.ErrGeocodeUnavailable, err)
		}
		km := route.DistanceKm
		fare, err := t.deps.Pricing.CalculateFare(ctx, domain.FareQuery{
			VehicleType: ride.VehicleType,
			DistanceKm:  km,
			DurationMin: route.Duration.Minutes(),
			District:    district,
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return domain.CancellationQuote{}, wrapAs(domain.ErrPricingUnavailable, err)
		}
		if fare == nil {
			return domain.CancellationQuote{}, fmt.Errorf("%w: no fare for %.2f km in %s", domain.ErrPricingUnavailable, km, district)
		}
		name, err := t.deps.Geolocation.PlaceName(ctx, *driverPos)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return domain.CancellationQuote{}, wrapAs(domain.ErrGeocodeUnavailable, err)
		}
		quote.Fee = fare.TotalFare
		quote.Fare = *fare
		quote.DistanceTravelledKm = km
		quote.Location = domain.Place{Point: *driverPos, Name: name}
		quote.Message = fmt.Sprintf("You have travelled %.1f km. Cancelling now costs ₹%.0f.", km, fare.TotalFare)
		return quote, nil

	default:
		return domain.CancellationQuote{}, fmt.Errorf("%w: ride is %s", domain.ErrCancellationNotPermitted, ride.Status)
	}
}

// Cancel quotes, asks c to confirm and submits the cancellation. The server
// record replaces the mirror; the status broadcast is best effort.
func (t *Tracker) Cancel(ctx context.Context, c Confirmer) (domain.Ride, error) {
	ctx, span := otel.Tracer("tracking").Start(ctx, "Cancel")
	defer span.End()

	quote, err := t.QuoteCancellation(ctx)
	if err != nil {
		return domain.Ride{}, err
	}
	ok, err := c.Confirm(ctx, quote)
	if err != nil {
		return domain.Ride{}, fmt.Errorf("confirm cancellation: %w", err)
	}
	if !ok {
		return domain.Ride{}, domain.ErrCancellationDeclined
	}

	t.mu.Lock()
	if t.ride == nil || t.ride.ID != quote.RideID || t.ride.Status != quote.Status {
		t.mu.Unlock()
		return domain.Ride{}, domain.ErrQuoteExpired
	}
	riderID := t.ride.RiderID
	t.mu.Unlock()

	updated, err := t.deps.API.CancelRide(ctx, domain.CancelRideInput{
		RideID:                quote.RideID,
		Fare:                  quote.Fare,
		DistanceTravelledKm:   quote.DistanceTravelledKm,
		Location:              quote.Location.Point,
		CancelledLocationName: quote.Location.Name,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Ride{}, fmt.Errorf("cancel ride: %w", err)
	}
	if updated.ID == "" {
		updated.ID = quote.RideID
	}
	updated.Status = domain.StatusCancelled

	t.mu.Lock()
	if t.ride != nil && t.ride.ID == updated.ID {
		t.ride = &updated
		t.eta, t.remaining = nil, nil
		t.unsubscribeLocked()
	}
	t.mu.Unlock()
	cancellations.WithLabelValues(string(quote.Status)).Inc()

	if err := t.deps.Sender.Send(ctx, realtime.KindRideStatusUpdate, realtime.RideStatusPush{RideData: updated, Status: domain.StatusCancelled}); err != nil {
		t.logger.Warn("cancellation broadcast failed", zap.String("ride_id", updated.ID), zap.Error(err))
	}
	t.logger.Info("ride cancelled", zap.String("ride_id", updated.ID), zap.Float64("fee", quote.Fee), zap.String("from", string(quote.Status)))
	t.publish(ctx, domain.RideEvent{
		Type:      domain.EventRideCancelled,
		RideID:    updated.ID,
		RiderID:   riderID,
		Payload:   map[string]any{"fee": quote.Fee, "from": string(quote.Status), "distanceTravelled": quote.DistanceTravelledKm},
		CreatedAt: t.deps.Clock.Now(),
	})
	return updated, nil
}

func wrapAs(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
