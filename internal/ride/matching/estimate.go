package matching

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/example/riderlink/internal/ride/domain"
)

// Estimate is the priced preview a ride request is built from.
type Estimate struct {
	VehicleType string               `json:"vehicleType"`
	Pickup      domain.Place         `json:"pickup"`
	Destination domain.Place         `json:"destination"`
	DistanceKm  float64              `json:"distance"`
	DurationMin float64              `json:"duration"`
	District    string               `json:"district"`
	Fare        domain.FareBreakdown `json:"fare"`
}

// Params turns the estimate into request parameters for riderID.
func (e Estimate) Params(riderID string) Params {
	return Params{
		RiderID:     riderID,
		VehicleType: e.VehicleType,
		Pickup:      e.Pickup,
		Destination: e.Destination,
		DistanceKm:  e.DistanceKm,
		Fare:        e.Fare,
	}
}

// Estimate prices a trip. Any failed lookup aborts; no value is guessed.
func (c *Coordinator) Estimate(ctx context.Context, vehicleType string, pickup, destination domain.Place) (Estimate, error) {
	ctx, span := otel.Tracer("matching").Start(ctx, "Estimate")
	defer span.End()

	if c.deps.Geolocation == nil || c.deps.Pricing == nil {
		return Estimate{}, errors.New("estimates need geolocation and pricing")
	}

	route, err := c.deps.Geolocation.DrivingRoute(ctx, pickup.Point, destination.Point)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Estimate{}, wrapAs(domain.ErrDistanceUnavailable, err)
	}
	district, err := c.deps.Geolocation.District(ctx, pickup.Point)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Estimate{}, wrapAs(domain.ErrGeocodeUnavailable, err)
	}
	fare, err := c.deps.Pricing.CalculateFare(ctx, domain.FareQuery{
		VehicleType: vehicleType,
		DistanceKm:  route.DistanceKm,
		DurationMin: route.Duration.Minutes(),
		District:    district,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Estimate{}, wrapAs(domain.ErrPricingUnavailable, err)
	}
	if fare == nil {
		return Estimate{}, fmt.Errorf("%w: no fare for %s in %s", domain.ErrPricingUnavailable, vehicleType, district)
	}

	pickup.Name = c.nameOf(ctx, pickup)
	destination.Name = c.nameOf(ctx, destination)
	return Estimate{
		VehicleType: vehicleType,
		Pickup:      pickup,
		Destination: destination,
		DistanceKm:  route.DistanceKm,
		DurationMin: route.Duration.Minutes(),
		District:    district,
		Fare:        *fare,
	}, nil
}

// nameOf fills a missing place name. The name is cosmetic, so a failed
// lookup leaves it empty.
func (c *Coordinator) nameOf(ctx context.Context, p domain.Place) string {
	if p.Name != "" {
		return p.Name
	}
	name, err := c.deps.Geolocation.PlaceName(ctx, p.Point)
	if err != nil {
		c.logger.Debug("place name lookup failed", zap.Error(err))
		return ""
	}
	return name
}

func wrapAs(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
