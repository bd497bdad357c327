// Package geolocation adapts the Google Maps web services to the
// domain.Geolocation collaborator.
package geolocation

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"googlemaps.github.io/maps"

	"github.com/example/riderlink/internal/ride/domain"
)

// District lookup prefers the district level, then the city.
var districtLevels = []string{"administrative_area_level_2", "locality", "administrative_area_level_1"}

type Config struct {
	APIKey string
	// BaseURL overrides the Google endpoint, used by tests.
	BaseURL string
	// RequestsPerSecond caps outbound calls; zero keeps the client default.
	RequestsPerSecond int
	Language          string
}

// Service resolves districts, place names and driving distances.
type Service struct {
	client   *maps.Client
	language string
	logger   *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Service, error) {
	opts := []maps.ClientOption{maps.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestsPerSecond > 0 {
		opts = append(opts, maps.WithRateLimit(cfg.RequestsPerSecond))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{client: client, language: cfg.Language, logger: logger}, nil
}

func (s *Service) reverse(ctx context.Context, p domain.GeoPoint) ([]maps.GeocodingResult, error) {
	results, err := s.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Language: s.language,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no results for %s", latLng(p))
	}
	return results, nil
}

// District returns the administrative region used to pick a pricing tier.
func (s *Service) District(ctx context.Context, p domain.GeoPoint) (string, error) {
	ctx, span := otel.Tracer("geolocation").Start(ctx, "District")
	defer span.End()

	results, err := s.reverse(ctx, p)
	if err != nil {
		observe("district", err)
		return "", fmt.Errorf("%w: %v", domain.ErrGeocodeUnavailable, err)
	}
	for _, level := range districtLevels {
		for _, r := range results {
			for _, c := range r.AddressComponents {
				if hasType(c.Types, level) {
					observe("district", nil)
					return c.LongName, nil
				}
			}
		}
	}
	observe("district", errNoDistrict)
	return "", fmt.Errorf("%w: no district at %s", domain.ErrGeocodeUnavailable, latLng(p))
}

// PlaceName returns a human readable address for p.
func (s *Service) PlaceName(ctx context.Context, p domain.GeoPoint) (string, error) {
	ctx, span := otel.Tracer("geolocation").Start(ctx, "PlaceName")
	defer span.End()

	results, err := s.reverse(ctx, p)
	if err != nil {
		observe("place_name", err)
		return "", fmt.Errorf("%w: %v", domain.ErrGeocodeUnavailable, err)
	}
	observe("place_name", nil)
	return results[0].FormattedAddress, nil
}

// DrivingDistance returns the road distance in kilometres.
func (s *Service) DrivingDistance(ctx context.Context, from, to domain.GeoPoint) (float64, error) {
	route, err := s.DrivingRoute(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return route.DistanceKm, nil
}

// DrivingRoute returns the road distance with the traffic-free travel time.
func (s *Service) DrivingRoute(ctx context.Context, from, to domain.GeoPoint) (domain.Route, error) {
	leg, err := s.drive(ctx, from, to)
	if err != nil {
		return domain.Route{}, err
	}
	return domain.Route{DistanceKm: float64(leg.Distance.Meters) / 1000, Duration: leg.Duration}, nil
}

func (s *Service) drive(ctx context.Context, from, to domain.GeoPoint) (*maps.DistanceMatrixElement, error) {
	ctx, span := otel.Tracer("geolocation").Start(ctx, "DrivingDistance")
	defer span.End()

	resp, err := s.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{latLng(from)},
		Destinations: []string{latLng(to)},
		Mode:         maps.TravelModeDriving,
		Units:        maps.UnitsMetric,
	})
	if err != nil {
		observe("distance", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrDistanceUnavailable, err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		observe("distance", errNoRoute)
		return nil, fmt.Errorf("%w: empty matrix", domain.ErrDistanceUnavailable)
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		observe("distance", errNoRoute)
		return nil, fmt.Errorf("%w: element status %s", domain.ErrDistanceUnavailable, el.Status)
	}
	observe("distance", nil)
	return el, nil
}

func latLng(p domain.GeoPoint) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
