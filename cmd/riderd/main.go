package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/riderlink/internal/auth"
	"github.com/example/riderlink/internal/config"
	"github.com/example/riderlink/internal/dispatchapi"
	"github.com/example/riderlink/internal/events"
	"github.com/example/riderlink/internal/gate"
	"github.com/example/riderlink/internal/geolocation"
	ratelimitmw "github.com/example/riderlink/internal/http/middleware"
	"github.com/example/riderlink/internal/pricing"
	"github.com/example/riderlink/internal/ratelimit"
	"github.com/example/riderlink/internal/realtime"
	"github.com/example/riderlink/internal/ride/domain"
	"github.com/example/riderlink/internal/ride/handler"
	"github.com/example/riderlink/internal/ride/matching"
	"github.com/example/riderlink/internal/ride/tracking"
	"github.com/example/riderlink/internal/roster"
	"github.com/example/riderlink/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.Load()
	logger := observability.SetupLogger("riderd", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	shutdown, err := observability.SetupTracer(ctx, "riderd", nil)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	riderID := resolveRider(cfg, logger)
	logger = logger.With(zap.String("rider_id", riderID))

	redisClient := newRedisClient(ctx, cfg.RedisAddr, logger)
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	var publisher domain.EventPublisher = events.Nop{}
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("riderd")); err == nil {
			publisher = events.NewPublisher(conn, cfg.EventsSubject)
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	token := func() string { return cfg.AccessToken }

	geo, err := geolocation.New(geolocation.Config{
		APIKey:            cfg.GoogleMapsKey,
		BaseURL:           cfg.GoogleMapsBaseURL,
		RequestsPerSecond: cfg.GoogleMapsRPS,
	}, logger)
	if err != nil {
		logger.Fatal("geolocation setup", zap.Error(err))
	}
	api, err := dispatchapi.New(cfg.DispatchURL, token, httpClient, logger)
	if err != nil {
		logger.Fatal("dispatch api setup", zap.Error(err))
	}
	pricer := pricing.New(cfg.PricingURL, token, httpClient)

	header := http.Header{}
	if cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AccessToken)
	}
	dispatcher := realtime.NewDispatcher(logger)
	channel := realtime.NewChannel(realtime.Config{
		URL:        cfg.RealtimeURL,
		Header:     header,
		MinBackoff: cfg.MinBackoff,
		MaxBackoff: cfg.MaxBackoff,
	}, dispatcher, logger)

	drivers := roster.New(domain.SystemClock{}, cfg.RosterMoveDuration, logger)
	drivers.Attach(dispatcher)

	coordinator, err := matching.New(matching.Deps{
		Dispatcher:  dispatcher,
		Sender:      channel,
		Roster:      drivers,
		Gate:        gate.Chain{localGate(redisClient), api},
		Geolocation: geo,
		Pricing:     pricer,
		Publisher:   publisher,
	}, matching.Config{ResolutionTimeout: cfg.ResolutionTimeout}, logger)
	if err != nil {
		logger.Fatal("matching setup", zap.Error(err))
	}

	tracker, err := tracking.New(tracking.Deps{
		Dispatcher:  dispatcher,
		Sender:      channel,
		Geolocation: geo,
		Pricing:     pricer,
		API:         api,
		Roster:      drivers,
		Publisher:   publisher,
		Limiter:     distanceLimiter(redisClient, riderID, cfg.RecomputeInterval, logger),
		Notify: func(n domain.Notification) {
			logger.Info("rider notification", zap.String("kind", string(n.Kind)), zap.String("ride_id", n.RideID), zap.String("message", n.Message))
		},
	}, tracking.Config{
		RecomputeInterval: cfg.RecomputeInterval,
		AverageSpeedKmh:   cfg.AverageSpeedKmh,
		LookupTimeout:     cfg.LookupTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("tracking setup", zap.Error(err))
	}
	defer tracker.Close()

	channel.OnConnect(coordinator.ResyncNearby)
	channel.OnConnect(tracker.Resync)
	go func() {
		if err := channel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("realtime channel stopped", zap.Error(err))
		}
	}()

	resumeActiveRide(ctx, api, tracker, logger)

	limiter := ratelimitmw.NewRateLimiter(redisClient, cfg.RateRead, cfg.RateWrite, logger)
	control := handler.NewHTTP(coordinator, tracker, drivers, logger)

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(channel.Connected))
	r.Mount("/", control.Router(auth.Middleware(cfg.JWTSecret, riderID), limiter.Middleware))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("rider control api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// resolveRider takes the rider id from the access token, falling back to the
// configured id.
func resolveRider(cfg config.Config, logger *zap.Logger) string {
	if cfg.AccessToken == "" {
		return cfg.RiderID
	}
	identity, err := auth.IdentityFromToken(cfg.AccessToken)
	if err != nil {
		if cfg.RiderID == "" {
			logger.Fatal("access token unusable", zap.Error(err))
		}
		logger.Warn("access token unreadable, using configured rider id", zap.Error(err))
		return cfg.RiderID
	}
	if identity.Expired(time.Now()) {
		logger.Warn("access token expired", zap.Time("expires_at", identity.ExpiresAt))
	}
	if cfg.RiderID != "" && cfg.RiderID != identity.RiderID {
		logger.Warn("configured rider id differs from token subject", zap.String("token_subject", identity.RiderID))
	}
	return identity.RiderID
}

func resumeActiveRide(ctx context.Context, api *dispatchapi.Client, tracker *tracking.Tracker, logger *zap.Logger) {
	active, err := api.CheckActiveRide(ctx)
	if err != nil {
		logger.Warn("active ride check failed", zap.Error(err))
		return
	}
	if !active.HasActiveRide || active.Ride == nil {
		return
	}
	if err := tracker.Track(ctx, *active.Ride); err != nil {
		logger.Warn("resume active ride failed", zap.Error(err))
		return
	}
	logger.Info("resumed active ride", zap.String("ride_id", active.Ride.ID), zap.String("status", string(active.Ride.Status)))
}

func localGate(client *redis.Client) domain.RequestGate {
	if client == nil {
		return gate.NewMemoryGate(domain.SystemClock{}, gate.DefaultTTL)
	}
	return gate.NewRedisGate(client, "", gate.DefaultTTL)
}

// distanceLimiter shares the recompute budget across processes of the same
// rider when Redis is available.
func distanceLimiter(client *redis.Client, riderID string, interval time.Duration, logger *zap.Logger) ratelimit.Limiter {
	if client == nil {
		return nil
	}
	return ratelimit.NewRedisLimiter(client, "rl:distance", ratelimit.Every(interval)).For(riderID, logger)
}

func newRedisClient(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
