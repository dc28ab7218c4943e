package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-onboard"
	"github.com/goliatone/go-onboard/activitymap"
	"github.com/goliatone/go-onboard/config"
	"github.com/goliatone/go-onboard/logging"
	"github.com/goliatone/go-onboard/middleware/jwtware"
	"github.com/goliatone/go-onboard/policy"
	"github.com/goliatone/go-onboard/provider/local"
	"github.com/goliatone/go-onboard/repository"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("onboard: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl, err := logging.New(cfg.LogLevel, !cfg.IsProduction())
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	zap.ReplaceGlobals(zl)
	logger := logging.NewZapLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	defer db.Close()

	redisClient, err := newRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	repos := repository.NewManager(db, redisClient,
		repository.WithPendingPrefix(cfg.RedisPrefix),
		repository.WithPendingTTL(cfg.GetOTPTTL()),
	)
	repos.MustValidate()
	if err := repos.Migrate(ctx); err != nil {
		return err
	}

	notifier := newNotifier(cfg, logger)
	sink := activityLogger(zl.Named("activity"))

	provider := local.New(db,
		local.WithLogger(logger.Named("provider")),
		local.WithNotifier(notifier),
		local.WithHashCost(cfg.BcryptCost),
		local.WithHashedIDs(cfg.HashedIDs),
	)
	if err := provider.CreateTable(ctx); err != nil {
		return err
	}

	otpOpts := []onboard.OTPOption{
		onboard.WithOTPTTL(cfg.GetOTPTTL()),
		onboard.WithNotifier(notifier),
		onboard.WithPhoneRegion(cfg.GetPhoneRegion()),
		onboard.WithRequestLimit(cfg.GetOTPRequestsPerMinute(), cfg.OTPRequestBurst),
		onboard.WithOTPActivitySink(sink),
		onboard.WithOTPLogger(logger.Named("otp")),
	}
	if key := cfg.GetSealingKey(); key != "" {
		sealer, err := onboard.NewAESSealer([]byte(key))
		if err != nil {
			return err
		}
		otpOpts = append(otpOpts, onboard.WithPasswordSealer(sealer))
	}
	otp := onboard.NewOTPChallenge(repos.Pending(), provider, otpOpts...)

	gate := onboard.NewApprovalGate(repos.Profiles(),
		onboard.WithApprovalLogger(logger.Named("approval")),
		onboard.WithApprovalActivitySink(sink),
	)

	registrar := onboard.NewRegistrar(otp, provider,
		onboard.NewClaimsIssuer(provider, logger.Named("claims")),
		gate,
		onboard.WithRegistrarLogger(logger.Named("registrar")),
		onboard.WithRegistrarActivitySink(sink),
	)

	tokens := onboard.NewTokenService([]byte(cfg.GetSigningKey()),
		onboard.WithTokenIssuer(cfg.GetIssuer()),
		onboard.WithTokenAudience(cfg.Audience()...),
		onboard.WithTokenExpiration(cfg.GetTokenExpiration()),
		onboard.WithTokenLogger(logger.Named("tokens")),
	)

	evaluator := onboard.NewEvaluator(provider, gate,
		onboard.WithTokenService(tokens),
		onboard.WithResendVerification(cfg.ResendVerification),
		onboard.WithEvaluatorLogger(logger.Named("evaluator")),
		onboard.WithEvaluatorActivitySink(sink),
	)

	authz, err := newAuthorizer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	controller := onboard.NewController(otp, registrar, evaluator, gate,
		onboard.WithControllerLogger(logger.Named("http")),
		onboard.WithControllerDebug(cfg.Debug),
		onboard.WithControllerAuthorizer(authz),
	)

	authenticate := jwtware.New(jwtware.Config{
		SigningKeys: map[string]jwtware.SigningKey{
			tokens.KeyID(): {JWTAlg: jwt.SigningMethodHS256.Alg(), Key: tokens.SigningKey()},
		},
		Issuer:   cfg.GetIssuer(),
		Audience: cfg.Audience(),
	})

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var ferr *fiber.Error
			if errors.As(err, &ferr) {
				return c.Status(ferr.Code).JSON(fiber.Map{"error": ferr.Message})
			}
			return onboard.WriteError(c, err)
		},
	})
	app.Use(logging.RequestLogger(zl.Named("http")))
	controller.RegisterRoutes(app, authenticate)

	sessions := onboard.NewSessionSynchronizer(provider, provider,
		onboard.WithSynchronizerLogger(logger.Named("sessions")),
	)
	if err := sessions.Start(ctx); err != nil {
		return err
	}
	defer sessions.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening on %s", cfg.HTTPAddr)
		return app.Listen(cfg.HTTPAddr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	g.Go(func() error {
		return otp.RunSweeper(gctx, cfg.GetSweepInterval())
	})

	if store, ok := repos.Pending().(*onboard.MemoryPendingStore); ok {
		g.Go(func() error {
			return store.RunSweeper(gctx, cfg.GetSweepInterval())
		})
	}

	g.Go(func() error {
		watchSessions(gctx, sessions, zl.Named("sessions"))
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newRedisClient(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func newNotifier(cfg *config.Config, logger *logging.ZapLogger) onboard.Notifier {
	if cfg.DevConsoleNotifier {
		return onboard.NewConsoleNotifier(logger.Named("notifier"))
	}
	return onboard.NotifierFunc(func(_ context.Context, email, _ string) error {
		logger.Warn("no notifier configured, code for %s was not delivered", email)
		return nil
	})
}

func newAuthorizer(ctx context.Context, cfg *config.Config, logger *logging.ZapLogger) (onboard.Authorizer, error) {
	opts := []policy.Option{policy.WithLogger(logger.Named("policy"))}
	if cfg.PolicyFile != "" {
		src, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		opts = append(opts, policy.WithModule(cfg.PolicyPackage, string(src)))
	}
	return policy.NewRegoAuthorizer(ctx, opts...)
}

func activityLogger(logger *zap.Logger) onboard.ActivitySink {
	return activitymap.Sink(func(_ context.Context, rec activitymap.Record) error {
		logger.Info("activity",
			zap.String("verb", rec.Verb),
			zap.String("actor", rec.ActorID),
			zap.String("object_type", rec.ObjectType),
			zap.String("object_id", rec.ObjectID),
			zap.String("channel", rec.Channel),
			zap.Any("metadata", rec.Metadata),
			zap.Time("at", rec.OccurredAt),
		)
		return nil
	})
}

func watchSessions(ctx context.Context, sessions *onboard.SessionSynchronizer, logger *zap.Logger) {
	updates, cancel := sessions.Watch()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case state := <-updates:
			if state.Loading {
				continue
			}
			if !state.Authenticated() {
				logger.Debug("session cleared")
				continue
			}
			logger.Debug("session active",
				zap.String("identity", state.Identity.ID),
				zap.String("role", state.Role.String()),
				zap.String("department", state.Department),
			)
		}
	}
}
