package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store/sqlstore"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

type httpConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8431"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

func main() {
	// best-effort: without a .env file the real environment is used
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-auth-go")

	var httpCfg httpConfig
	if err := env.Parse(&httpCfg); err != nil {
		sugar.Fatalf("http config: %v", err)
	}
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("db config: %v", err)
	}
	tokenCfg, err := token.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("token config: %v", err)
	}
	otpCfg, err := otp.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("otp config: %v", err)
	}
	smsCfg, err := otp.SMSConfigFromEnv()
	if err != nil {
		sugar.Fatalf("sms config: %v", err)
	}
	hasher, err := user.Argon2HasherFromEnv()
	if err != nil {
		sugar.Fatalf("password config: %v", err)
	}
	limitCfg, err := router.RateLimitConfigFromEnv()
	if err != nil {
		sugar.Fatalf("rate limit config: %v", err)
	}

	db, err := database.Connect(dbCfg)
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()
	sugar.Infow("database connected", "driver", dbCfg.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := sqlstore.New(db)
	if err := st.EnsureSchema(ctx); err != nil {
		sugar.Fatalf("ensure schema: %v", err)
	}

	clock := clockwork.NewRealClock()
	issuer, err := token.NewIssuer(tokenCfg, clock)
	if err != nil {
		sugar.Fatalf("token issuer: %v", err)
	}
	otps := otp.NewManager(st, otp.NewSender(smsCfg, sugar), clock, otpCfg, sugar)
	svc := auth.NewService(st, user.NewPasswords(hasher), issuer, otps, clock, sugar)

	limiter := router.NewRateLimiter(limitCfg)
	go limiter.Run(ctx)

	srv := &http.Server{
		Addr:         httpCfg.Addr,
		Handler:      router.RegisterRoutes(sugar, auth.NewHandler(svc, sugar), limiter),
		ReadTimeout:  httpCfg.ReadTimeout,
		WriteTimeout: httpCfg.WriteTimeout,
	}

	go func() {
		sugar.Infow("http server listening", "addr", httpCfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), httpCfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}
