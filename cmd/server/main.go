package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	adminHandler "kyc-gateway/internal/admin/handler"
	"kyc-gateway/internal/audit"
	auditKafka "kyc-gateway/internal/audit/kafka"
	auditStore "kyc-gateway/internal/audit/store"
	"kyc-gateway/internal/delivery"
	docStore "kyc-gateway/internal/document/store"
	"kyc-gateway/internal/extract"
	"kyc-gateway/internal/fraud"
	"kyc-gateway/internal/jwtauth"
	kycHandler "kyc-gateway/internal/kyc/handler"
	"kyc-gateway/internal/objectstore"
	"kyc-gateway/internal/otp"
	otpRatelimit "kyc-gateway/internal/otp/ratelimit"
	otpStore "kyc-gateway/internal/otp/store"
	"kyc-gateway/internal/pii"
	"kyc-gateway/internal/platform/config"
	"kyc-gateway/internal/platform/httpserver"
	"kyc-gateway/internal/platform/logger"
	"kyc-gateway/internal/platform/metrics"
	"kyc-gateway/internal/platform/postgres"
	"kyc-gateway/internal/platform/redis"
	"kyc-gateway/internal/processing"
	"kyc-gateway/internal/scan"
	sessionService "kyc-gateway/internal/session/service"
	sessionStore "kyc-gateway/internal/session/store"
	httptransport "kyc-gateway/internal/transport/http"
	"kyc-gateway/internal/upload"
	txcontext "kyc-gateway/pkg/platform/tx"
)

const shutdownTimeout = 10 * time.Second

// main wires the dependency graph and owns the process lifecycle. Business
// logic lives in the internal service packages; nothing here makes decisions
// beyond "what talks to what".
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open pings the database and applies pending migrations.
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	storage, err := objectstore.NewS3(ctx, cfg.Storage)
	if err != nil {
		log.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	codec, err := pii.NewCodec(cfg.PII.EncryptionKey, cfg.PII.FingerprintKey)
	if err != nil {
		log.Error("failed to load encryption keys", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	runner := txcontext.NewRunner(db)

	// Stores.
	sessions := sessionStore.NewPostgres(db)
	documents := docStore.NewPostgres(db)
	challenges := otpStore.NewPostgres(db)
	audits := auditStore.NewPostgres(db)

	// Durable audit path: callers hand entries to the publisher, the worker
	// writes them with retries, the forwarder drains the outbox to Kafka.
	publisher := audit.NewPublisher(audits, cfg.Audit.BufferSize, log)
	auditWorker := audit.NewWorker(audits, publisher.Inbox(), cfg.Audit.MaxRetries, log)

	// External collaborators.
	scanner := scan.NewHTTPScanner(cfg.Scanner, log)
	extractor := extract.NewHTTPExtractor(cfg.Extract, log)
	var sender delivery.Sender
	if cfg.Delivery.SMSWebhookURL != "" || cfg.Delivery.EmailWebhookURL != "" {
		sender = delivery.NewWebhook(cfg.Delivery, log)
	} else {
		log.Warn("no delivery webhooks configured, logging OTP dispatches instead")
		sender = delivery.NewLog(log)
	}

	var limiter otpRatelimit.Limiter
	if redisClient != nil {
		limiter = otpRatelimit.NewRedis(redisClient.Client, cfg.OTP.IssueLimit, cfg.OTP.IssueWindow)
	} else {
		log.Warn("redis not configured, using in-process OTP rate limiting")
		limiter = otpRatelimit.NewInMemory(cfg.OTP.IssueLimit, cfg.OTP.IssueWindow)
	}

	// Services.
	sessionSvc := sessionService.New(sessions, documents, runner,
		sessionService.WithLogger(log),
		sessionService.WithRecorder(publisher),
		sessionService.WithMetrics(m),
	)
	detector := fraud.NewDetector(documents, sessions, log)
	pipeline := processing.New(sessionSvc, sessions, documents, scanner, extractor, codec, detector,
		processing.WithLogger(log),
		processing.WithRecorder(publisher),
		processing.WithMetrics(m),
	)
	uploadSvc := upload.New(storage, sessionSvc, documents,
		upload.WithLogger(log),
		upload.WithRecorder(publisher),
		upload.WithPipeline(pipeline),
	)
	otpSvc := otp.New(challenges, sessionSvc, limiter, sender, pipeline, cfg.OTP,
		otp.WithLogger(log),
		otp.WithRecorder(publisher),
		otp.WithMetrics(m),
	)

	jwtValidator := jwtauth.New(cfg.JWTSigningKey, "kyc-gateway")

	router := httptransport.NewRouter(httptransport.Deps{
		KYC:     kycHandler.New(sessionSvc, uploadSvc, otpSvc, log, jwtValidator),
		Admin:   adminHandler.New(sessionSvc, audits, log, jwtValidator),
		Metrics: m,
		Logger:  log,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return auditWorker.Run(gctx) })

	if cfg.Audit.KafkaBrokers != "" {
		forwarder, err := auditKafka.NewForwarder(
			strings.Split(cfg.Audit.KafkaBrokers, ","),
			cfg.Audit.KafkaTopic,
			audits,
			5*time.Second,
			log,
		)
		if err != nil {
			log.Error("failed to connect to kafka", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return forwarder.Run(gctx) })
	}

	g.Go(func() error {
		log.Info("starting kyc-gateway", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
