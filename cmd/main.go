package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/ukydev/ambulance-dispatch/internal/auth"
	"github.com/ukydev/ambulance-dispatch/internal/broker"
	"github.com/ukydev/ambulance-dispatch/internal/config"
	"github.com/ukydev/ambulance-dispatch/internal/db"
	"github.com/ukydev/ambulance-dispatch/internal/dispatch"
	"github.com/ukydev/ambulance-dispatch/internal/eta"
	"github.com/ukydev/ambulance-dispatch/internal/events"
	"github.com/ukydev/ambulance-dispatch/internal/handlers"
	"github.com/ukydev/ambulance-dispatch/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.SetupLogging(); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Dispatch server stopped")
	}
	log.Info("Dispatch server stopped")
}

// buildEstimator routes through OSRM when configured and falls back to
// straight-line estimates.
func buildEstimator(cfg *config.Config) eta.Estimator {
	straight := eta.HaversineEstimator{SpeedKmh: cfg.ETASpeedKmh}
	if cfg.OSRMURL == "" || cfg.OSRMURL == "off" {
		return straight
	}
	return &eta.Fallback{
		Primary:   eta.NewOSRMEstimator(cfg.OSRMURL, &http.Client{Timeout: cfg.Dispatch.Engine.EstimateTimeout}),
		Secondary: straight,
		Logger:    log.WithField("component", "eta"),
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	authService, err := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		return err
	}
	svc := dispatch.New(cfg.Dispatch, buildEstimator(cfg))
	g, gctx := errgroup.WithContext(ctx)

	var (
		operators db.OperatorCollection = db.NewMemoryOperatorCollection()
		roster    *db.MongoRoster
		client    *mongo.Client
	)
	if cfg.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		client, err = db.ConnectMongo(connectCtx, cfg.MongoURI)
		cancel()
		if err != nil {
			return err
		}
		defer func() {
			_ = client.Disconnect(context.Background())
		}()
		log.WithField("database", cfg.MongoDB).Info("Connected to MongoDB")

		database := client.Database(cfg.MongoDB)
		mongoOps := &db.MongoOperatorCollection{Collection: database.Collection(db.CollectionOperators)}
		if err := mongoOps.EnsureIndexes(ctx); err != nil {
			return err
		}
		operators = mongoOps

		roster = db.NewMongoRoster(database)
		if err := svc.LoadRoster(ctx, roster); err != nil {
			return err
		}

		auditor := &db.Auditor{Collection: &db.MongoEventCollection{Collection: database.Collection(db.CollectionEvents)}}
		g.Go(func() error { return svc.Bus.Consume(gctx, "audit", events.DefaultResubscribeBackoff, auditor.Run) })
	} else {
		log.Warn("MONGO_URI not set; operators are kept in memory and the event log is not persisted")
	}

	authHandler := handlers.NewAuthHandler(authService, operators)
	if err := authHandler.EnsureSupervisor(ctx, cfg.BootstrapSupervisor, cfg.BootstrapPassword); err != nil {
		return err
	}

	if cfg.MQTTBroker != "" {
		mqttClient, err := telemetry.NewIngestor(svc).Subscribe(telemetry.ClientOptions{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
		}, cfg.MQTTTopic)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)
	}

	if cfg.NATSURL != "" {
		conn, err := broker.Connect(broker.Config{URL: cfg.NATSURL})
		if err != nil {
			return err
		}
		defer conn.Close()
		bridge := broker.NewBridge(conn)
		g.Go(func() error { return svc.Bus.Consume(gctx, "nats", events.DefaultResubscribeBackoff, bridge.Run) })
	}

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(handlers.Options{
			Auth:      authService,
			Operators: operators,
			Service:   svc,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if roster != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if saveErr := svc.SaveRoster(saveCtx, roster); saveErr != nil {
			log.WithError(saveErr).Error("Failed to save roster")
		}
	}
	return err
}
