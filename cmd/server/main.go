package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"liyu1981.xyz/vitals-alert-service/pkg/aggregator"
	"liyu1981.xyz/vitals-alert-service/pkg/auth"
	"liyu1981.xyz/vitals-alert-service/pkg/classifier"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/db"
	vitalsGrpc "liyu1981.xyz/vitals-alert-service/pkg/grpc"
	vitalsHttp "liyu1981.xyz/vitals-alert-service/pkg/http"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor"
	"liyu1981.xyz/vitals-alert-service/pkg/mqtt"
	"liyu1981.xyz/vitals-alert-service/pkg/natsbus"
	"liyu1981.xyz/vitals-alert-service/pkg/registry"
	"liyu1981.xyz/vitals-alert-service/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded, reading configuration from the environment")
	}

	cfg, err := common.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := common.GetLogger()

	table := classifier.DefaultThresholds()
	if cfg.ThresholdsFile != "" {
		if table, err = classifier.LoadThresholds(cfg.ThresholdsFile); err != nil {
			log.Fatal(err)
		}
		logger.Info("Loaded threshold table", zap.String("file", cfg.ThresholdsFile))
	}
	cls, err := classifier.New(table)
	if err != nil {
		log.Fatal(err)
	}

	dbInstance := db.GetInstance(db.UseDialector(cfg.DBType))

	policy := aggregator.DefaultPolicy()
	policy.UpdateInterval = cfg.UpdateInterval
	policy.ClearAfter = cfg.ClearAfter
	policy.ForceEmitAfter = cfg.ForceEmitAfter
	policy.ListCap = cfg.ListCap
	policy.Retention = cfg.Retention
	policy.AckCoalesce = cfg.AckCoalesce

	agg := aggregator.New(cls, policy, aggregator.Options{Sink: db.NewHistoryStore(dbInstance)})
	limiters := monitor.NewRateLimiterStore(rate.Limit(cfg.DefaultRate), cfg.DefaultBurst)
	vitalsCore := monitor.New(agg, limiters)

	authenticator := auth.NewJWTAuthenticator(cfg.JWTSecret)

	hubCfg := transport.DefaultHubConfig()
	hubCfg.AuthTimeout = cfg.AuthTimeout
	hubCfg.ListCap = cfg.ListCap
	hubCfg.AllowedOrigins = cfg.AllowedOrigins
	hub := transport.NewHub(vitalsCore, registry.New(), authenticator, hubCfg)

	// the hub needs the monitor, the aggregator needs the hub
	notifiers := aggregator.MultiNotifier{hub}

	var nc *nats.Conn
	var natsConsumer *natsbus.Consumer
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL, nats.Name("vitals-alert-service"), nats.Timeout(5*time.Second))
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		notifiers = append(notifiers, natsbus.NewPublisher(nc))

		natsConsumer = natsbus.NewConsumer(vitalsCore, nc)
		if err := natsConsumer.Start(); err != nil {
			log.Fatalf("failed to subscribe to NATS: %v", err)
		}
	}
	agg.SetNotifier(notifiers)

	if policy.Retention > 0 {
		retention, err := aggregator.NewRetentionJob(agg, aggregator.DefaultRetentionSchedule)
		if err != nil {
			log.Fatal(err)
		}
		retention.Start()
		defer retention.Stop()
	}

	var mqttConsumer *mqtt.Consumer
	if cfg.MqttBroker != "" {
		mqttConsumer = mqtt.NewConsumer(vitalsCore, cfg.MqttBroker, "vitals-alert-service-"+uuid.NewString(), cfg.MqttTopic)
		if err := mqttConsumer.Start(); err != nil {
			log.Fatal(err)
		}
	}

	var grpcServer *grpc.Server
	if cfg.GrpcHostPort != "" {
		vitalsGrpcServer := vitalsGrpc.VitalsServer{Monitor: vitalsCore, Verifier: authenticator}
		interceptor := vitalsGrpcServer.CreateRateLimitInterceptor([]any{
			&vitalsGrpc.PostReadingRequest{},
		})
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(interceptor))
		vitalsGrpc.RegisterVitalsServiceServer(grpcServer, &vitalsGrpcServer)

		listener, err := net.Listen("tcp", cfg.GrpcHostPort)
		if err != nil {
			log.Fatalf("failed to listen: %v", err)
		}

		logger.Info("start gRPC server on " + cfg.GrpcHostPort)
		go func() {
			if err := grpcServer.Serve(listener); err != nil {
				log.Fatalf("grpc server failed to serve: %v", err)
			}
		}()
	}

	rs := &vitalsHttp.RestfulServer{
		Server:   gin.Default(),
		Monitor:  vitalsCore,
		Hub:      hub,
		Verifier: authenticator,
	}
	rs.Setup()

	logger.Info("http server created with:",
		zap.String("default_limiter",
			fmt.Sprintf("{\"default_rate\": %v, \"default_burst\": %v}", cfg.DefaultRate, cfg.DefaultBurst)))

	httpServer := &http.Server{Addr: cfg.HttpHostPort, Handler: rs.Server}
	go func() {
		logger.Info("Starting HTTP server on: " + cfg.HttpHostPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed to serve: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// stop taking readings first, then drop realtime clients
	if mqttConsumer != nil {
		mqttConsumer.Stop()
	}
	if natsConsumer != nil {
		if err := natsConsumer.Stop(); err != nil {
			logger.Warn("NATS consumer drain failed", zap.Error(err))
		}
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	if nc != nil {
		nc.Close()
	}

	agg.Flush()
	_ = logger.Sync()
}
