package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"callbrand/internal/api"
	"callbrand/internal/awsutil"
	"callbrand/internal/config"
	"callbrand/internal/events"
	"callbrand/internal/httpserver"
	"callbrand/internal/logging"
	"callbrand/internal/observability"
	sqsqueue "callbrand/internal/queue/sqs"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadRelay()
	logging.Init("event-relay", cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.SQS)
	if err != nil {
		slog.Error("event-relay sqs client init failed", "err", err)
		os.Exit(1)
	}
	queueReachable := func(c context.Context) error {
		_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
			QueueUrl:       &cfg.SQSQueueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := queueReachable(startupCtx); err != nil {
		startupCancel()
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}
	startupCancel()

	observability.Register(prometheus.DefaultRegisterer)

	pinned, err := api.LoadPinnedCA(cfg.PinnedCAFile)
	if err != nil {
		slog.Error("event-relay pinned ca load failed", "file", cfg.PinnedCAFile, "err", err)
		os.Exit(1)
	}
	client := api.New(cfg.BaseURL, cfg.APIKey,
		api.NewHTTPClient(cfg.HTTPTimeout, api.DefaultTrustChain(pinned)),
		api.NewBreaker("relay"),
	)
	relay := &events.Relay{
		Sink:    client,
		Limiter: rate.NewLimiter(rate.Limit(cfg.RelayRPS), cfg.RelayBurst),
	}
	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// health + metrics servers
	healthMux := httpserver.New().Mux
	healthMux.Use(httpserver.Logging)
	healthMux.HandleFunc("/healthz", httpserver.Liveness()).Methods(http.MethodGet)
	healthMux.HandleFunc("/readyz", httpserver.Readiness(2*time.Second, httpserver.Check{Name: "sqs", Run: queueReachable})).Methods(http.MethodGet)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: healthMux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 2)
	go func() {
		slog.Info("event-relay health listening", "port", cfg.Port)
		srvErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("event-relay metrics listening", "port", cfg.MetricsPort)
		srvErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("event-relay starting poll", "queue_url", cfg.SQSQueueURL, "workers", cfg.RelayConcurrency)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.RelayConcurrency, func(ctx context.Context, ev api.EventRequest) (err error) {
			start := time.Now()
			defer func() {
				if err != nil {
					slog.Info("event-relay job finish",
						"idempotency_key", ev.IdempotencyKey,
						"status", "error",
						"duration", time.Since(start),
						"err", err,
					)
					return
				}
				slog.Debug("event-relay job finish",
					"idempotency_key", ev.IdempotencyKey,
					"status", "ok",
					"duration", time.Since(start),
				)
			}()
			return relay.Handle(ctx, ev)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("event-relay poll failed", "err", err)
			exitCode = 1
		}
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("event-relay server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("event-relay shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("event-relay shutdown timeout waiting for poll loop")
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
