package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callbrand/internal/api"
	"callbrand/internal/config"
	"callbrand/internal/credstore"
	"callbrand/internal/debug"
	"callbrand/internal/device"
	"callbrand/internal/httpserver"
	"callbrand/internal/imagecache"
	"callbrand/internal/logging"
	"callbrand/internal/observability"
	"callbrand/internal/sdk"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadAgent()
	_, ring := logging.Init("agent", cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.Register(prometheus.DefaultRegisterer)

	deviceID, err := device.LoadOrCreateID(cfg.DataDir, cfg.Device.DeviceID)
	if err != nil {
		slog.Error("agent device id failed", "err", err)
		os.Exit(1)
	}

	creds, err := credentials(cfg)
	if err != nil {
		slog.Error("agent credential store failed", "err", err)
		os.Exit(1)
	}
	apiKey, err := credstore.ResolveAPIKey(creds, cfg.APIKey)
	if err != nil {
		slog.Error("agent api key load failed", "err", err)
		os.Exit(1)
	}
	if apiKey == "" {
		slog.Warn("agent has no api key; backend calls will be rejected")
	}

	pinned, err := api.LoadPinnedCA(cfg.PinnedCAFile)
	if err != nil {
		slog.Error("agent pinned ca load failed", "file", cfg.PinnedCAFile, "err", err)
		os.Exit(1)
	}
	httpClient := api.NewHTTPClient(cfg.HTTPTimeout, api.DefaultTrustChain(pinned))
	client := api.New(cfg.BaseURL, apiKey, httpClient, api.NewBreaker("backend"))

	d, err := openDeps(ctx, cfg)
	if err != nil {
		slog.Error("agent storage init failed", "err", err)
		os.Exit(1)
	}
	defer d.Close()

	images, err := imagecache.New(filepath.Join(cfg.DataDir, "logos"), httpClient)
	if err != nil {
		slog.Error("agent image cache init failed", "err", err)
		os.Exit(1)
	}

	svc, err := sdk.New(sdk.Options{
		Backend:   client,
		Store:     d.store,
		Branding:  d.branding,
		EventSink: d.sink,
		Images:    images,
		DeviceID:  deviceID,
		Device:    device.MetadataFrom(cfg.Device),
		Policy:    cfg.Policy,
		Debug:     &debug.Gate{LocalOverride: cfg.DebugLocalOverride},
		Logs:      ring,
	})
	if err != nil {
		slog.Error("agent sdk init failed", "err", err)
		os.Exit(1)
	}
	if err := sdk.Install(svc); err != nil {
		slog.Error("agent sdk install failed", "err", err)
		os.Exit(1)
	}
	defer sdk.Teardown()
	svc.Start(ctx)

	s := httpserver.NewAgent(&httpserver.API{Core: svc}, observability.AgentRequests, httpserver.Check{Name: "store", Run: svc.Ready})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux, ReadHeaderTimeout: 5 * time.Second}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 2)
	go func() {
		slog.Info("agent listening",
			"port", cfg.Port,
			"device_id_prefix", device.Prefix(deviceID),
			"store", cfg.StoreBackend,
			"event_sink", cfg.EventSink,
		)
		srvErrCh <- srv.ListenAndServe()
	}()
	go func() {
		slog.Info("agent metrics listening", "port", cfg.MetricsPort)
		srvErrCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("agent server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("agent shutdown", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	if exitCode != 0 {
		sdk.Teardown()
		d.Close()
		os.Exit(exitCode)
	}
}
