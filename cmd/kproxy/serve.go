package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pshima/kproxy/internal/config"
	"github.com/pshima/kproxy/internal/logger"
	"github.com/pshima/kproxy/internal/metrics"
	"github.com/pshima/kproxy/internal/proxy"
	"github.com/pshima/kproxy/internal/service"
	"github.com/pshima/kproxy/pkg/certificates"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy until interrupted",
		RunE:  runServe,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile(cmd), cmd.Flags())
	if err != nil {
		return err
	}
	// serve always listens; autoStart only matters to embedding hosts.
	cfg.AutoStart = true

	log, err := logger.New(logger.Config{FilePath: cfg.LogFile, Verbose: cfg.Verbose})
	if err != nil {
		return err
	}
	defer log.Close()

	var svc *service.Service
	m := metrics.New(
		func() (proxy.StatsSnapshot, bool) { return svc.Stats() },
		func() certificates.CacheStats { return svc.CertCacheStats() },
	)
	svc = service.New(*cfg, log, service.WithObserver(proxy.MultiObserver(m, eventLogger{log})))

	if err := svc.Boot(); err != nil {
		return err
	}

	info := svc.CAInfo()
	printStatus(cmd, true, "Proxy listening on %s", svc.Addr())
	fmt.Fprintf(cmd.OutOrStdout(), "Trust %s to intercept %v\n", info.CertPath, cfg.MitmDomains)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: newAdminMux(m, svc), ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server error", "error", err, "code", "030")
			}
		}()
		log.Info("Metrics server started", "addr", cfg.MetricsAddr)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop proxy: %w", err)
	}

	printStatus(cmd, true, "Proxy stopped")
	return nil
}

// newAdminMux serves metrics and the leaf certificate cache listing.
func newAdminMux(m *metrics.Metrics, svc *service.Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/certificates", func(w http.ResponseWriter, _ *http.Request) {
		entries := svc.Certificates()
		if entries == nil {
			entries = []certificates.CertificateEntry{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	})
	return mux
}

// eventLogger writes request level events at debug level.
type eventLogger struct {
	log logger.Logger
}

func (l eventLogger) OnEvent(e proxy.Event) {
	switch ev := e.(type) {
	case proxy.RequestObserved:
		l.log.Debug("Request observed",
			"method", ev.Info.Method,
			"host", ev.Info.Host,
			"path", ev.Info.Path,
			"mitm", ev.Info.IsMitm,
			"replaced", ev.Info.DeviceIDReplaced,
		)
	case proxy.ResponseObserved:
		l.log.Debug("Response observed", "host", ev.Host, "status", ev.StatusCode, "duration", ev.Duration)
	case proxy.StatusChanged:
		l.log.Debug("Status changed", "running", ev.Running, "port", ev.Port)
	}
}
