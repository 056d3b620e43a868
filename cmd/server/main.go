package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/micro-ha/ser-gateway/internal/broker"
	"github.com/micro-ha/ser-gateway/internal/config"
	"github.com/micro-ha/ser-gateway/internal/configsync"
	httpapi "github.com/micro-ha/ser-gateway/internal/http"
	"github.com/micro-ha/ser-gateway/internal/http/handlers"
	"github.com/micro-ha/ser-gateway/internal/logging"
	"github.com/micro-ha/ser-gateway/internal/manager"
	"github.com/micro-ha/ser-gateway/internal/metrics"
	"github.com/micro-ha/ser-gateway/internal/model"
	"github.com/micro-ha/ser-gateway/internal/mqtt"
	"github.com/micro-ha/ser-gateway/internal/session"
	"github.com/micro-ha/ser-gateway/internal/storage"
	"github.com/micro-ha/ser-gateway/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	base := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = base.Sync() }()
	logger := base.Sugar()

	var publishers []telemetry.Publisher
	var mqttPublisher *mqtt.Publisher
	if cfg.MQTT.Enabled() {
		mqttPublisher = mqtt.New(mqtt.Options{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Retain:      cfg.MQTT.Retain,
		}, logger)
		publishers = append(publishers, mqttPublisher)
		go func() {
			if err := mqttPublisher.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorw("mqtt connect failed", "err", err)
			}
		}()
	} else {
		logger.Infow("MQTT_BROKER_URL is empty; tag mirroring disabled")
	}

	var forwarder *broker.Forwarder
	if cfg.Kafka.Enabled() {
		forwarder = broker.NewForwarder(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	}

	tags := telemetry.NewStore(publishers...)
	datasources := storage.NewRegistry(logger)
	collectors := metrics.New()

	deps := session.Deps{
		Datasources: datasources,
		Tags:        tags,
		Metrics:     collectors,
		Logger:      logger,
	}
	// a nil *Forwarder must not end up as a non-nil interface
	if forwarder != nil {
		deps.Forwarder = forwarder
	}
	devices := manager.New(deps, datasources)

	source := configsync.NewFileSource(cfg.DevicesFile)
	cfgManager := configsync.NewManager(source, logger)
	watcher := configsync.NewWatcher(cfgManager, cfg.ConfigRefreshInterval)
	apply := func(ctx context.Context, file model.File) error {
		return devices.Apply(ctx, file)
	}
	if !watcher.RefreshNow(ctx, apply) {
		logger.Warnw("no devices configured yet", "devices_file", source.Path())
	}
	go watcher.Run(ctx, apply)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Infow("SIGHUP received; reloading devices file", "devices_file", source.Path())
				watcher.TriggerRefresh()
			}
		}
	}()

	api := handlers.New(devices, tags, collectors.Handler(), func(ctx context.Context) (bool, error) {
		return watcher.Reload(ctx, apply)
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(api),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	exitCode := 0
	logger.Infow("server starting", "addr", httpServer.Addr, "devices_file", cfg.DevicesFile)
	if err := httpapi.RunServer(ctx, httpServer, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorw("server terminated with error", "err", err)
		exitCode = 1
	}

	if err := shutdown(devices, datasources, forwarder, mqttPublisher, cfg.ShutdownTimeout); err != nil {
		logger.Warnw("shutdown finished with errors", "err", err)
	}
	logger.Infow("server stopped")
	if exitCode != 0 {
		_ = base.Sync()
		os.Exit(exitCode)
	}
}

func shutdown(
	devices *manager.Manager,
	datasources *storage.Registry,
	forwarder *broker.Forwarder,
	publisher *mqtt.Publisher,
	timeout time.Duration,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errs := []error{devices.StopAll(ctx), datasources.Close()}
	if forwarder != nil {
		errs = append(errs, forwarder.Close())
	}
	if publisher != nil {
		errs = append(errs, publisher.Close())
	}
	return errors.Join(errs...)
}
