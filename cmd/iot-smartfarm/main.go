package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/alerts"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/ingestion"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/notifications"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/application/scheduler"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/email"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/mqtt"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
)

func main() {

	serviceName := "iot-smartfarm"

	log := logging.NewLogger()
	log.Infof("Starting up %s ...", serviceName)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %s", err.Error())
	}

	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		log.Fatalf("Invalid log level %q: %s", cfg.LogLevel, err.Error())
	}

	db, err := database.NewDatabaseConnection(database.NewConnector(cfg.Database, log), log)
	if err != nil {
		log.Fatalf("Failed to open database: %s", err.Error())
	}

	var bus notifications.MessagingContext

	if cfg.MessagingEnabled {
		messenger, err := messaging.Initialize(messaging.LoadConfiguration(serviceName))
		if err != nil {
			log.Fatalf("Failed to connect to the message bus: %s", err.Error())
		}
		defer messenger.Close()

		bus = messenger
	}

	mails := email.NewDispatcher(email.NewMailer(cfg.SMTP, log), cfg.EmailTimeout, log)
	sink := notifications.NewSink(db, mails, bus, log)
	evaluator := alerts.NewEvaluator(db, sink, cfg.AlertDedupWindow, log)

	broker := mqtt.NewClient(cfg.MQTT, log)
	controller := ingestion.NewController(cfg.MQTT.Prefix, db, evaluator, broker, bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := ingestion.NewDispatcher(cfg.MQTT.Prefix, controller, cfg.IngestWorkers, cfg.IngestQueueDepth, log)
	dispatcher.Start(ctx)

	for _, topic := range []string{
		cfg.MQTT.Prefix + "/device/+/data",
		cfg.MQTT.Prefix + "/device/+/status",
		cfg.MQTT.Prefix + "/location/+/+",
		cfg.MQTT.Prefix + "/location/+/+/+",
	} {
		if err := broker.Subscribe(topic, dispatcher.Submit); err != nil {
			log.Fatalf("Failed to subscribe to %s: %s", topic, err.Error())
		}
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := broker.Connect(connectCtx); err != nil {
		// the client keeps retrying in the background
		log.Errorf("MQTT broker not reachable yet: %s", err.Error())
	}
	connectCancel()

	jobs := scheduler.NewJobs(db, sink, log)
	sched, err := scheduler.New(jobs, cfg.DailySchedule, cfg.DeviceHealthSchedule, log)
	if err != nil {
		log.Fatalf("Failed to set up scheduler: %s", err.Error())
	}
	sched.Start()

	server := application.CreateRouterAndStartServing(cfg.ServicePort, log, db, controller, sink, broker)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals

	log.Infof("Received %s, shutting down ...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown failed: %s", err.Error())
	}

	sched.Stop()
	broker.Close()
	dispatcher.Stop()
	mails.Wait()

	log.Infof("%s stopped", serviceName)
}
