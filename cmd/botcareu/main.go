// BotCareU Core - thermometer telemetry ingestion and alerting.
//
// This is the main entry point. It wires the device message router, the
// temperature classifier, the device state tracker, the notification
// dispatcher, the realtime fan-out and the persistence gateway, then runs
// until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/botcareu/botcareu-core/internal/api"
	"github.com/botcareu/botcareu-core/internal/audit"
	"github.com/botcareu/botcareu-core/internal/auth"
	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/infrastructure/amqp"
	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
	"github.com/botcareu/botcareu-core/internal/infrastructure/database"
	"github.com/botcareu/botcareu-core/internal/infrastructure/influxdb"
	"github.com/botcareu/botcareu-core/internal/infrastructure/logging"
	"github.com/botcareu/botcareu-core/internal/infrastructure/metrics"
	"github.com/botcareu/botcareu-core/internal/infrastructure/mqtt"
	"github.com/botcareu/botcareu-core/internal/infrastructure/postgres"
	"github.com/botcareu/botcareu-core/internal/infrastructure/redisx"
	"github.com/botcareu/botcareu-core/internal/notify"
	"github.com/botcareu/botcareu-core/internal/pipeline"
	"github.com/botcareu/botcareu-core/internal/realtime"
	"github.com/botcareu/botcareu-core/internal/router"
	"github.com/botcareu/botcareu-core/internal/store"
	"github.com/botcareu/botcareu-core/internal/telemetry"
	"github.com/botcareu/botcareu-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds the wait for in-flight pipeline work.
const shutdownTimeout = 15 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// persistence is the relational backend chosen by persistence.driver.
type persistence struct {
	gateway    store.Gateway
	readings   store.ReadingLister
	devices    device.Repository
	recipients notify.RecipientDirectory
	audit      audit.Repository
	health     api.HealthChecker
}

// run is the actual application logic, separated from main for testability.
// Deferred closes run in reverse order of startup.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // startup sequence reads top to bottom
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting BotCareU Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	clock := telemetry.SystemClock{}
	m := metrics.New()
	checks := map[string]api.HealthChecker{}

	// ─── Persistence ────────────────────────────────────────────────
	var p persistence
	switch cfg.Persistence.Driver {
	case "postgres":
		pool, pgErr := postgres.Connect(ctx, cfg.Postgres)
		if pgErr != nil {
			return fmt.Errorf("connecting to PostgreSQL: %w", pgErr)
		}
		defer func() {
			log.Info("closing PostgreSQL pool")
			if closeErr := pool.Close(); closeErr != nil {
				log.Error("error closing PostgreSQL", "error", closeErr)
			}
		}()
		pg := store.NewPostgres(pool.Pool, clock)
		if schemaErr := pg.EnsureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("preparing PostgreSQL schema: %w", schemaErr)
		}
		p = persistence{gateway: pg, readings: pg, devices: pg, recipients: pg, health: pool}
		log.Info("PostgreSQL connected")

	default:
		db, dbErr := database.Open(cfg.Database)
		if dbErr != nil {
			return fmt.Errorf("opening database: %w", dbErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		applied, _, statusErr := db.GetMigrationStatus(ctx, migrations.FS)
		if statusErr != nil {
			return fmt.Errorf("reading migration status: %w", statusErr)
		}
		sq := store.NewSQLite(db.DB, clock)
		p = persistence{gateway: sq, readings: sq, devices: sq, recipients: sq, audit: sq.Audit(), health: db}
		log.Info("database ready", "path", cfg.Database.Path, "migrations", len(applied))
	}
	checks["database"] = p.health

	// ─── Device state ───────────────────────────────────────────────
	tracker := device.NewTracker(
		device.WithClock(clock),
		device.WithOnlineTimeout(cfg.Tracker.OnlineTimeout),
		device.WithBatteryThresholds(cfg.Tracker.BatteryLow, cfg.Tracker.BatteryCritical),
		device.WithLogger(log.Component("tracker")),
	)
	if loadErr := tracker.Load(ctx, p.devices); loadErr != nil {
		return fmt.Errorf("loading devices: %w", loadErr)
	}

	// ─── Optional backends ──────────────────────────────────────────
	gateways := []store.Gateway{p.gateway}
	var health store.HealthRecorder
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		influxSink := store.NewInflux(influxClient)
		gateways = append(gateways, influxSink)
		health = influxSink
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	var deduper notify.Deduper = notify.NewMemoryDeduper(cfg.Notifications.DedupTTL, clock)
	if cfg.Redis.Enabled {
		redisClient, redisErr := redisx.Connect(ctx, cfg.Redis)
		if redisErr != nil {
			return fmt.Errorf("connecting to Redis: %w", redisErr)
		}
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := redisClient.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		deduper = notify.NewRedisDeduper(redisClient, redisClient.KeyPrefix(), cfg.Notifications.DedupTTL)
		checks["redis"] = redisClient
		log.Info("Redis connected", "addr", cfg.Redis.Addr)
	}

	// ─── Realtime and notifications ─────────────────────────────────
	verifier, err := auth.NewVerifier(cfg.Security.JWT.Secret)
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	snapshots := &lateSnapshots{}
	hub := realtime.NewHub(realtime.ConfigFrom(cfg.WebSocket), verifier,
		realtime.WithDeviceAccess(tracker),
		realtime.WithSnapshots(snapshots),
		realtime.WithLogger(log.Component("realtime")),
		realtime.WithMetrics(m),
	)
	go hub.Run(ctx)
	defer func() {
		log.Info("closing realtime hub")
		hub.Close()
	}()

	channels := []notify.Channel{notify.NewRealtimeChannel(hub)}
	if cfg.AMQP.Enabled {
		publisher, amqpErr := amqp.Connect(ctx, cfg.AMQP, log.Component("amqp"))
		if amqpErr != nil {
			return fmt.Errorf("connecting to AMQP: %w", amqpErr)
		}
		defer func() {
			log.Info("closing AMQP publisher")
			if closeErr := publisher.Close(); closeErr != nil {
				log.Error("error closing AMQP", "error", closeErr)
			}
		}()
		channels = append(channels, notify.NewPushChannel(publisher, cfg.AMQP.RoutingKey))
		checks["amqp"] = publisher
		log.Info("AMQP push gateway connected", "exchange", cfg.AMQP.Exchange)
	}
	tmpl := notify.DefaultTemplate()
	if cfg.Notifications.Email.Enabled {
		e := cfg.Notifications.Email
		channels = append(channels, notify.NewEmailChannel(notify.EmailConfig{
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			From:     e.From,
		}, tmpl))
	}
	if cfg.Notifications.SMS.Enabled {
		channels = append(channels, notify.NewSMSChannel(cfg.Notifications.SMS.URL, cfg.Notifications.SMS.Token, tmpl))
	}

	gateway := store.NewMulti(gateways...)
	dispatcher, err := notify.NewDispatcher(notify.ConfigFrom(cfg.Notifications), channels,
		notify.WithClock(clock),
		notify.WithDeduper(deduper),
		notify.WithRecorder(gateway),
		notify.WithDirectory(p.recipients),
		notify.WithLogger(log.Component("notify")),
		notify.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	defer func() {
		log.Info("closing notification dispatcher")
		if closeErr := dispatcher.Close(); closeErr != nil {
			log.Error("error closing dispatcher", "error", closeErr)
		}
	}()

	// ─── Pipeline ───────────────────────────────────────────────────
	classifier, err := telemetry.NewClassifier(classifierThresholds(cfg.Classifier), validityBounds(cfg.Classifier))
	if err != nil {
		return fmt.Errorf("creating classifier: %w", err)
	}
	pipe, err := pipeline.New(pipeline.Deps{
		Classifier:     classifier,
		Tracker:        tracker,
		Store:          gateway,
		Dispatcher:     dispatcher,
		Devices:        p.devices,
		Readings:       p.readings,
		Health:         health,
		Fanout:         hub,
		PersistTimeout: cfg.Persistence.WriteTimeout,
		Clock:          clock,
		Logger:         log.Component("pipeline"),
		Metrics:        m,
	})
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}
	snapshots.p = pipe
	defer func() {
		log.Info("waiting for pipeline handlers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := pipe.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error("pipeline shutdown incomplete", "error", shutdownErr)
		}
	}()

	// ─── MQTT ───────────────────────────────────────────────────────
	mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.Service.Namespace)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	checks["mqtt"] = mqttClient
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	rt := router.New(cfg.Service.Namespace, tracker, pipe,
		router.WithLogger(log.Component("router")),
		router.WithMetrics(m),
		router.WithClock(clock),
	)
	if bindErr := rt.Bind(ctx, mqttClient); bindErr != nil {
		return fmt.Errorf("subscribing to device topics: %w", bindErr)
	}
	log.Info("device router bound", "subscriptions", rt.Subscriptions())

	commander := pipeline.NewCommander(mqttClient, mqttClient.Topics(), tracker, clock)

	// ─── Background loops and API ───────────────────────────────────
	sweeper := pipeline.NewSweeper(pipe, cfg.Tracker.SweepInterval)
	sweeper.Start(ctx)
	defer func() {
		log.Info("stopping offline sweeper")
		sweeper.Stop()
	}()

	dispatcher.Start(ctx)

	server, err := api.New(api.Deps{
		Config:       cfg.API,
		Logger:       log.Component("api"),
		Verifier:     verifier,
		Devices:      pipe,
		Commands:     commander,
		Realtime:     hub,
		RealtimePath: cfg.WebSocket.Path,
		Audit:        p.audit,
		Metrics:      m,
		Checks:       checks,
		Clients:      hub,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("BotCareU Core started",
		"devices", tracker.Count(),
		"channels", len(channels),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, stopping services")
	return nil
}

// lateSnapshots lets the hub be built before the pipeline it reads
// snapshots from.
type lateSnapshots struct {
	p *pipeline.Pipeline
}

func (l *lateSnapshots) Snapshot(ctx context.Context, userID string) (any, error) {
	if l.p == nil {
		return []pipeline.DeviceView{}, nil
	}
	return l.p.Snapshot(ctx, userID)
}

func classifierThresholds(c config.ClassifierConfig) telemetry.Thresholds {
	return telemetry.DefaultThresholds().Override(telemetry.Thresholds{
		Mild:     c.Mild,
		Moderate: c.Moderate,
		High:     c.High,
		Critical: c.Critical,
	})
}

func validityBounds(c config.ClassifierConfig) telemetry.ValidityBounds {
	b := telemetry.DefaultValidityBounds()
	if c.PrimaryMin != 0 {
		b.PrimaryMin = c.PrimaryMin
	}
	if c.PrimaryMax != 0 {
		b.PrimaryMax = c.PrimaryMax
	}
	if c.MaxSourceDelta != 0 {
		b.MaxSourceDelta = c.MaxSourceDelta
	}
	if c.AmbientMin != 0 {
		b.AmbientMin = c.AmbientMin
	}
	if c.AmbientMax != 0 {
		b.AmbientMax = c.AmbientMax
	}
	return b
}

// getConfigPath returns the configuration file path.
// Uses BOTCAREU_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BOTCAREU_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
