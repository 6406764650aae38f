package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-mesh/internal/api"
	"github.com/nerrad567/gray-logic-mesh/internal/bridges/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/node"
	"github.com/nerrad567/gray-logic-mesh/internal/process"
	"github.com/nerrad567/gray-logic-mesh/migrations"
)

const (
	// meshdConnectAttempts bounds startup dials against a managed daemon
	// that is still creating its socket.
	meshdConnectAttempts = 10
	meshdConnectDelay    = time.Second

	// supervisorPoll is how often the daemon supervisor state is checked.
	supervisorPoll = 5 * time.Second
)

// errDaemonFailed stops the gateway once meshd has exhausted its restarts.
var errDaemonFailed = errors.New("meshd supervisor gave up")

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting mesh gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Node store, optionally backed by SQLite
	var db *database.DB
	var repo node.Repository
	if cfg.Database.Enabled {
		db, err = openDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database ready", "path", cfg.Database.Path)
		repo = node.NewSQLiteRepository(db.DB)
	} else {
		log.Info("database disabled, node progress will not survive restarts")
	}

	registry := node.NewRegistry(node.RegistryOptions{
		Capacity:   cfg.Mesh.Capacity,
		MaxModels:  cfg.Mesh.MaxModels,
		Repository: repo,
		Logger:     log.With("component", "registry"),
	})
	if loadErr := registry.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading node registry: %w", loadErr)
	}
	log.Info("node registry initialised", "nodes", registry.Count(), "capacity", registry.Capacity())

	// MQTT carries telemetry, node status and health; only needed with the bridge.
	var mqttClient *mqtt.Client
	if cfg.Bridge.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT bridge disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// The watchdog probes the link, which only exists once meshd is up.
	var linkRef atomic.Pointer[mesh.DaemonClient]

	var daemon *process.Manager
	if cfg.Mesh.Daemon.Managed {
		daemon, err = startDaemon(ctx, cfg.Mesh.Daemon, &linkRef, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping meshd")
			if stopErr := daemon.Stop(); stopErr != nil {
				log.Error("error stopping meshd", "error", stopErr)
			}
		}()
	}

	link, err := connectMeshd(ctx, cfg, daemon != nil, log)
	if err != nil {
		return err
	}
	linkRef.Store(link)
	defer func() {
		log.Info("closing meshd link")
		if closeErr := link.Close(); closeErr != nil {
			log.Error("error closing meshd link", "error", closeErr)
		}
	}()

	bridge, router, err := newBridge(cfg, link, registry, mqttClient, influxClient, log)
	if err != nil {
		return err
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient, link); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Status API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := newAPIServer(cfg, registry, bridge, router, db, mqttClient, influxClient, daemon, link, log)
		if apiErr != nil {
			return apiErr
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("status API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	g, gctx := errgroup.WithContext(ctx)
	if daemon != nil {
		g.Go(func() error {
			return watchDaemon(gctx, daemon)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// API, bridge, meshd link, meshd, InfluxDB, MQTT, database

	log.Info("mesh gateway stopped")
	return nil
}

// openDatabase opens the SQLite store and applies the embedded migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Already returning the migration error
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// startDaemon launches meshd under supervision.
//
// The watchdog probe reads linkRef on every tick, so it reports unhealthy
// until the gateway has connected.
func startDaemon(ctx context.Context, cfg config.MeshDaemonConfig, linkRef *atomic.Pointer[mesh.DaemonClient], log *logging.Logger) (*process.Manager, error) {
	probe := func(ctx context.Context) error {
		link := linkRef.Load()
		if link == nil {
			return mesh.ErrNotConnected
		}
		return link.HealthCheck(ctx)
	}

	pc := process.ForDaemon(cfg, probe)
	pc.OnStart = func(pid int) {
		log.Info("meshd running", "pid", pid)
	}
	pc.OnStop = func(err error) {
		if err != nil {
			log.Warn("meshd exited", "error", err)
		}
	}
	pc.OnRestart = func(attempt int) {
		log.Warn("restarting meshd", "attempt", attempt)
	}

	manager := process.NewManager(pc)
	manager.SetLogger(log.With("component", "meshd-supervisor"))

	log.Info("starting meshd", "binary", cfg.Binary, "args", cfg.Args)
	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting meshd: %w", err)
	}
	return manager, nil
}

// connectMeshd opens the provisioner session. A managed daemon gets a
// few attempts while it creates its socket.
func connectMeshd(ctx context.Context, cfg *config.Config, managed bool, log *logging.Logger) (*mesh.DaemonClient, error) {
	uuidMatch, err := cfg.Mesh.UUIDMatchBytes()
	if err != nil {
		return nil, fmt.Errorf("mesh.uuid_match: %w", err)
	}

	dc := mesh.DaemonConfig{
		Connection: cfg.Mesh.Daemon.Connection,
		Session: mesh.SessionParams{
			OwnAddress: cfg.Mesh.OwnAddress,
			NetIdx:     cfg.Mesh.NetIdx,
			AppIdx:     cfg.Mesh.AppIdx,
			UUIDMatch:  uuidMatch,
		},
	}

	attempts := 1
	if managed {
		attempts = meshdConnectAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(meshdConnectDelay):
			}
		}

		link, err := mesh.Connect(ctx, dc)
		if err == nil {
			link.SetLogger(log.With("component", "meshd"))
			log.Info("connected to meshd",
				"url", dc.Connection,
				"own_address", fmt.Sprintf("0x%04x", dc.Session.OwnAddress),
			)
			return link, nil
		}
		lastErr = err
		log.Debug("meshd not ready", "attempt", i+1, "error", err)
	}

	return nil, fmt.Errorf("connecting to meshd: %w", lastErr)
}

// newBridge wires the provisioner, router and publishers together.
//
// Optional collaborators are only assigned when present so the bridge
// never holds a typed-nil interface.
func newBridge(cfg *config.Config, link *mesh.DaemonClient, registry *node.Registry,
	mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) (*mesh.Bridge, *mesh.Router, error) {
	topics := mqtt.Topics{Prefix: cfg.Bridge.TopicPrefix}

	opts := mesh.BridgeOptions{
		GatewayID: cfg.Gateway.ID,
		Version:   version,
		Link:      link,
		Registry:  registry,
		Provisioning: mesh.ProvisioningOptions{
			PublishAddress:   cfg.Mesh.PublishAddress,
			PublishTTL:       cfg.Mesh.PublishTTL,
			SubscribeAddress: cfg.Mesh.SubscribeAddress,
		},
		Topics:         topics,
		HealthInterval: cfg.GetHealthInterval(),
		ControlEnabled: cfg.Bridge.ControlEnabled,
		Logger:         log.With("component", "bridge"),
	}

	var router *mesh.Router
	if mqttClient != nil {
		router = mesh.NewRouter(mesh.RouterOptions{
			Topics:  topics,
			Publish: mqttClient.PublishString,
			Logger:  log.With("component", "router"),
		})
		opts.MQTT = mqttClient
		opts.Router = router
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}

	bridge, err := mesh.NewBridge(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("creating bridge: %w", err)
	}
	return bridge, router, nil
}

// newAPIServer builds the status API over whichever components are running.
func newAPIServer(cfg *config.Config, registry *node.Registry, bridge *mesh.Bridge, router *mesh.Router,
	db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client,
	daemon *process.Manager, link *mesh.DaemonClient, log *logging.Logger) (*api.Server, error) {
	checks := map[string]api.HealthCheckFunc{
		"meshd": link.HealthCheck,
	}
	if db != nil {
		checks["database"] = db.HealthCheck
	}
	if mqttClient != nil {
		checks["mqtt"] = mqttClient.HealthCheck
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient.HealthCheck
	}

	stats := func() any {
		out := map[string]any{
			"bridge":      bridge.Stats(),
			"provisioner": bridge.Provisioner().Stats(),
			"meshd":       link.Stats(),
		}
		if router != nil {
			out["router"] = router.Stats()
		}
		if daemon != nil {
			out["supervisor"] = daemon.Stats()
		}
		return out
	}

	deps := api.Deps{
		Config:   cfg.API,
		Logger:   log.With("component", "api"),
		Registry: registry,
		Topics:   mqtt.Topics{Prefix: cfg.Bridge.TopicPrefix},
		Checks:   checks,
		Stats:    stats,
		Version:  version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}

	server, err := api.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	return server, nil
}

// watchDaemon returns errDaemonFailed once the supervisor stops retrying.
func watchDaemon(ctx context.Context, daemon *process.Manager) error {
	ticker := time.NewTicker(supervisorPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if daemon.Status() != process.StatusFailed {
				continue
			}
			if lastErr := daemon.LastError(); lastErr != nil {
				return fmt.Errorf("%w: %w", errDaemonFailed, lastErr)
			}
			return errDaemonFailed
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check (may be nil if disabled)
//   - mqttClient: MQTT client to check (may be nil if the bridge is disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - link: meshd link to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, link *mesh.DaemonClient) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := link.HealthCheck(ctx); err != nil {
		return fmt.Errorf("meshd: %w", err)
	}

	return nil
}
