// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/config"
	"github.com/linhtrum/gateway-app-sub000/internal/database"
	"github.com/linhtrum/gateway-app-sub000/internal/device"
	"github.com/linhtrum/gateway-app-sub000/internal/gateway"
	"github.com/linhtrum/gateway-app-sub000/internal/handler"
	"github.com/linhtrum/gateway-app-sub000/internal/metrics"
	"github.com/linhtrum/gateway-app-sub000/internal/poller"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/serial"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/tcp"
	"github.com/linhtrum/gateway-app-sub000/internal/repository"
	"github.com/linhtrum/gateway-app-sub000/internal/routes"
	"github.com/linhtrum/gateway-app-sub000/internal/service"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB
	metrics  *metrics.Metrics

	store    repository.KVStore
	registry *device.Registry
	eventBus *handler.EventBus

	// Transports
	serialManager *serial.Manager
	tcpLink       *poller.TCPLink
	engine        *poller.Engine
	gateway       *gateway.Gateway

	// Services
	configService *service.ConfigService
	queryService  *service.QueryService
	relayQueue    *service.ChannelRelayQueue
	websocket     *handler.WebSocketHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	configFile := pflag.StringP("config", "c", "", "path to the configuration file")
	pflag.Parse()

	app, err := NewApplication(*configFile)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, cfg.App.Name)
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
		ctx:     ctx,
		cancel:  cancel,
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"storage", app.initializeStorage},
		{"configuration", app.initializeConfiguration},
		{"serial ports", app.initializeSerial},
		{"poller", app.initializePoller},
		{"services", app.initializeServices},
		{"gateway", app.initializeGateway},
		{"server", app.initializeServer},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			app.release()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	return app, nil
}

// initializeStorage opens the key-value store holding the device, serial
// and socket documents
func (app *Application) initializeStorage() error {
	switch app.config.Storage.Backend {
	case "memory":
		app.store = repository.NewMemoryStore()
	case "file":
		store, err := repository.NewFileStore(app.config.Storage.Path, app.logger)
		if err != nil {
			return err
		}
		app.store = store
	case "postgres":
		db, err := database.NewConnection(&app.config.Database, app.logger)
		if err != nil {
			return fmt.Errorf("failed to create database connection: %w", err)
		}
		app.database = db

		migrator := database.NewMigrator(db, app.logger, &app.config.Database)
		if err := migrator.Up(); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
		app.store = repository.NewPostgresStore(db, app.logger)
	default:
		return fmt.Errorf("unknown storage backend %q", app.config.Storage.Backend)
	}

	app.logger.Info("Storage initialized successfully", zap.String("backend", app.config.Storage.Backend))
	return nil
}

// initializeConfiguration seeds missing documents and loads the devices
func (app *Application) initializeConfiguration() error {
	app.eventBus = handler.NewEventBus(app.logger)
	app.registry = device.NewRegistry()
	app.configService = service.NewConfigService(app.store, app.registry, app.config, app.eventBus, app.logger)

	if dir := app.config.Storage.SeedDir; dir != "" {
		if err := app.configService.Seed(app.ctx, dir); err != nil {
			return err
		}
	}

	devices, err := app.configService.LoadDevices(app.ctx)
	if err != nil {
		return err
	}

	app.logger.Info("Configuration loaded successfully", zap.Int("devices", len(devices)))
	return nil
}

// initializeSerial opens every configured serial port. A port that fails
// to open is logged and retried by its first user.
func (app *Application) initializeSerial() error {
	configs, err := app.configService.SerialConfigs(app.ctx)
	if err != nil {
		return err
	}

	app.serialManager = serial.NewManager(serial.OpenPort, app.metrics, app.logger)
	app.serialManager.Configure(configs)

	opened := 0
	for _, sc := range configs {
		if err := app.serialManager.Open(sc.Index); err != nil {
			app.logger.Error("Failed to open serial port",
				zap.Int("index", sc.Index),
				zap.String("port", sc.Port),
				zap.Error(err),
			)
			continue
		}
		opened++
	}

	app.logger.Info("Serial ports initialized",
		zap.Int("configured", len(configs)),
		zap.Int("open", opened),
	)
	return nil
}

// initializePoller builds the device links and the polling engine
func (app *Application) initializePoller() error {
	app.tcpLink = poller.NewTCPLink(tcp.Config{
		ConnectTimeout: app.config.TCP.ConnectTimeout,
		WriteTimeout:   app.config.TCP.WriteTimeout,
		KeepAlive:      app.config.TCP.KeepAlive > 0,
	}, app.logger)

	if !app.config.Poller.Enabled {
		app.logger.Info("Polling engine disabled")
		return nil
	}

	app.engine = poller.NewEngine(poller.Config{
		GroupTimeout: app.config.Poller.GroupTimeout,
		NodeTimeout:  app.config.Poller.NodeTimeout,
		IdleInterval: app.config.Poller.IdleInterval,
	}, app.registry, app.link(), app.eventBus, app.metrics, app.logger)

	app.logger.Info("Polling engine initialized")
	return nil
}

func (app *Application) link() poller.Link {
	return &poller.Router{
		Serial: poller.NewSerialLink(app.serialManager),
		TCP:    app.tcpLink,
	}
}

// initializeServices creates service instances
func (app *Application) initializeServices() error {
	var relays service.RelayDriver
	if name := app.config.Query.RelayDevice; name != "" {
		relays = service.CoilRelayDriver(app.registry, app.link(), name, app.config.Query.Timeout)
	}
	app.relayQueue = service.NewChannelRelayQueue(app.config.Query.RelayQueueSize, relays, app.logger)

	app.queryService = service.NewQueryService(
		service.QueryConfig{
			Timeout:     app.config.Query.Timeout,
			HistorySize: app.config.Query.HistorySize,
		},
		app.registry,
		app.link(),
		app.relayQueue,
		app.eventBus,
		app.metrics,
		app.logger,
	)

	app.websocket = handler.NewWebSocketHandler(app.registry, app.eventBus, app.logger)

	app.logger.Info("Services initialized successfully")
	return nil
}

// initializeGateway creates the RTU to TCP/UDP bridge sockets
func (app *Application) initializeGateway() error {
	if !app.config.Gateway.Enabled {
		app.logger.Info("Gateway disabled")
		return nil
	}

	sockets, err := app.configService.SocketConfigs(app.ctx)
	if err != nil {
		return err
	}

	app.gateway = gateway.New(sockets, gateway.Dependencies{
		Serial:    app.serialManager,
		Units:     app.registry,
		Registers: app.registry,
		Events:    app.eventBus,
		Identity:  app.config.App.Identity,
		Metrics:   app.metrics,
		Logger:    app.logger,
	})

	app.logger.Info("Gateway initialized", zap.Int("sockets", len(app.gateway.Sockets())))
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	deps := routes.Dependencies{
		Registry:      app.registry,
		QueryService:  app.queryService,
		ConfigService: app.configService,
		WebSocket:     app.websocket,
		Ports:         app.serialManager,
		Links:         app.tcpLink,
		Metrics:       app.metrics,
	}
	// Typed nil pointers must not reach the interfaces
	if app.gateway != nil {
		deps.Sockets = app.gateway
	}
	if app.database != nil {
		deps.DB = app.database
	}

	router := routes.NewRouter(app.config, app.logger, deps).SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
	return nil
}

// startBackgroundServices starts the event bus, the poller, the gateway
// and the relay worker
func (app *Application) startBackgroundServices() {
	app.spawn(func() { app.eventBus.Run(app.ctx) })
	app.spawn(func() { app.websocket.Run(app.ctx) })
	app.spawn(func() { app.relayQueue.Run(app.ctx) })

	if app.engine != nil {
		app.spawn(func() {
			if err := app.engine.Run(app.ctx); err != nil {
				app.logger.Error("Polling engine stopped", zap.Error(err))
			}
		})
	}
	if app.gateway != nil {
		app.spawn(func() { app.gateway.Run(app.ctx) })
	}

	app.logger.Info("Background services started")
}

func (app *Application) spawn(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
	}()
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, app.config.App.Name)
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	app.cancel()
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		app.logger.Info("Background services stopped")
	case <-ctx.Done():
		app.logger.Warn("Background services did not stop in time")
	}

	app.release()
	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// release closes ports, links and the database
func (app *Application) release() {
	app.cancel()

	if app.serialManager != nil {
		app.serialManager.CloseAll()
	}
	if app.tcpLink != nil {
		app.tcpLink.Close()
	}
	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}
}

func (app *Application) Start() error {
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.startBackgroundServices()

	app.waitForShutdown()

	return nil
}
