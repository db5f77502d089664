package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dougsko/hardplace/pkg/client"
	"github.com/dougsko/hardplace/pkg/config"
	"github.com/dougsko/hardplace/pkg/engine"
	"github.com/dougsko/hardplace/pkg/logging"
)

// Daemon runs the bridge engine behind its unix socket and serves the web
// API through the same socket
type Daemon struct {
	config     *config.Config
	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	coreEngine   *engine.CoreEngine
	socketClient *client.SocketClient
	webServer    *http.Server

	socketPath string
}

// NewDaemon creates a new daemon instance
func NewDaemon(cfg *config.Config, configPath string) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	socketPath := cfg.API.UnixSocket
	if socketPath == "" {
		socketPath = "/tmp/hardplace.sock"
	}

	daemon := &Daemon{
		config:       cfg,
		configPath:   configPath,
		ctx:          ctx,
		cancel:       cancel,
		socketPath:   socketPath,
		socketClient: client.NewSocketClient(socketPath),
	}

	daemon.coreEngine = engine.NewCoreEngine(cfg, socketPath)

	if err := daemon.setupWebServer(); err != nil {
		return nil, fmt.Errorf("failed to setup web server: %w", err)
	}

	return daemon, nil
}

// Start starts the engine and then the web server
func (d *Daemon) Start() error {
	logging.Info("main", "Starting hardplace daemon...")

	if err := d.coreEngine.Start(); err != nil {
		return fmt.Errorf("failed to start core engine: %w", err)
	}

	// Wait a moment for socket to be ready
	time.Sleep(100 * time.Millisecond)

	if !d.socketClient.IsConnected() {
		return fmt.Errorf("failed to connect to core engine socket")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logging.Infof("web", "Starting web server on %s", d.webServer.Addr)
		if err := d.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("web", "Web server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the daemon gracefully
func (d *Daemon) Stop() error {
	logging.Info("main", "Stopping daemon...")

	d.cancel()

	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			logging.Warnf("web", "Web server shutdown error: %v", err)
		}
	}

	// Stopping the engine closes the telemetry hub, which ends the
	// websocket handlers
	if d.coreEngine != nil {
		if err := d.coreEngine.Stop(); err != nil {
			logging.Warnf("main", "Core engine shutdown error: %v", err)
		}
	}

	d.wg.Wait()

	logging.Info("main", "Daemon stopped")
	return nil
}

// Restarts fires when a console command asks for a restart
func (d *Daemon) Restarts() <-chan struct{} {
	return d.coreEngine.Restarts()
}

// setupWebServer initializes the web server and routes
func (d *Daemon) setupWebServer() error {
	addr := fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port)
	d.webServer = &http.Server{
		Addr:    addr,
		Handler: d.router(),
	}
	return nil
}

func (d *Daemon) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.LoggerWithWriter(logging.GetGlobalLogger().Writer("web")), gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)
		api.GET("/events", d.handleGetEvents)
		api.GET("/tables", d.handleGetTables)
		api.GET("/power/maps", d.handleGetPowerMaps)
		api.POST("/power/max", d.handleSetMaxPower)
		api.POST("/power/initial", d.handleSetInitialPower)
		api.POST("/power/reset", d.handleResetPower)
		api.GET("/usbmap", d.handleGetUSBMap)
		api.DELETE("/usbmap", d.handleClearUSBMap)
		api.POST("/pair", d.handlePair)
		api.DELETE("/pair", d.handleClearPairing)
		api.POST("/disconnect", d.handleDisconnect)
		api.PUT("/debug", d.handleSetDebug)
		api.PUT("/tuning", d.handleSetTuning)
		api.POST("/console", d.handleConsole)
		api.GET("/config", d.handleGetConfig)
		api.PUT("/config", d.handleSaveConfig)
	}

	router.GET("/ws/telemetry", d.handleTelemetry)
	return router
}
