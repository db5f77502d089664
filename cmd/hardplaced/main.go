package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/dougsko/hardplace/pkg/config"
	"github.com/dougsko/hardplace/pkg/engine"
	"github.com/dougsko/hardplace/pkg/logging"
)

var (
	configPath = flag.StringP("config", "c", "config.yaml", "Configuration file path")
	version    = flag.BoolP("version", "v", false, "Show version information")
)

const Build = "development"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("hardplaced version %s (%s)\n", engine.Version, Build)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logging.InitGlobalLogger(cfg); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.CloseGlobalLogger()

	logging.Infof("main", "hardplaced version %s starting...", engine.Version)
	logging.Infof("main", "Radio 0x%02X on %s", cfg.Radio.Address, cfg.Radio.Device)
	logging.Infof("main", "Web interface: http://%s:%d", cfg.Web.BindAddress, cfg.Web.Port)

	daemon, err := NewDaemon(cfg, *configPath)
	if err != nil {
		logging.Errorf("main", "Failed to create daemon: %v", err)
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := daemon.Start(); err != nil {
		logging.Errorf("main", "Failed to start daemon: %v", err)
		os.Exit(1)
	}

	logging.Info("main", "hardplaced started successfully")

	restart := false
	select {
	case <-sigChan:
		logging.Info("main", "Shutting down...")
	case <-daemon.Restarts():
		logging.Info("main", "Restarting...")
		restart = true
	}

	if err := daemon.Stop(); err != nil {
		logging.Errorf("main", "Error during shutdown: %v", err)
	}

	if restart {
		reexec()
	}
	logging.Info("main", "hardplaced stopped")
}

// reexec replaces the process with a fresh copy of itself, the daemon's
// equivalent of a board reset
func reexec() {
	exe, err := os.Executable()
	if err != nil {
		logging.Errorf("main", "Failed to find executable: %v", err)
		os.Exit(1)
	}
	logging.CloseGlobalLogger()
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		log.Fatalf("Failed to restart: %v", err)
	}
}
