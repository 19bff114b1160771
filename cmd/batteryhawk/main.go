// Battery Hawk CLI
//
// A BLE battery-monitor daemon: discovers supported monitors, polls
// them on a schedule, and relays readings to local storage and MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/batteryhawk/battery-hawk/internal/ble"
	"github.com/batteryhawk/battery-hawk/internal/config"
	"github.com/batteryhawk/battery-hawk/internal/core"
	"github.com/batteryhawk/battery-hawk/internal/httpapi/auth"
	"github.com/batteryhawk/battery-hawk/internal/httpapi/rest"
	"github.com/batteryhawk/battery-hawk/internal/logger"
	"github.com/batteryhawk/battery-hawk/internal/mqttpub"
	"github.com/batteryhawk/battery-hawk/internal/registry"
	"github.com/batteryhawk/battery-hawk/internal/state"
	"github.com/batteryhawk/battery-hawk/internal/storage"

	_ "github.com/batteryhawk/battery-hawk/internal/storage/sqlite"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "battery-hawk",
		Short:   "Battery Hawk - BLE battery monitor daemon",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newStartCmd(), newStatusCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the battery-hawk daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a daemon appears to be configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.ConfigDir()
			if _, err := os.Stat(dir); err != nil {
				fmt.Printf("no configuration directory found at %s\n", dir)
				return nil
			}
			fmt.Printf("configuration directory: %s\n", dir)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("battery-hawk %s\n", version)
			fmt.Printf("  Commit: %s\n", gitCommit)
			fmt.Printf("  Built:  %s\n", buildTime)
		},
	}
}

func runStart() error {
	dir := config.ConfigDir()
	provider, err := config.NewFileProvider(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rawSys, err := provider.GetConfig(config.SectionSystem)
	if err != nil {
		return fmt.Errorf("read system config: %w", err)
	}
	sys := *rawSys.(*config.SystemConfig)

	logLevel := "info"
	if verbose {
		logLevel = "debug"
	}
	logFormat := "text"
	if jsonOutput {
		logFormat = "json"
	}
	log := logger.New(logger.Config{Level: logLevel, Format: logFormat, Output: "stdout"})
	logger.SetGlobal(log)

	devices, err := registry.NewDeviceRegistry(dir)
	if err != nil {
		return fmt.Errorf("load device registry: %w", err)
	}
	vehicles, err := registry.NewVehicleRegistry(dir, devices)
	if err != nil {
		return fmt.Errorf("load vehicle registry: %w", err)
	}

	transport := ble.NewTransport()
	pool := ble.NewPool(transport, sys.Bluetooth.MaxConcurrentConnections)
	defer pool.Close()

	states := state.NewManager()

	backendName := "json"
	if sys.Storage.Enabled {
		backendName = "influxdb"
	}
	backend, err := storage.New(backendName, backendDataPath(dir, backendName))
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}
	buf := storage.NewBuffer(backend, storage.BufferConfig{
		MaxSize:       sys.Storage.ErrorRecovery.BufferMaxSize,
		FlushInterval: config.Seconds(sys.Storage.ErrorRecovery.BufferFlushIntervalSeconds),
	})

	var publisher *mqttpub.Publisher
	if sys.MQTT.Enabled {
		mqttCfg := mqttpub.DefaultConfig()
		mqttCfg.Broker = sys.MQTT.Broker
		mqttCfg.ClientID = "battery-hawk"
		mqttCfg.Username = sys.MQTT.Username
		mqttCfg.Password = sys.MQTT.Password
		mqttCfg.TopicPrefix = sys.MQTT.TopicPrefix
		mqttCfg.QOS = byte(sys.MQTT.QOS)
		publisher = mqttpub.New(mqttCfg)
	}

	engine := core.NewEngine(core.Deps{
		Config:      sys,
		Logger:      log,
		Devices:     devices,
		Vehicles:    vehicles,
		Pool:        pool,
		States:      states,
		Store:       buf,
		MQTT:        publisher,
		SnapshotDir: dir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var apiServer *rest.Server
	if sys.API.Enabled {
		var issuer *auth.TokenIssuer
		sharedKey := os.Getenv("BATTERYHAWK_API_KEY")
		if sharedKey != "" {
			issuer = auth.NewTokenIssuer(sharedKey, time.Hour)
		}
		apiServer = rest.NewServer(rest.Deps{
			Config:      sys.API,
			Provider:    provider,
			Engine:      engine,
			Devices:     devices,
			Vehicles:    vehicles,
			Store:       backend,
			Logger:      log,
			SharedKey:   sharedKey,
			TokenIssuer: issuer,
		})
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("http api stopped", "error", err)
			}
		}()
	}

	log.Info("battery-hawk running", "config_dir", dir)
	<-ctx.Done()

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(shutdownCtx)
	}
	return engine.Stop()
}

func backendDataPath(dir, backend string) string {
	switch backend {
	case "influxdb":
		return dir + "/battery-hawk.db"
	default:
		return dir + "/readings.json"
	}
}
