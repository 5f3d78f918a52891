// Jackery BLE bridge daemon.
// Polls configured Jackery devices over BLE and republishes their state.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackery/blebridge/internal/config"
	"github.com/jackery/blebridge/internal/controlplane"
	"github.com/jackery/blebridge/internal/engine"
	"github.com/jackery/blebridge/internal/model"
	"github.com/jackery/blebridge/internal/storage"
	"github.com/jackery/blebridge/internal/telemetry"
)

var (
	configFile  string
	scanTimeout time.Duration

	rootCmd = &cobra.Command{
		Use:   "jackery-bled",
		Short: "Jackery BLE bridge daemon",
		Long:  "Polls configured Jackery Portable/Box devices over BLE, republishing their state over a local WebSocket control plane and an optional ZeroMQ telemetry feed.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the bridge daemon",
		RunE:  runDaemon,
	}

	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Scan for nearby Jackery devices and print what's discovered",
		Long:  "Scans for nearby Jackery Portable/Box advertisements, deriving each device's serial number, model code and encryption key where the advertisement allows it (spec 4.C), and prints the result for copying into a fleet config file.",
		RunE:  runScan,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("jackery-bled v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/jackery-bled/config.yaml", "Configuration file path")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", engine.DefaultScanTimeout, "Scan duration")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	coordinator := engine.NewCoordinator(store)
	for _, entry := range cfg.Devices {
		spec, err := buildDeviceSpec(entry)
		if err != nil {
			return fmt.Errorf("device %q: %w", entry.Name, err)
		}
		coordinator.AddDevice(spec)

		persisted := &storage.DeviceConfig{
			Name:             entry.Name,
			Address:          entry.Address,
			DeviceType:       entry.DeviceType,
			EncryptionKeyB64: entry.EncryptionKeyB64,
			ModelCode:        entry.ModelCode,
			AutoDetect:       entry.AutoDetect,
			PollInterval:     entry.PollIntervalSec,
		}
		if err := store.UpsertDevice(persisted); err != nil {
			log.Printf("failed to persist device %q: %v", entry.Name, err)
		}
	}

	var cpServer *controlplane.Server
	var httpServer *http.Server
	if cfg.ControlPlane.Enabled {
		cpServer = controlplane.NewServer(coordinator)
		mux := http.NewServeMux()
		mux.Handle("/", cpServer)
		httpServer = &http.Server{Addr: cfg.ControlPlane.ListenAddr, Handler: mux}
		go func() {
			log.Printf("control plane listening on %s", cfg.ControlPlane.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("control plane stopped: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := telemetry.New(telemetry.Config{Enabled: cfg.Telemetry.Enabled, PubAddr: cfg.Telemetry.PubAddr})
	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telemetry publisher: %w", err)
	}
	defer publisher.Stop()

	coordinator.SetUpdateHandler(func(update engine.StateUpdate) {
		if cpServer != nil {
			cpServer.Broadcast(update)
		}
		publisher.Publish(update)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("starting jackery-bled with %d configured device(s)", len(cfg.Devices))
	coordinator.Start(ctx)

	sig := <-sigChan
	log.Printf("received signal %v, shutting down...", sig)

	coordinator.Stop()
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}

	log.Println("shutdown complete")
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	log.Printf("scanning for Jackery devices for %s...", scanTimeout)
	devices, err := engine.Discover(ctx, scanTimeout)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tTYPE\tSN\tMODEL\tKEY")
	fmt.Fprintln(w, "----\t-------\t----\t----\t--\t-----\t---")
	for _, d := range devices {
		snStr := d.DeviceSN
		if snStr == "" {
			snStr = "-"
		}
		modelStr := "-"
		if d.ModelCode != nil {
			modelStr = fmt.Sprintf("0x%04X", *d.ModelCode)
		}
		keyStr := d.EncryptionKey
		if keyStr == "" {
			keyStr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n", d.Name, d.Address, d.RSSI, d.Kind, snStr, modelStr, keyStr)
	}
	return w.Flush()
}

func buildDeviceSpec(entry config.DeviceEntry) (engine.DeviceSpec, error) {
	kind := model.DeviceKindPortable
	if entry.DeviceType == "box" {
		kind = model.DeviceKindBox
	}

	var key []byte
	if entry.EncryptionKeyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(entry.EncryptionKeyB64)
		if err != nil {
			return engine.DeviceSpec{}, fmt.Errorf("invalid encryption_key: %w", err)
		}
		key = decoded
	}

	variant := model.VariantAutoDetect
	if !entry.AutoDetect {
		variant = model.ResolveVariant(kind, entry.ModelCode, model.VariantUnknown)
	}

	return engine.DeviceSpec{
		Name:         entry.Name,
		Address:      entry.Address,
		Kind:         kind,
		Variant:      variant,
		Key:          key,
		PollInterval: entry.PollInterval(),
	}, nil
}
