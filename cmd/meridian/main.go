// Meridian daemon, the background service that keeps integrations in sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/meridian-hq/meridian/internal/api"
	"github.com/meridian-hq/meridian/internal/briefing"
	"github.com/meridian-hq/meridian/internal/config"
	"github.com/meridian-hq/meridian/internal/logging"
	"github.com/meridian-hq/meridian/internal/orchestrator"
	"github.com/meridian-hq/meridian/internal/providers/clock"
	"github.com/meridian-hq/meridian/internal/providers/googlecal"
	"github.com/meridian-hq/meridian/internal/providers/healthkit"
	"github.com/meridian-hq/meridian/internal/providers/oura"
	"github.com/meridian-hq/meridian/internal/providers/weather"
	"github.com/meridian-hq/meridian/internal/registry"
	"github.com/meridian-hq/meridian/internal/storage"
)

var (
	configPath       string
	dataDir          string
	port             int
	logLevel         string
	healthExportPath string
	promptPassphrase bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meridian",
		Short: "Meridian - your personal knowledge assistant",
		RunE:  runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file path (default <data-dir>/config.json)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.meridian)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&healthExportPath, "health-export", "", "Path to a health data JSON export")
	rootCmd.Flags().BoolVar(&promptPassphrase, "prompt-passphrase", false, "Prompt for a credential encryption passphrase")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags override config
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	fmt.Println("🧭 Starting Meridian...")

	// Open database
	db, err := storage.Open(storage.Config{Path: filepath.Join(cfg.DataDir, "meridian.db")})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Credential encryption key
	var passphrase string
	if promptPassphrase {
		passphrase, err = readPassphrase()
		if err != nil {
			return err
		}
	}
	key, err := storage.LoadOrCreateKey(cfg.DataDir, passphrase)
	if err != nil {
		return fmt.Errorf("failed to load credential key: %w", err)
	}
	creds, err := storage.NewCredentialStore(db, key)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	gateway := storage.NewGateway(db)

	// Register providers
	reg := registry.New()
	reg.Register(clock.New())
	reg.Register(weather.New(weather.Config{
		BaseURL:   cfg.Weather.BaseURL,
		Latitude:  cfg.Weather.Latitude,
		Longitude: cfg.Weather.Longitude,
		APIKey:    os.Getenv("WEATHER_API_KEY"),
	}, creds))
	reg.Register(oura.New(oura.Config{
		BaseURL:     cfg.Oura.BaseURL,
		AccessToken: os.Getenv("OURA_ACCESS_TOKEN"),
	}, creds))
	reg.Register(googlecal.New(googlecal.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
	}, creds))

	var healthSource healthkit.SampleSource
	if healthExportPath != "" {
		healthSource = &healthkit.FileSource{Path: healthExportPath}
	}
	reg.Register(healthkit.New(healthSource))

	// Sync orchestrator
	orch := orchestrator.New(orchestrator.Config{
		Registry: reg,
		Store:    gateway,
	})
	if err := orch.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	// API server
	server := api.New(api.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Registry: reg,
		Orch:     orch,
		Briefing: briefing.NewGenerator(reg),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hot-reload the log level when the config file changes
	watchPath := configPath
	if watchPath == "" {
		watchPath = filepath.Join(cfg.DataDir, "config.json")
	}
	go func() {
		err := config.Watch(ctx, watchPath, func(updated *config.Config) {
			logging.SetLevel(logging.ParseLevel(updated.LogLevel))
			logging.Info("config reloaded, log level now %s", updated.LogLevel)
		})
		if err != nil {
			logging.Debug("config watch unavailable: %v", err)
		}
	}()

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\n🛑 Shutting down...")
		orch.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Stop(shutdownCtx)
		cancel()
	}()

	fmt.Printf("🌐 API listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	return server.Start()
}

func readPassphrase() (string, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(raw), nil
}
