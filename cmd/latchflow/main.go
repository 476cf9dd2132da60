package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/latchflow/latchflow/common/version"
	"github.com/latchflow/latchflow/internal/latchflow/app"
	"github.com/latchflow/latchflow/internal/latchflow/config"
)

func main() {
	fmt.Printf("Latchflow File Distribution Service\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	// .env is optional and never overrides the real environment.
	_ = godotenv.Load()

	cfg := config.FromEnv()
	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	latchflow, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Latchflow: %v\n", err)
		os.Exit(1)
	}
	defer latchflow.Stop()

	if err := latchflow.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Latchflow: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging installs the process-wide slog handler. LOG_FORMAT=json
// switches to JSON output for log shippers.
func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}
