package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gamelink/internal/app"
	"gamelink/internal/core/health"
	"gamelink/internal/directory"
	"gamelink/internal/gamedetect"
	"gamelink/internal/shared/config"
	"gamelink/internal/shared/logger"
	"gamelink/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "config.ini")
	nodesPath := filepath.Join(*configDir, "nodes.json")

	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Standard fmt before the logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	nodes, err := config.LoadNodes(nodesPath)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to load node cache '%s'", nodesPath)
	}

	var dir health.Directory
	if cfg.DirectoryConf.SubscriptionURL != "" {
		tester := directory.NewTester(
			time.Duration(cfg.DirectoryConf.TestTimeoutS)*time.Second,
			cfg.DirectoryConf.TestConcurrency,
		)
		client := &http.Client{Timeout: directory.DefaultHTTPTimeout}
		dir = directory.NewManager(tester, directory.NewSubscriptionSource(cfg.DirectoryConf.SubscriptionURL, client))
	} else {
		logger.Warn().Msg("No subscription_url configured; pool refresh is disabled")
	}

	server := app.NewServer(cfg, dir, nodesPath)
	server.ApplyStartupSelection(nodes)

	logDetectedGames()

	if err := server.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed to start")
	}
}

// logDetectedGames writes one line per recognized game process, so users see
// at startup whether their game is visible to the proxy host.
func logDetectedGames() {
	detections, err := gamedetect.Detect()
	if err != nil {
		logger.Warn().Err(err).Msg("Game detection failed")
		return
	}
	for _, d := range detections {
		logger.Info().
			Str("app", d.App).
			Int("pid", d.PID).
			Str("executable", d.Executable).
			Msg("Detected running game")
	}
}
