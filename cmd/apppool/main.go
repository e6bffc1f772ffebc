package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/apppool/cmd/apppool/cmd"
	"github.com/andrei-cloud/apppool/internal/config"
	"github.com/andrei-cloud/apppool/internal/logging"
)

// main initializes configuration and logging, then dispatches to the CLI.
func main() {
	if err := config.Initialize(); err != nil {
		logging.InitLogger(false, true)
		log.Fatal().Err(err).Msg("failed to initialize configuration")
	}

	cfg := config.Get()
	logging.InitLogger(cfg.Log.Level == "debug", cfg.Log.Format == "human")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
