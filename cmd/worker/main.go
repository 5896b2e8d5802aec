package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"smartpark-worker-go/internal/config"
)

func main() {
	cfg := config.Load()

	if err := rootCommand(cfg).Execute(); err != nil {
		log.Error().Err(err).Msg("SmartPark worker exited with error")
		os.Exit(1)
	}
}
