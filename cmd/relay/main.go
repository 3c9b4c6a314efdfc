package main

import (
	"context"
	"time"

	"github.com/clickcall/relay/pkg/config"
	"github.com/clickcall/relay/pkg/logger"
	"github.com/clickcall/relay/pkg/os"
	"github.com/clickcall/relay/pkg/relay"
)

func run() {
	conf := config.NewRelayConfig()
	conf.ParseFlags()

	log := logger.NewConsole(conf.Relay.Debug, "relay", false)
	log.Info().Msgf("version: %v", conf.Version)
	log.Debug().Msgf("conf: %+v", conf)

	services, err := relay.New(conf, log)
	if err != nil {
		log.Fatal().Err(err).Msg("couldn't start the relay")
	}
	services.Start()

	<-os.ExpectTermination()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := services.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}

func main() { run() }
