//go:build linux

// Command webserver serves the files under a document root over HTTP/1.1.
package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/KimMachineGun/automemlimit"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/searchktools/reactor-httpd/app"
	"github.com/searchktools/reactor-httpd/config"
)

func main() {
	cfg := config.New()

	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "webserver:", err)
		os.Exit(1)
	}

	log := application.Logger()
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("GOMAXPROCS not adjusted")
	}

	if err := application.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}
