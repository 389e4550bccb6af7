// Copyright 2026, Square, Inc.

package main

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	log "github.com/sirupsen/logrus"

	"github.com/square/uws/app"
	"github.com/square/uws/server"
	"github.com/square/uws/version"
)

func main() {
	appCtx := app.Defaults()
	arg.MustParse(&appCtx.Options)
	if appCtx.Options.Version {
		fmt.Println("uws " + version.Version())
		os.Exit(0)
	}

	s := server.NewServer(appCtx)
	if err := s.Boot(); err != nil {
		log.Fatalf("Error starting UWS server: %s", err)
	}
	if err := s.Run(true); err != nil {
		log.Fatalf("UWS server stopped: %s", err)
	}
	log.Info("UWS server stopped")
}
