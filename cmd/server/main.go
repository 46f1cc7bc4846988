package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ndmason1/tftpsim/server"
	"github.com/ndmason1/tftpsim/shared"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, _, err := shared.InterpretCommandLineArguments("tftp-server", shared.DefaultConfig(shared.DefaultServerPort), os.Args[1:])
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(2)
	}

	logger := shared.NewLogger(cfg.Debug)
	log := logrus.NewEntry(logger)

	srv := server.NewServer(cfg, log)
	if err := srv.Listen(); err != nil {
		log.WithError(err).Fatal("Server could not start")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Infof("Received %v, waiting for running transfers to finish", sig)
		srv.Shutdown()
	}()

	if err := srv.Serve(); err != nil {
		log.WithError(err).Fatal("Server stopped")
	}
	log.Info("Server shut down")
}
