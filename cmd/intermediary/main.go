package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ndmason1/tftpsim/intermediary"
	"github.com/ndmason1/tftpsim/shared"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := shared.DefaultConfig(shared.DefaultIntermediaryPort)
	var kind, recipient, field string
	var block uint

	fs := flag.NewFlagSet("tftp-intermediary", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	fs.StringVar(&kind, "kind", "", "Packet kind to corrupt (RRQ, WRQ, DATA, ACK, ERROR); empty relays everything untouched")
	fs.StringVar(&recipient, "recipient", "server", "Peer that receives the corrupted packet, client or server")
	fs.StringVar(&field, "field", "opcode", "Field to corrupt: opcode, filename, mode, block, errcode, errmsg or length")
	fs.UintVar(&block, "block", 1, "Block number of the DATA or ACK packet to corrupt")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logrus.NewEntry(shared.NewLogger(cfg.Debug))

	var sim *intermediary.Simulation
	if kind != "" {
		var err error
		if sim, err = intermediary.ParseSimulation(kind, recipient, field, block); err != nil {
			log.WithError(err).Fatal("Invalid simulation")
		}
		log.Infof("Simulating %s", sim)
	} else {
		log.Info("Relaying without corruption")
	}

	serverAddr, err := cfg.ResolveServer(shared.DefaultServerPort)
	if err != nil {
		log.WithError(err).Fatal("Could not resolve the server address")
	}

	inter := intermediary.New(cfg, serverAddr, log)
	if err := inter.Listen(); err != nil {
		log.WithError(err).Fatal("Intermediary could not start")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		inter.Close()
	}()

	if err := inter.Serve(func() *intermediary.Simulation { return sim }); err != nil {
		log.WithError(err).Fatal("Intermediary stopped")
	}
}
