package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ndmason1/tftpsim/client"
	"github.com/ndmason1/tftpsim/shared"
	"github.com/sirupsen/logrus"
)

const usage = `usage: tftp-client [<options>] get|put <remote> [<local>]

  get copies <remote> from the server into <local> (default: its base name)
  put copies <local> to the server as <remote>
`

func main() {
	defaults := shared.DefaultConfig(0)
	mode := shared.ModeOctet
	via := false

	fs := flag.NewFlagSet("tftp-client", flag.ContinueOnError)
	defaults.RegisterFlags(fs)
	fs.StringVar(&mode, "mode", mode, "Transfer mode, netascii or octet")
	fs.BoolVar(&via, "via-intermediary", via, "Send requests to the intermediary port instead of the server port")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if err := defaults.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	args := fs.Args()
	if len(args) < 2 || (args[0] != "get" && args[0] != "put") {
		fs.Usage()
		os.Exit(2)
	}
	remote, local := args[1], ""
	if len(args) > 2 {
		local = args[2]
	}

	log := logrus.NewEntry(shared.NewLogger(defaults.Debug))

	port := shared.DefaultServerPort
	if via {
		port = shared.DefaultIntermediaryPort
	}
	serverAddr, err := defaults.ResolveServer(port)
	if err != nil {
		log.WithError(err).Fatal("Could not resolve the server address")
	}

	c := client.NewClient(serverAddr, defaults, log)
	switch args[0] {
	case "get":
		if local == "" {
			local = remote
		}
		err = c.GetFile(remote, local, mode)
	case "put":
		if local == "" {
			local, remote = remote, ""
		}
		err = c.PutFile(local, remote, mode)
	}

	if err != nil {
		log.WithError(err).Error("Transfer failed")
		os.Exit(1)
	}
}
