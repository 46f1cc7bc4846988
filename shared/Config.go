package shared

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config holds the settings shared by the client, server and intermediary commands
type Config struct {
	IPv6        bool
	Port        int
	Server      string // host[:port] of the server, or of the intermediary from the client's view
	Root        string
	Debug       bool
	Timeout     time.Duration
	Retries     int
	MaxFileSize int64
}

// DefaultConfig returns the settings used when no flags are given
func DefaultConfig(port int) *Config {
	return &Config{
		Port:    port,
		Server:  "127.0.0.1",
		Root:    ".",
		Timeout: DefaultTimeout,
		Retries: DefaultRetries,
	}
}

// Network is the UDP network name for the configured address family
func (c *Config) Network() string {
	if c.IPv6 {
		return "udp6"
	}
	return "udp4"
}

// ListenAddr is the local address a server or intermediary binds to
func (c *Config) ListenAddr() string {
	if c.IPv6 {
		return net.JoinHostPort("::", strconv.Itoa(c.Port))
	}
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.Port))
}

// ResolveServer resolves Server, appending defaultPort when it carries no port
func (c *Config) ResolveServer(defaultPort int) (*net.UDPAddr, error) {
	host := c.Server
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(defaultPort))
	}
	return net.ResolveUDPAddr(c.Network(), host)
}

// TransferConfig derives the engine parameters
func (c *Config) TransferConfig() TransferConfig {
	return TransferConfig{Timeout: c.Timeout, Retries: c.Retries}
}

// RegisterFlags binds the shared options to fs
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.IPv6, "ipv6", c.IPv6, "Use IPv6 UDP datagrams instead of IPv4")
	fs.IntVar(&c.Port, "port", c.Port, "Local port to listen on")
	fs.StringVar(&c.Server, "server", c.Server, "Address of the server to send requests to")
	fs.StringVar(&c.Root, "root", c.Root, "Directory files are read from and written to")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Log every packet sent and received")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "How long to wait for a reply before retransmitting")
	fs.IntVar(&c.Retries, "retries", c.Retries, "Retransmissions before a transfer is abandoned")
	fs.Int64Var(&c.MaxFileSize, "max-size", c.MaxFileSize, "Largest file accepted by a write request, 0 for no limit")
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Timeout < time.Millisecond {
		return errors.Errorf("timeout %v is too short", c.Timeout)
	}
	if c.Retries < 0 {
		return errors.Errorf("retries must not be negative, got %d", c.Retries)
	}
	if c.Port < 0 || c.Port > 0xFFFF {
		return errors.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// Interprets command line arguments for the program, returning the remaining positional arguments
func InterpretCommandLineArguments(name string, defaults *Config, args []string) (*Config, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	defaults.RegisterFlags(fs)
	fs.Usage = func() { showHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := defaults.Validate(); err != nil {
		return nil, nil, err
	}
	return defaults, fs.Args(), nil
}

func showHelp(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "usage: %s [<options>]\n\n", fs.Name())
	fs.PrintDefaults()
}
