package main

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/cloudflare/icmptun/logger"
	"github.com/cloudflare/icmptun/metrics"
	"github.com/cloudflare/icmptun/tunnel"
)

// Version is set at compile time.
var Version = "DEV"

func main() {
	app := &cli.App{
		Name:    "icmptun",
		Usage:   "Tunnel a TCP stream over ICMP echo messages",
		Version: Version,
		Commands: []*cli.Command{
			serverCommand(),
			clientCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:   "server",
		Usage:  "Run the server-side relay. Accepts tunnel traffic on a raw ICMP socket and opens stream connections to the destination embedded by the client.",
		Flags:  append(configureLoggingFlags(), metricsFlag()),
		Action: runServer,
	}
}

func runServer(c *cli.Context) error {
	log := logger.CreateLoggerFromContext(c, logger.EnableTerminalLog)
	readyServer, err := startMetricsServer(c, log)
	if err != nil {
		return err
	}

	log.Info().Msg("Starting server")
	responder := tunnel.NewResponder(log)
	if readyServer != nil {
		readyServer.SetReady()
	}
	return responder.Run()
}

func clientCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "proxy-host",
			Aliases:  []string{"p"},
			Usage:    "IP of the server-side relay",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "local-host",
			Aliases: []string{"lh"},
			Usage:   "Local IP to accept the incoming TCP connection on",
			Value:   "127.0.0.1",
		},
		&cli.UintFlag{
			Name:     "local-port",
			Aliases:  []string{"lp"},
			Usage:    "Local port to accept the incoming TCP connection on",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "destination-host",
			Aliases:  []string{"dh"},
			Usage:    "Remote IP the relay will connect to",
			Required: true,
		},
		&cli.UintFlag{
			Name:     "destination-port",
			Aliases:  []string{"dp"},
			Usage:    "Remote port the relay will connect to",
			Required: true,
		},
	}
	return &cli.Command{
		Name:   "client",
		Usage:  "Run the client-side proxy. Accepts one local TCP connection and relays it to the server over ICMP echo.",
		Flags:  append(flags, append(configureLoggingFlags(), metricsFlag())...),
		Action: runClient,
	}
}

func runClient(c *cli.Context) error {
	log := logger.CreateLoggerFromContext(c, logger.EnableTerminalLog)

	proxy, err := resolveIPv4(c.String("proxy-host"))
	if err != nil {
		return err
	}
	localHost, err := resolveIPv4(c.String("local-host"))
	if err != nil {
		return err
	}
	dstHost, err := resolveIPv4(c.String("destination-host"))
	if err != nil {
		return err
	}
	localPort, err := parsePort(c.Uint("local-port"))
	if err != nil {
		return err
	}
	dstPort, err := parsePort(c.Uint("destination-port"))
	if err != nil {
		return err
	}

	readyServer, err := startMetricsServer(c, log)
	if err != nil {
		return err
	}

	log.Info().Msg("Starting client")
	proxyEngine := tunnel.NewClientProxy(
		log,
		proxy,
		netip.AddrPortFrom(localHost, localPort),
		netip.AddrPortFrom(dstHost, dstPort),
	)
	if readyServer != nil {
		readyServer.SetReady()
	}
	return proxyEngine.Run()
}

func configureLoggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    logger.LogLevelFlag,
			Value:   "info",
			Usage:   "Application logging level {debug, info, warn, error, fatal}",
			EnvVars: []string{"TUNNEL_LOGLEVEL"},
		},
		&cli.StringFlag{
			Name:    logger.LogFileFlag,
			Usage:   "Save application log to this file",
			EnvVars: []string{"TUNNEL_LOGFILE"},
		},
		&cli.StringFlag{
			Name:    logger.LogDirectoryFlag,
			Usage:   "Save application log to a rolling log in this directory",
			EnvVars: []string{"TUNNEL_LOGDIRECTORY"},
		},
		&cli.StringFlag{
			Name:    logger.LogOutputFlag,
			Value:   "default",
			Usage:   "Output format for the logs (default, json)",
			EnvVars: []string{"TUNNEL_LOG_OUTPUT"},
		},
	}
}

func metricsFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "metrics",
		Usage:   "Listen address for the prometheus metrics and health endpoints, e.g. localhost:20241. Disabled when empty.",
		EnvVars: []string{"TUNNEL_METRICS"},
	}
}

// startMetricsServer brings the metrics listener up when the flag is set. The
// returned ReadyServer is nil when metrics are disabled.
func startMetricsServer(c *cli.Context, log *zerolog.Logger) (*metrics.ReadyServer, error) {
	addr := c.String("metrics")
	if addr == "" {
		return nil, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s for metrics", addr)
	}
	readyServer := metrics.NewReadyServer()
	// The engines run until the process is killed, so the server is never
	// shut down gracefully.
	shutdownC := make(chan struct{})
	go func() {
		if err := metrics.ServeMetrics(listener, shutdownC, readyServer, log); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	return readyServer, nil
}

// resolveIPv4 resolves a host flag to the IPv4 address the tunnel carries on
// the wire.
func resolveIPv4(host string) (netip.Addr, error) {
	ipAddr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "failed to resolve %q", host)
	}
	addr, ok := netip.AddrFromSlice(ipAddr.IP.To4())
	if !ok {
		return netip.Addr{}, errors.Errorf("%q did not resolve to an IPv4 address", host)
	}
	return addr, nil
}

func parsePort(port uint) (uint16, error) {
	if port == 0 || port > 65535 {
		return 0, errors.Errorf("port %d is out of range", port)
	}
	return uint16(port), nil
}
