// Command reqresp-server answers one framed request per connection.
//
// Usage:
//
//	reqresp-server [flags] <host> <port>
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Zereker/reqresp"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <host> <port>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		certFile    = flag.String("cert", "", "PEM certificate presented to clients")
		keyFile     = flag.String("key", "", "PEM private key of -cert")
		plaintext   = flag.Bool("plaintext", false, "serve without TLS")
		root        = flag.String("root", ".", "directory GET resources are read from")
		idleTimeout = flag.Duration("idle-timeout", 0, "close connections idle this long (0 keeps them open)")
		logLevel    = flag.String("log-level", "info", "debug, info, warn or error")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		usage()
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q\n", *logLevel)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(flag.Arg(0), flag.Arg(1)))
	if err != nil {
		logger.Error("invalid address", "error", err)
		os.Exit(1)
	}

	opts := []reqresp.Option{
		reqresp.LoggerOption(logger),
		reqresp.ResourceFSOption(os.DirFS(*root)),
		reqresp.IdleTimeoutOption(*idleTimeout),
	}
	if !*plaintext {
		if *certFile == "" || *keyFile == "" {
			fmt.Fprintln(os.Stderr, "-cert and -key are required unless -plaintext is set")
			os.Exit(1)
		}
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			logger.Error("failed to load certificate", "error", err)
			os.Exit(1)
		}
		opts = append(opts, reqresp.TLSConfigOption(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}))
	}

	server, err := reqresp.New(addr, opts...)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("listening", "addr", server.Addr())
	if err := server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("caught interrupt, exiting")
}
