// Command reqresp-client sends one framed request and prints the response.
//
// Usage:
//
//	reqresp-client [flags] <host> <port> <GET|POST> <value>
//
// Responses larger than -max-size bytes of content are rejected. GET of a
// large resource needs a bigger limit.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
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
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <host> <port> <action> <value>\n", os.Args[0])
	fmt.Fprintln(flag.CommandLine.Output(), "responses with more than -max-size bytes of content are rejected")
	flag.PrintDefaults()
}

func main() {
	var (
		caFile    = flag.String("ca", "", "PEM bundle of additional trusted roots")
		insecure  = flag.Bool("insecure", false, "skip server certificate verification")
		plaintext = flag.Bool("plaintext", false, "connect without TLS")
		logLevel  = flag.String("log-level", "warn", "debug, info, warn or error")
		maxSize   = flag.Int("max-size", 256<<20, "largest response content accepted, in bytes")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 4 {
		usage()
		os.Exit(1)
	}
	host, port, action, value := flag.Arg(0), flag.Arg(1), flag.Arg(2), flag.Arg(3)
	if reqresp.ParseAction(action) == reqresp.ActionUnknown {
		fmt.Fprintf(os.Stderr, "unknown action %q, want GET or POST\n", action)
		usage()
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q\n", *logLevel)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *maxSize <= 0 {
		fmt.Fprintf(os.Stderr, "invalid -max-size %d\n", *maxSize)
		os.Exit(1)
	}

	opts := []reqresp.Option{reqresp.LoggerOption(logger), reqresp.MessageMaxSize(*maxSize)}
	if !*plaintext {
		config := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: *insecure}
		if *caFile != "" {
			pem, err := os.ReadFile(*caFile)
			if err != nil {
				logger.Error("failed to read -ca", "error", err)
				os.Exit(1)
			}
			pool, err := x509.SystemCertPool()
			if err != nil {
				pool = x509.NewCertPool()
			}
			if !pool.AppendCertsFromPEM(pem) {
				logger.Error("no certificates found in -ca", "file", *caFile)
				os.Exit(1)
			}
			config.RootCAs = pool
		}
		opts = append(opts, reqresp.TLSConfigOption(config))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := reqresp.NewClient(opts...)
	resp, err := client.Do(ctx, net.JoinHostPort(host, port), reqresp.Request{Action: action, Value: value})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "caught interrupt, exiting")
			os.Exit(130)
		}
		if errors.Is(err, reqresp.ErrMessageTooLarge) {
			fmt.Fprintf(os.Stderr, "response exceeds -max-size %d: %v\n", *maxSize, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}

	switch resp.Kind {
	case reqresp.ContentStructured:
		fmt.Printf("Got response: %v\n", resp.Value)
	case reqresp.ContentBinary:
		fmt.Printf("Got %s response: %q\n", resp.Header.ContentType, resp.Raw)
	}
}
