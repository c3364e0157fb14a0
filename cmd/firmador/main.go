// Command firmador signs PDF documents with a PKCS#12 keystore.
//
// Usage:
//
//	firmador <command> [flags] <args>
//
// Commands:
//
//	sign     Sign one or more PDF files
//	inspect  Show the certificate of a PKCS#12 keystore
//	verify   Verify the digital signature(s) of PDF files
//	tsa      Timestamp authority utilities
//	version  Show version information
//
// Examples:
//
//	# Sign a PDF with a timestamp
//	firmador sign -k signer.p12 --name "Jane Doe" --timestamp input.pdf -o output.pdf
//
//	# Verify a PDF with JSON output
//	firmador verify --json document.pdf
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/georgepadayatti/firmador/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/firmador
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
