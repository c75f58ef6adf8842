// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"storj.io/stcp-go"
	"storj.io/stcp-go/stcp_file"
)

var (
	debug      = flag.Bool("debug", false, "Enable debug logging")
	configPath = flag.String("config", "", "YAML file with stcp settings")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [flags] dest-addr file-to-send

   dest-addr: destination node to connect to, in the form <host>:<udpport>/<port>
   file-to-send: the file to upload

`, os.Args[0])
		os.Exit(1)
	}
	dest := args[0]
	fileName := args[1]

	logger, sugar, err := stcp_file.NewLogger(*debug)
	if err != nil {
		panic(err)
	}
	cfg, err := stcp_file.LoadConfig(*configPath)
	if err != nil {
		sugar.Fatalf("%v", err)
	}

	dataFile, err := os.Open(fileName)
	if err != nil {
		sugar.Fatalf("failed to open source: %v", err)
	}
	defer func() { _ = dataFile.Close() }()
	info, err := dataFile.Stat()
	if err != nil {
		sugar.Fatalf("could not determine size of input: %v", err)
	}
	if info.Size() == 0 {
		sugar.Fatalf("file is 0 bytes")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sugar.Infof("connecting to %s", dest)
	conn, err := stcp.DialContext(ctx, "stcp", dest, stcp.WithLogger(logger), stcp.WithConfig(cfg))
	if err != nil {
		sugar.Fatalf("could not connect: %v", err)
	}
	sugar.Infof("sending %q from %s", fileName, conn.LocalAddr())

	cw := &stcp_file.CountingWriter{W: conn}
	done := make(chan struct{})
	go stcp_file.ReportProgress("sent", cw, info.Size(), done)

	_, copyErr := io.Copy(cw, dataFile)
	// Close drains what is still buffered before sending the FIN.
	closeErr := conn.Close()
	close(done)
	if copyErr != nil {
		sugar.Fatalf("\nsend failed: %v", copyErr)
	}
	if closeErr != nil {
		sugar.Fatalf("\nclose failed: %v", closeErr)
	}
	fmt.Printf("\nsent: %d bytes\n", cw.Total())
}
