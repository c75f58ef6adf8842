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
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [flags] listen-addr file-to-write

   listen-addr: address to listen on, in the form [<host>]:<udpport>/<port>
   file-to-write: where to write the received file

`, os.Args[0])
		os.Exit(1)
	}
	listenAddr := args[0]
	fileName := args[1]

	logger, sugar, err := stcp_file.NewLogger(*debug)
	if err != nil {
		panic(err)
	}
	cfg, err := stcp_file.LoadConfig(*configPath)
	if err != nil {
		sugar.Fatalf("%v", err)
	}

	destFile, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o664)
	if err != nil {
		sugar.Fatalf("could not open destination file for writing: %v", err)
	}
	defer func() {
		if err := destFile.Close(); err != nil {
			sugar.Errorf("failed to close destination file: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	listener, err := stcp.Listen("stcp", listenAddr, stcp.WithLogger(logger), stcp.WithConfig(cfg))
	if err != nil {
		sugar.Fatalf("could not listen on %q: %v", listenAddr, err)
	}
	sugar.Infof("listening on %s", listener.Addr())
	sugar.Infof("saving to %s", fileName)

	// only one transfer per run
	conn, err := listener.AcceptSTCPContext(ctx)
	_ = listener.Close()
	if err != nil {
		sugar.Fatalf("accept failed: %v", err)
	}
	sugar.Infof("receiving from %s", conn.RemoteAddr())

	cw := &stcp_file.CountingWriter{W: destFile}
	done := make(chan struct{})
	go stcp_file.ReportProgress("recv", cw, 0, done)

	_, copyErr := io.Copy(cw, readerFunc(func(p []byte) (int, error) {
		return conn.ReadContext(ctx, p)
	}))
	closeErr := conn.Close()
	close(done)
	if copyErr != nil {
		sugar.Errorf("\nreceive failed: %v", copyErr)
	}
	if closeErr != nil {
		sugar.Errorf("\nclose failed: %v", closeErr)
	}
	fmt.Printf("\nreceived: %d bytes\n", cw.Total())
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
