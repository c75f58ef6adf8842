// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package stcp_file holds the pieces shared by the stcp_send and stcp_recv
// file transfer tools.
package stcp_file

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/stcp-go"
)

// NewLogger builds the colored console logger both tools use. With debug
// set, stcp's V(1) and V(2) output (dropped packets, every sent segment)
// is shown as well.
func NewLogger(debug bool) (logr.Logger, *zap.SugaredLogger, error) {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if debug {
		logConfig.Level.SetLevel(zapcore.Level(-2))
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	plainLogger, err := logConfig.Build()
	if err != nil {
		return logr.Discard(), nil, err
	}
	return zapr.NewLogger(plainLogger), plainLogger.Sugar(), nil
}

// LoadConfig returns the defaults when path is empty.
func LoadConfig(path string) (stcp.Config, error) {
	if path == "" {
		return stcp.DefaultConfig(), nil
	}
	return stcp.LoadConfig(path)
}

// CountingWriter counts the bytes passing through to W.
type CountingWriter struct {
	W     io.Writer
	total int64
}

func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	atomic.AddInt64(&cw.total, int64(n))
	return n, err
}

// Total is the number of bytes written so far.
func (cw *CountingWriter) Total() int64 {
	return atomic.LoadInt64(&cw.total)
}

// ReportProgress prints the transfer rate once a second until done is
// closed.
func ReportProgress(verb string, cw *CountingWriter, size int64, done <-chan struct{}) {
	startTime := time.Now()
	lastTime := startTime
	var last int64

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case curTime := <-ticker.C:
			total := cw.Total()
			rate := float64(total-last) / curTime.Sub(lastTime).Seconds()
			last, lastTime = total, curTime
			if size > 0 {
				fmt.Printf("\r[%d] %s: %d/%d  %.1f bytes/s  ", curTime.Sub(startTime).Milliseconds(), verb, total, size, rate)
			} else {
				fmt.Printf("\r[%d] %s: %d  %.1f bytes/s  ", curTime.Sub(startTime).Milliseconds(), verb, total, rate)
			}
		}
	}
}
