// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-daq/webdaq/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BandwidthSample holds the data rates of one actor, in MB/s.
type BandwidthSample struct {
	Actor  *Actor
	Output float64
	Input  float64
	File   float64
}

// BandwidthStats aggregates one data-rate direction across actors.
type BandwidthStats struct {
	Total  float64
	Mean   float64
	StdDev float64
}

// BandwidthReport is one sweep of data-rate readings over the whole
// pipeline.
type BandwidthReport struct {
	Time    time.Time
	Samples []BandwidthSample
	Output  BandwidthStats
	Input   BandwidthStats
	File    BandwidthStats
}

// Bandwidth samples the output, input and file data rates of every
// pipeline actor in parallel and aggregates them.
func (ctl *Control) Bandwidth(ctx context.Context) (*BandwidthReport, error) {
	acts := ctl.topo.Actors()
	rep := &BandwidthReport{
		Time:    time.Now(),
		Samples: make([]BandwidthSample, len(acts)),
	}

	var grp errgroup.Group
	for i := range acts {
		i, act := i, acts[i]
		grp.Go(func() error {
			out, err := act.OutputBandwidth(ctx)
			if err != nil {
				return err
			}
			in, err := act.InputBandwidth(ctx)
			if err != nil {
				return err
			}
			file, err := act.FileBandwidth(ctx)
			if err != nil {
				return err
			}
			rep.Samples[i] = BandwidthSample{Actor: act, Output: out, Input: in, File: file}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, xerrors.Errorf("could not sample bandwidths: %w", err)
	}

	var (
		outs  = make([]float64, len(acts))
		ins   = make([]float64, len(acts))
		files = make([]float64, len(acts))
	)
	for i, sample := range rep.Samples {
		outs[i] = sample.Output
		ins[i] = sample.Input
		files[i] = sample.File
	}
	rep.Output = bwStats(outs)
	rep.Input = bwStats(ins)
	rep.File = bwStats(files)
	return rep, nil
}

func bwStats(vs []float64) BandwidthStats {
	mean, std := stat.MeanStdDev(vs, nil)
	if math.IsNaN(mean) {
		mean = 0
	}
	if math.IsNaN(std) {
		std = 0
	}
	return BandwidthStats{
		Total:  floats.Sum(vs),
		Mean:   mean,
		StdDev: std,
	}
}

// WriteGraphite writes the report in the graphite plaintext protocol,
// one gauge per actor and direction, timestamped with the report time.
func (rep *BandwidthReport) WriteGraphite(w io.Writer) error {
	ts := rep.Time.Unix()
	for _, sample := range rep.Samples {
		name := metricName(sample.Actor)
		_, err := fmt.Fprintf(w,
			"xdaq.%s.outputBufferRate %v %d\nxdaq.%s.inputBufferRate %v %d\nxdaq.%s.fileBufferRate %v %d\n",
			name, sample.Output, ts,
			name, sample.Input, ts,
			name, sample.File, ts,
		)
		if err != nil {
			return xerrors.Errorf("could not write graphite record for %v: %w", sample.Actor, err)
		}
	}
	return nil
}

// metricName builds the graphite metric prefix of an actor.  Hosts are
// shortened to their first label and dashes are mapped to underscores,
// dots and dashes being separators in graphite names.
func metricName(act *Actor) string {
	host := act.Host()
	if i := strings.IndexByte(host, '.'); i >= 0 {
		host = host[:i]
	}
	host = strings.Replace(host, "-", "_", -1)
	return act.Name() + "." + host + "." + strconv.Itoa(act.Instance())
}

// spyTimeout bounds one sampling sweep of the spy loop.
const spyTimeout = 5 * time.Second

// Spy periodically samples the pipeline data rates and forwards them as
// graphite plaintext records, typically to a carbon socket.  It is
// started when a run starts and stopped with the run.
type Spy struct {
	ctl  *Control
	msg  log.MsgStream
	w    io.Writer
	freq time.Duration

	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
}

// NewSpy creates a spy forwarding the data rates of the actors driven
// by ctl to w every freq.
func NewSpy(ctl *Control, w io.Writer, freq time.Duration, msg log.MsgStream) *Spy {
	if freq <= 0 {
		freq = 500 * time.Millisecond
	}
	return &Spy{ctl: ctl, msg: msg, w: w, freq: freq}
}

// Start launches the sampling loop.  Starting a running spy is a no-op.
func (spy *Spy) Start() {
	spy.mu.Lock()
	defer spy.mu.Unlock()
	if spy.quit != nil {
		return
	}
	spy.quit = make(chan struct{})
	spy.done = make(chan struct{})
	go spy.run(spy.quit, spy.done)
}

// Stop terminates the sampling loop and waits for it to drain.
// Stopping a stopped spy is a no-op.
func (spy *Spy) Stop() {
	spy.mu.Lock()
	defer spy.mu.Unlock()
	if spy.quit == nil {
		return
	}
	close(spy.quit)
	<-spy.done
	spy.quit = nil
	spy.done = nil
}

func (spy *Spy) run(quit, done chan struct{}) {
	defer close(done)

	tick := time.NewTicker(spy.freq)
	defer tick.Stop()

	for {
		select {
		case <-quit:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), spyTimeout)
			rep, err := spy.ctl.Bandwidth(ctx)
			cancel()
			if err != nil {
				spy.msg.Debugf("could not sample bandwidths: %+v", err)
				continue
			}
			if err := rep.WriteGraphite(spy.w); err != nil {
				spy.msg.Warnf("could not forward bandwidth report: %+v", err)
			}
		}
	}
}
