// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/webdaq/config"
	"github.com/go-daq/webdaq/log"
)

func TestMetricName(t *testing.T) {
	for _, tt := range []struct {
		url   string
		class string
		inst  int
		want  string
	}{
		{"http://gal01.example.org:50000", "ReadoutUnit", 0, "Readout_Unit.gal01.0"},
		{"http://lab-pc.cern.ch:50000", "LocalFilter", 3, "Local_Filter.lab_pc.3"},
		{"http://builder:50000", "rubuilder::merger::Merger", 1, "Merger_Unit.builder.1"},
	} {
		t.Run(tt.want, func(t *testing.T) {
			act, err := NewActor(tt.url, tt.class, tt.inst, 0)
			if err != nil {
				t.Fatalf("could not create actor: %+v", err)
			}
			if got, want := metricName(act), tt.want; got != want {
				t.Fatalf("invalid metric name.\ngot = %q\nwant= %q\n", got, want)
			}
		})
	}
}

func TestBWStats(t *testing.T) {
	stats := bwStats([]float64{1, 2, 3})
	if got, want := stats.Total, 6.0; got != want {
		t.Fatalf("invalid total.\ngot = %v\nwant= %v\n", got, want)
	}
	if got, want := stats.Mean, 2.0; got != want {
		t.Fatalf("invalid mean.\ngot = %v\nwant= %v\n", got, want)
	}
	if got, want := stats.StdDev, 1.0; got != want {
		t.Fatalf("invalid std-dev.\ngot = %v\nwant= %v\n", got, want)
	}

	stats = bwStats([]float64{4})
	if got, want := stats.Mean, 4.0; got != want {
		t.Fatalf("invalid single-sample mean.\ngot = %v\nwant= %v\n", got, want)
	}
	if got, want := stats.StdDev, 0.0; got != want {
		t.Fatalf("invalid single-sample std-dev.\ngot = %v\nwant= %v\n", got, want)
	}

	stats = bwStats(nil)
	if stats.Total != 0 || stats.Mean != 0 || stats.StdDev != 0 {
		t.Fatalf("invalid empty stats: %#v", stats)
	}
}

func TestWriteGraphite(t *testing.T) {
	ru, err := NewActor("http://gal01.example.org:50000", "ReadoutUnit", 0, 10)
	if err != nil {
		t.Fatalf("could not create actor: %+v", err)
	}
	gf, err := NewActor("http://builder:50000", "GlobalFilter", 0, 11)
	if err != nil {
		t.Fatalf("could not create actor: %+v", err)
	}

	rep := &BandwidthReport{
		Time: time.Unix(1666000000, 0),
		Samples: []BandwidthSample{
			{Actor: ru, Output: 39.5, Input: 0, File: 25},
			{Actor: gf, Output: 0.25, Input: 39.5, File: 0},
		},
	}

	buf := new(bytes.Buffer)
	if err := rep.WriteGraphite(buf); err != nil {
		t.Fatalf("could not write graphite records: %+v", err)
	}

	want := `xdaq.Readout_Unit.gal01.0.outputBufferRate 39.5 1666000000
xdaq.Readout_Unit.gal01.0.inputBufferRate 0 1666000000
xdaq.Readout_Unit.gal01.0.fileBufferRate 25 1666000000
xdaq.Global_Filter.builder.0.outputBufferRate 0.25 1666000000
xdaq.Global_Filter.builder.0.inputBufferRate 39.5 1666000000
xdaq.Global_Filter.builder.0.fileBufferRate 0 1666000000
`
	if got := buf.String(); got != want {
		t.Fatalf("invalid graphite records:\ngot:\n%s\nwant:\n%s\n", got, want)
	}
}

func bwTestControl(t *testing.T, url string) *Control {
	t.Helper()
	xml := fmt.Sprintf(`<xc:Partition>
 <xc:Context url=%q>
  <xc:Application class="ReadoutUnit" id="10" instance="0"/>
  <xc:Application class="LocalFilter" id="11" instance="0"/>
 </xc:Context>
</xc:Partition>`, url)
	topo, err := ParseTopology(strings.NewReader(xml))
	if err != nil {
		t.Fatalf("could not parse topology: %+v", err)
	}
	msg := log.NewMsgStream("bw-test", log.LvlError, log.NopSync(ioutil.Discard))
	return NewControl(topo, config.Control{}, msg)
}

func TestBandwidth(t *testing.T) {
	exec := newFakeExec()
	exec.set(paramInputBW, "1.500")
	exec.set(paramFileBW, "25.000")
	srv := httptest.NewServer(exec)
	defer srv.Close()

	ctl := bwTestControl(t, srv.URL)
	rep, err := ctl.Bandwidth(context.Background())
	if err != nil {
		t.Fatalf("could not sample bandwidths: %+v", err)
	}
	if got, want := len(rep.Samples), 2; got != want {
		t.Fatalf("invalid number of samples.\ngot = %d\nwant= %d\n", got, want)
	}
	for i, sample := range rep.Samples {
		if got, want := sample.Output, 39.5; got != want {
			t.Fatalf("invalid output rate %d.\ngot = %v\nwant= %v\n", i, got, want)
		}
		if got, want := sample.File, 25.0; got != want {
			t.Fatalf("invalid file rate %d.\ngot = %v\nwant= %v\n", i, got, want)
		}
	}
	if got, want := rep.Output.Total, 79.0; got != want {
		t.Fatalf("invalid output total.\ngot = %v\nwant= %v\n", got, want)
	}
	if got, want := rep.Output.Mean, 39.5; got != want {
		t.Fatalf("invalid output mean.\ngot = %v\nwant= %v\n", got, want)
	}
	if got, want := rep.Output.StdDev, 0.0; got != want {
		t.Fatalf("invalid output std-dev.\ngot = %v\nwant= %v\n", got, want)
	}
	if got, want := rep.Input.Total, 3.0; got != want {
		t.Fatalf("invalid input total.\ngot = %v\nwant= %v\n", got, want)
	}

	// an executive without rate parameters fails the whole sweep.
	bare := httptest.NewServer(newFakeExec())
	defer bare.Close()
	if _, err := bwTestControl(t, bare.URL).Bandwidth(context.Background()); err == nil {
		t.Fatalf("expected an error for an executive without rate parameters")
	}
}

func TestSpy(t *testing.T) {
	exec := newFakeExec()
	exec.set(paramInputBW, "1.500")
	exec.set(paramFileBW, "25.000")
	srv := httptest.NewServer(exec)
	defer srv.Close()

	ctl := bwTestControl(t, srv.URL)
	msg := log.NewMsgStream("spy-test", log.LvlError, log.NopSync(ioutil.Discard))

	buf := new(lockedBuffer)
	spy := NewSpy(ctl, buf, 10*time.Millisecond, msg)
	spy.Start()
	spy.Start() // no-op
	time.Sleep(100 * time.Millisecond)
	spy.Stop()
	spy.Stop() // no-op

	out := buf.String()
	if !strings.Contains(out, "xdaq.Readout_Unit") || !strings.Contains(out, "outputBufferRate") {
		t.Fatalf("spy forwarded no bandwidth records:\n%s", out)
	}
	n := len(out)
	time.Sleep(50 * time.Millisecond)
	if got := len(buf.String()); got != n {
		t.Fatalf("spy kept running after stop: %d -> %d bytes", n, got)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
