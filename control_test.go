// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq_test // import "github.com/go-daq/webdaq"

import (
	"bytes"
	"context"
	"io/ioutil"
	"strings"
	"testing"
	"time"

	"github.com/go-daq/webdaq"
	"github.com/go-daq/webdaq/config"
	"github.com/go-daq/webdaq/fsm"
	"github.com/go-daq/webdaq/log"
	"github.com/go-daq/webdaq/sim"
	"golang.org/x/xerrors"
)

func quietMsg(name string) log.MsgStream {
	return log.NewMsgStream(name, log.LvlError, log.NopSync(ioutil.Discard))
}

func startSimFarm(t *testing.T, cfg config.SimFarm) (*sim.Farm, *webdaq.Topology) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "sim-farm"
	}
	farm := sim.NewFarm(cfg, quietMsg(cfg.Name))
	if err := farm.Start(); err != nil {
		t.Fatalf("could not start farm: %+v", err)
	}
	buf := new(bytes.Buffer)
	if err := farm.WriteTopology(buf); err != nil {
		stopSimFarm(t, farm)
		t.Fatalf("could not write farm topology: %+v", err)
	}
	topo, err := webdaq.ParseTopology(buf)
	if err != nil {
		stopSimFarm(t, farm)
		t.Fatalf("could not parse farm topology: %+v", err)
	}
	return farm, topo
}

func stopSimFarm(t *testing.T, farm *sim.Farm) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := farm.Stop(ctx); err != nil {
		t.Errorf("could not stop farm: %+v", err)
	}
}

func farmApp(t *testing.T, farm *sim.Farm, class string, inst int) *sim.App {
	t.Helper()
	app, ok := farm.App(class, inst)
	if !ok {
		t.Fatalf("no application %s/%d in farm", class, inst)
	}
	return app
}

func transportStates(t *testing.T, farm *sim.Farm, want string) {
	t.Helper()
	for _, app := range farm.Apps() {
		if !strings.Contains(app.Class, "pt::atcp") {
			continue
		}
		if got := app.State(); got != want {
			t.Fatalf("invalid %s/%d state.\ngot = %q\nwant= %q\n", app.Class, app.Instance, got, want)
		}
	}
}

func pipelineStates(t *testing.T, farm *sim.Farm, want string) {
	t.Helper()
	for _, app := range farm.Apps() {
		if strings.Contains(app.Class, "pt::atcp") {
			continue
		}
		if got := app.State(); got != want {
			t.Fatalf("invalid %s/%d state.\ngot = %q\nwant= %q\n", app.Class, app.Instance, got, want)
		}
	}
}

func daqState(t *testing.T, topo *webdaq.Topology, want fsm.DAQState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	daq, err := topo.DAQState(ctx)
	if err != nil {
		t.Fatalf("could not query DAQ state: %+v", err)
	}
	if daq != want {
		t.Fatalf("invalid DAQ state.\ngot = %v\nwant= %v\n", daq, want)
	}
}

func TestControlRunCycle(t *testing.T) {
	t.Parallel()

	farm, topo := startSimFarm(t, config.SimFarm{RU: 2, LF: 2, BU: 1, MU: 1, GF: 1})
	defer stopSimFarm(t, farm)

	ccfg := config.Control{Poll: 10 * time.Millisecond, Timeout: 5 * time.Second}
	ctl := webdaq.NewControl(topo, ccfg, quietMsg("ctl"))
	ctx := context.Background()

	daqState(t, topo, fsm.DAQUnknown)

	if err := ctl.ConfigurePT(ctx); err != nil {
		t.Fatalf("could not configure transport: %+v", err)
	}
	transportStates(t, farm, "Ready")

	if err := ctl.EnablePT(ctx); err != nil {
		t.Fatalf("could not enable transport: %+v", err)
	}
	transportStates(t, farm, "Enabled")
	if err := ctl.EnablePT(ctx); err != nil {
		t.Fatalf("could not re-enable transport: %+v", err)
	}
	daqState(t, topo, fsm.DAQInitialized)

	if err := ctl.Configure(ctx); err != nil {
		t.Fatalf("could not configure topology: %+v", err)
	}
	pipelineStates(t, farm, "Configured")
	daqState(t, topo, fsm.DAQConfigured)

	// with the first readout unit already configured, a second configure
	// must not touch the other stages.
	gf := farmApp(t, farm, sim.ClassGF, 0)
	gf.SetState("Halted")
	if err := ctl.Configure(ctx); err != nil {
		t.Fatalf("could not re-configure topology: %+v", err)
	}
	if got, want := gf.State(), "Halted"; got != want {
		t.Fatalf("re-configure was not a no-op.\ngot = %q\nwant= %q\n", got, want)
	}
	gf.SetState("Configured")

	if err := ctl.Start(ctx); err != nil {
		t.Fatalf("could not start topology: %+v", err)
	}
	pipelineStates(t, farm, "Running")
	daqState(t, topo, fsm.DAQRunning)

	if err := ctl.SetRunNumber(ctx, 7); err != nil {
		t.Fatalf("could not set run number: %+v", err)
	}
	run, err := ctl.RunNumber(ctx)
	if err != nil {
		t.Fatalf("could not read run number: %+v", err)
	}
	if got, want := run, uint32(7); got != want {
		t.Fatalf("invalid run number.\ngot = %d\nwant= %d\n", got, want)
	}

	if err := ctl.Halt(ctx); err != nil {
		t.Fatalf("could not halt topology: %+v", err)
	}
	pipelineStates(t, farm, "Halted")
	daqState(t, topo, fsm.DAQInitialized)
	if got, want := farmApp(t, farm, sim.ClassRU, 0).Param("runNumber"), "7"; got != want {
		t.Fatalf("halt advanced the run number.\ngot = %q\nwant= %q\n", got, want)
	}

	// the legacy controller advances the run number on halt.
	ccfg.IncrementOnHalt = true
	incr := webdaq.NewControl(topo, ccfg, quietMsg("ctl-incr"))
	if err := incr.Configure(ctx); err != nil {
		t.Fatalf("could not configure topology: %+v", err)
	}
	if err := incr.Start(ctx); err != nil {
		t.Fatalf("could not start topology: %+v", err)
	}
	if err := incr.Halt(ctx); err != nil {
		t.Fatalf("could not halt topology: %+v", err)
	}
	for _, class := range []string{sim.ClassRU, sim.ClassGF} {
		if got, want := farmApp(t, farm, class, 0).Param("runNumber"), "8"; got != want {
			t.Fatalf("invalid %s run number after halt.\ngot = %q\nwant= %q\n", class, got, want)
		}
	}

	// a halt of an already-halted topology must not advance it again.
	if err := incr.Halt(ctx); err != nil {
		t.Fatalf("could not re-halt topology: %+v", err)
	}
	run, err = incr.RunNumber(ctx)
	if err != nil {
		t.Fatalf("could not read run number: %+v", err)
	}
	if got, want := run, uint32(8); got != want {
		t.Fatalf("invalid run number after re-halt.\ngot = %d\nwant= %d\n", got, want)
	}
}

func TestControlLatency(t *testing.T) {
	t.Parallel()

	farm, topo := startSimFarm(t, config.SimFarm{RU: 1, LF: 1, BU: 1, MU: 1, GF: 1})
	defer stopSimFarm(t, farm)

	for _, app := range farm.Apps() {
		app.SetLatency(30 * time.Millisecond)
	}

	ctl := webdaq.NewControl(topo, config.Control{Poll: 10 * time.Millisecond, Timeout: 5 * time.Second}, quietMsg("ctl"))
	ctx := context.Background()

	if err := ctl.ConfigurePT(ctx); err != nil {
		t.Fatalf("could not configure transport: %+v", err)
	}
	if err := ctl.Configure(ctx); err != nil {
		t.Fatalf("could not configure topology: %+v", err)
	}
	pipelineStates(t, farm, "Configured")
}

func TestControlNotConverged(t *testing.T) {
	t.Parallel()

	farm, topo := startSimFarm(t, config.SimFarm{RU: 1, LF: 1})
	defer stopSimFarm(t, farm)

	ru := farmApp(t, farm, sim.ClassRU, 0)
	ru.SetStick(true)

	ctl := webdaq.NewControl(topo, config.Control{Poll: 20 * time.Millisecond, Timeout: 300 * time.Millisecond}, quietMsg("ctl"))
	err := ctl.Configure(context.Background())
	if err == nil {
		t.Fatalf("expected a convergence failure")
	}
	if !xerrors.Is(err, webdaq.ErrNotConverged) {
		t.Fatalf("invalid error type: %+v", err)
	}
	// the readout stage never converged, so the filter stage must not
	// have been commanded.
	if got, want := farmApp(t, farm, sim.ClassLF, 0).State(), "Halted"; got != want {
		t.Fatalf("filter commanded after failed readout stage.\ngot = %q\nwant= %q\n", got, want)
	}
}

func TestControlStartOrder(t *testing.T) {
	t.Parallel()

	farm, topo := startSimFarm(t, config.SimFarm{RU: 2, BU: 1})
	defer stopSimFarm(t, farm)

	ctl := webdaq.NewControl(topo, config.Control{Poll: 20 * time.Millisecond, Timeout: 500 * time.Millisecond}, quietMsg("ctl"))
	ctx := context.Background()

	if err := ctl.ConfigurePT(ctx); err != nil {
		t.Fatalf("could not configure transport: %+v", err)
	}
	if err := ctl.EnablePT(ctx); err != nil {
		t.Fatalf("could not enable transport: %+v", err)
	}
	if err := ctl.Configure(ctx); err != nil {
		t.Fatalf("could not configure topology: %+v", err)
	}

	// the builder stage is started first: until it converges, the
	// readout units must not be commanded.
	bu := farmApp(t, farm, sim.ClassBU, 0)
	bu.SetStick(true)
	err := ctl.Start(ctx)
	if !xerrors.Is(err, webdaq.ErrNotConverged) {
		t.Fatalf("invalid error for a stuck builder: %+v", err)
	}
	for _, inst := range []int{0, 1} {
		if got, want := farmApp(t, farm, sim.ClassRU, inst).State(), "Configured"; got != want {
			t.Fatalf("readout %d commanded before the builder stage.\ngot = %q\nwant= %q\n", inst, got, want)
		}
	}

	bu.SetStick(false)
	if err := ctl.Start(ctx); err != nil {
		t.Fatalf("could not start topology: %+v", err)
	}
	pipelineStates(t, farm, "Running")
}

func TestControlReject(t *testing.T) {
	t.Parallel()

	farm, topo := startSimFarm(t, config.SimFarm{RU: 1, LF: 1})
	defer stopSimFarm(t, farm)

	farmApp(t, farm, sim.ClassRU, 0).SetReject(true)

	ctl := webdaq.NewControl(topo, config.Control{Poll: 10 * time.Millisecond, Timeout: 2 * time.Second}, quietMsg("ctl"))
	err := ctl.Configure(context.Background())
	if err == nil {
		t.Fatalf("expected an error for a refused transition")
	}
	if xerrors.Is(err, webdaq.ErrNotConverged) {
		t.Fatalf("refusal reported as convergence failure: %+v", err)
	}
}

func TestControlFanout(t *testing.T) {
	t.Parallel()

	farm, topo := startSimFarm(t, config.SimFarm{RU: 2, LF: 2, BU: 1, MU: 1, GF: 1})
	defer stopSimFarm(t, farm)

	ctl := webdaq.NewControl(topo, config.Control{Poll: 10 * time.Millisecond, Timeout: 5 * time.Second}, quietMsg("ctl"))
	ctx := context.Background()

	if err := ctl.SetCoincidenceWindow(ctx, 150); err != nil {
		t.Fatalf("could not set coincidence window: %+v", err)
	}
	for _, class := range []string{sim.ClassBU, sim.ClassMU} {
		if got, want := farmApp(t, farm, class, 0).Param("merge_window"), "150"; got != want {
			t.Fatalf("invalid %s merge window.\ngot = %q\nwant= %q\n", class, got, want)
		}
	}
	if got, want := farmApp(t, farm, sim.ClassRU, 0).Param("merge_window"), "200"; got != want {
		t.Fatalf("readout merge window touched.\ngot = %q\nwant= %q\n", got, want)
	}
	window, err := ctl.CoincidenceWindow(ctx)
	if err != nil {
		t.Fatalf("could not read coincidence window: %+v", err)
	}
	if got, want := window, uint32(150); got != want {
		t.Fatalf("invalid coincidence window.\ngot = %d\nwant= %d\n", got, want)
	}

	if err := ctl.SetMultiplicity(ctx, 2); err != nil {
		t.Fatalf("could not set multiplicity: %+v", err)
	}
	for _, class := range []string{sim.ClassBU, sim.ClassMU} {
		if got, want := farmApp(t, farm, class, 0).Param("multiplicity"), "2"; got != want {
			t.Fatalf("invalid %s multiplicity.\ngot = %q\nwant= %q\n", class, got, want)
		}
	}

	if err := ctl.SetCycleCounter(ctx, 5); err != nil {
		t.Fatalf("could not set cycle counter: %+v", err)
	}
	for _, class := range []string{sim.ClassRU, sim.ClassLF, sim.ClassBU} {
		if got, want := farmApp(t, farm, class, 0).Param("cycleCounter"), "5"; got != want {
			t.Fatalf("invalid %s cycle counter.\ngot = %q\nwant= %q\n", class, got, want)
		}
	}
	if got, want := farmApp(t, farm, sim.ClassMU, 0).Param("cycleCounter"), "0"; got != want {
		t.Fatalf("merger cycle counter touched.\ngot = %q\nwant= %q\n", got, want)
	}

	if err := ctl.SetFileSizeLimit(ctx, 100); err != nil {
		t.Fatalf("could not set file size limit: %+v", err)
	}
	for _, class := range []string{sim.ClassRU, sim.ClassLF, sim.ClassBU, sim.ClassMU, sim.ClassGF} {
		if got, want := farmApp(t, farm, class, 0).Param("outputFileSizeLimit_MB"), "100"; got != want {
			t.Fatalf("invalid %s file size limit.\ngot = %q\nwant= %q\n", class, got, want)
		}
	}

	if err := ctl.SetFilePaths(ctx, "/data/run7", 0); err != nil {
		t.Fatalf("could not set file paths: %+v", err)
	}
	for _, tt := range []struct {
		class string
		want  string
	}{
		{sim.ClassRU, "/data/run7/ru"},
		{sim.ClassLF, "/data/run7/lf"},
		{sim.ClassBU, "/data/run7/bu"},
		{sim.ClassMU, "/data/run7"},
		{sim.ClassGF, "/data/run7"},
	} {
		if got, want := farmApp(t, farm, tt.class, 0).Param("outputFilepath"), tt.want; got != want {
			t.Fatalf("invalid %s file path.\ngot = %q\nwant= %q\n", tt.class, got, want)
		}
	}
	if err := ctl.SetFilePaths(ctx, "/data/run7", 2); err != nil {
		t.Fatalf("could not set cycle file paths: %+v", err)
	}
	if got, want := farmApp(t, farm, sim.ClassRU, 1).Param("outputFilepath"), "/data/run7/ru2"; got != want {
		t.Fatalf("invalid cycle file path.\ngot = %q\nwant= %q\n", got, want)
	}

	if err := ctl.SetFileEnable(ctx, true); err != nil {
		t.Fatalf("could not enable file writing: %+v", err)
	}
	if got, want := farmApp(t, farm, sim.ClassRU, 0).Param("writeDataFile"), "true"; got != want {
		t.Fatalf("invalid readout write flag.\ngot = %q\nwant= %q\n", got, want)
	}
	for _, class := range []string{sim.ClassLF, sim.ClassBU, sim.ClassMU, sim.ClassGF} {
		if got, want := farmApp(t, farm, class, 0).Param("writeDataFile"), "false"; got != want {
			t.Fatalf("invalid %s write flag.\ngot = %q\nwant= %q\n", class, got, want)
		}
	}
	if err := ctl.SetFileEnable(ctx, false); err != nil {
		t.Fatalf("could not disable file writing: %+v", err)
	}
	if got, want := farmApp(t, farm, sim.ClassRU, 0).Param("writeDataFile"), "false"; got != want {
		t.Fatalf("invalid readout write flag.\ngot = %q\nwant= %q\n", got, want)
	}

	conf, err := ctl.FilterConf(ctx, 0)
	if err != nil {
		t.Fatalf("could not read filter configuration path: %+v", err)
	}
	if got, want := conf, "/home/xdaq/project/conf/LocalFilter.conf"; got != want {
		t.Fatalf("invalid filter configuration path.\ngot = %q\nwant= %q\n", got, want)
	}
	if _, err := ctl.FilterConf(ctx, 5); err == nil {
		t.Fatalf("expected an error for an out-of-range filter instance")
	}
	if _, err := ctl.FilterConf(ctx, -1); err == nil {
		t.Fatalf("expected an error for a negative filter instance")
	}
}

func TestControlEmptyStages(t *testing.T) {
	t.Parallel()

	const xml = `<xc:Partition>
 <xc:Context url="http://gal01:50000">
  <xc:Application class="LocalFilter" id="11" instance="0"/>
 </xc:Context>
</xc:Partition>`
	topo, err := webdaq.ParseTopology(strings.NewReader(xml))
	if err != nil {
		t.Fatalf("could not parse topology: %+v", err)
	}
	ctl := webdaq.NewControl(topo, config.Control{}, quietMsg("ctl"))
	ctx := context.Background()

	for _, tt := range []struct {
		name string
		fn   func(context.Context) error
		want string
	}{
		{"configure-pt", ctl.ConfigurePT, "webdaq: topology has no transport actors"},
		{"enable-pt", ctl.EnablePT, "webdaq: topology has no transport actors"},
		{"configure", ctl.Configure, "webdaq: topology has no readout actors"},
		{"start", ctl.Start, "webdaq: topology has no readout actors"},
		{"halt", ctl.Halt, "webdaq: topology has no readout actors"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(ctx)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := err.Error(), tt.want; got != want {
				t.Fatalf("invalid error.\ngot = %q\nwant= %q\n", got, want)
			}
		})
	}

	if _, err := ctl.RunNumber(ctx); err == nil {
		t.Fatalf("expected an error for a topology without readout actors")
	}
	if _, err := ctl.CoincidenceWindow(ctx); err == nil {
		t.Fatalf("expected an error for a topology without merger actors")
	}
}
