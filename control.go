// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"context"
	"strconv"
	"time"

	"github.com/go-daq/webdaq/config"
	"github.com/go-daq/webdaq/fsm"
	"github.com/go-daq/webdaq/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// ErrNotConverged is returned by topology transitions when not every
// commanded actor reached the target state before the deadline.
var ErrNotConverged = xerrors.New("webdaq: actors did not converge")

// Control drives whole-topology state transitions and fans run
// parameters out to the pipeline stages.
//
// A transition commands every actor of a stage in parallel, then polls
// the stage until all of its actors report the target state.  The
// context deadline bounds the wait: on expiry the transition returns an
// error wrapping ErrNotConverged instead of blocking forever.
type Control struct {
	topo    *Topology
	msg     log.MsgStream
	poll    time.Duration
	timeout time.Duration
	incr    bool
}

// NewControl creates a controller for the given topology.
func NewControl(topo *Topology, cfg config.Control, msg log.MsgStream) *Control {
	poll := cfg.Poll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Control{
		topo:    topo,
		msg:     msg,
		poll:    poll,
		timeout: cfg.Timeout,
		incr:    cfg.IncrementOnHalt,
	}
}

// Topology returns the topology under control.
func (ctl *Control) Topology() *Topology { return ctl.topo }

// deadline bounds ctx with the configured transition timeout when the
// caller did not bring a deadline of its own.
func (ctl *Control) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && ctl.timeout > 0 {
		return context.WithTimeout(ctx, ctl.timeout)
	}
	return ctx, func() {}
}

// transition sends verb to every actor in parallel and polls until all
// of them report the target state.  It returns the number of actors
// commanded and the number observed in the target state.
func (ctl *Control) transition(ctx context.Context, verb string, acts []*Actor, target fsm.StateKind) (int, int, error) {
	var grp errgroup.Group
	for i := range acts {
		act := acts[i]
		grp.Go(func() error {
			ctl.msg.Debugf("sending %s to %v...", verb, act)
			err := act.action(ctx, verb)
			if err != nil {
				ctl.msg.Errorf("%+v", err)
				return err
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return len(acts), 0, err
	}

	n, err := ctl.await(ctx, acts, target)
	return len(acts), n, err
}

// await polls the actors at the configured period until every one of
// them reports the target state or ctx expires.  It returns the number
// of actors in the target state during the last completed sweep.
func (ctl *Control) await(ctx context.Context, acts []*Actor, target fsm.StateKind) (int, error) {
	tick := time.NewTicker(ctl.poll)
	defer tick.Stop()

	last := 0
	for {
		select {
		case <-ctx.Done():
			return last, xerrors.Errorf("%d/%d actors reached %v: %w", last, len(acts), target, ErrNotConverged)
		case <-tick.C:
			n := 0
			for _, act := range acts {
				state, err := act.State(ctx)
				if err != nil {
					ctl.msg.Debugf("could not poll %v: %+v", act, err)
					continue
				}
				if state == target {
					n++
				}
			}
			last = n
			if n == len(acts) {
				return n, nil
			}
		}
	}
}

// ConfigurePT configures the peer-transport actors.  It is a no-op when
// the first transport actor already reports Ready.
func (ctl *Control) ConfigurePT(ctx context.Context) error {
	ctx, cancel := ctl.deadline(ctx)
	defer cancel()

	acts := ctl.topo.Transport()
	if len(acts) == 0 {
		return xerrors.Errorf("webdaq: topology has no transport actors")
	}
	state, err := acts[0].State(ctx)
	if err != nil {
		return xerrors.Errorf("could not configure transport: %w", err)
	}
	if state == fsm.Ready {
		return nil
	}

	ctl.msg.Infof("configuring transport actors...")
	_, n, err := ctl.transition(ctx, "Configure", acts, fsm.Ready)
	if err != nil {
		return xerrors.Errorf("could not configure transport: %w", err)
	}
	ctl.msg.Infof("transport configured (%d actors)", n)
	return nil
}

// EnablePT enables the peer-transport actors.  It is a no-op when the
// first transport actor already reports Enabled.
func (ctl *Control) EnablePT(ctx context.Context) error {
	ctx, cancel := ctl.deadline(ctx)
	defer cancel()

	acts := ctl.topo.Transport()
	if len(acts) == 0 {
		return xerrors.Errorf("webdaq: topology has no transport actors")
	}
	state, err := acts[0].State(ctx)
	if err != nil {
		return xerrors.Errorf("could not enable transport: %w", err)
	}
	if state == fsm.Enabled {
		return nil
	}

	ctl.msg.Infof("enabling transport actors...")
	_, n, err := ctl.transition(ctx, "Enable", acts, fsm.Enabled)
	if err != nil {
		return xerrors.Errorf("could not enable transport: %w", err)
	}
	ctl.msg.Infof("transport enabled (%d actors)", n)
	return nil
}

// Configure drives every pipeline stage to Configured, in forward
// order.  It is a no-op when the first readout unit already reports
// Configured.
func (ctl *Control) Configure(ctx context.Context) error {
	ctx, cancel := ctl.deadline(ctx)
	defer cancel()

	ru := ctl.topo.Stage(ReadoutUnit)
	if len(ru) == 0 {
		return xerrors.Errorf("webdaq: topology has no readout actors")
	}
	state, err := ru[0].State(ctx)
	if err != nil {
		return xerrors.Errorf("could not configure topology: %w", err)
	}
	if state == fsm.Configured {
		ctl.msg.Infof("topology already configured")
		return nil
	}

	ctl.msg.Infof("configuring topology...")
	var commanded, converged int
	for _, stage := range ctl.topo.Stages() {
		ctl.msg.Infof("configuring %v actors...", stage.Kind)
		nc, nv, err := ctl.transition(ctx, "Configure", stage.Actors, fsm.Configured)
		commanded += nc
		converged += nv
		if err != nil {
			return xerrors.Errorf("could not configure %v stage: %w", stage.Kind, err)
		}
	}
	if converged != commanded {
		return xerrors.Errorf("could not configure topology: %d/%d actors configured: %w", converged, commanded, ErrNotConverged)
	}
	ctl.msg.Infof("topology configured (%d actors)", converged)
	return nil
}

// Start drives every pipeline stage to Running, in reverse order so
// downstream consumers are enabled before upstream producers.  It is a
// no-op when the first readout unit already reports Running.
func (ctl *Control) Start(ctx context.Context) error {
	ctx, cancel := ctl.deadline(ctx)
	defer cancel()

	ru := ctl.topo.Stage(ReadoutUnit)
	if len(ru) == 0 {
		return xerrors.Errorf("webdaq: topology has no readout actors")
	}
	state, err := ru[0].State(ctx)
	if err != nil {
		return xerrors.Errorf("could not start topology: %w", err)
	}
	if state == fsm.Running {
		ctl.msg.Infof("topology already running")
		return nil
	}

	ctl.msg.Infof("starting topology...")
	var commanded, converged int
	stages := ctl.topo.Stages()
	for i := len(stages) - 1; i >= 0; i-- {
		stage := stages[i]
		ctl.msg.Infof("enabling %v actors...", stage.Kind)
		nc, nv, err := ctl.transition(ctx, "Enable", stage.Actors, fsm.Running)
		commanded += nc
		converged += nv
		if err != nil {
			return xerrors.Errorf("could not start %v stage: %w", stage.Kind, err)
		}
	}
	if converged != commanded {
		return xerrors.Errorf("could not start topology: %d/%d actors running: %w", converged, commanded, ErrNotConverged)
	}
	ctl.msg.Infof("topology running (%d actors)", converged)
	return nil
}

// Halt drives every pipeline stage back to Halted, in forward order.
// It is a no-op when the first readout unit already reports Halted.
//
// When the controller was configured with IncrementOnHalt, a successful
// halt additionally advances the run number stored on the actors.  That
// mirrors the historical behaviour of the control scripts; the run
// manager is the run-number authority otherwise.
func (ctl *Control) Halt(ctx context.Context) error {
	ctx, cancel := ctl.deadline(ctx)
	defer cancel()

	ru := ctl.topo.Stage(ReadoutUnit)
	if len(ru) == 0 {
		return xerrors.Errorf("webdaq: topology has no readout actors")
	}
	state, err := ru[0].State(ctx)
	if err != nil {
		return xerrors.Errorf("could not halt topology: %w", err)
	}
	if state == fsm.Halted {
		ctl.msg.Infof("topology already halted")
		return nil
	}

	ctl.msg.Infof("halting topology...")
	var commanded, converged int
	for _, stage := range ctl.topo.Stages() {
		ctl.msg.Infof("halting %v actors...", stage.Kind)
		nc, nv, err := ctl.transition(ctx, "Halt", stage.Actors, fsm.Halted)
		commanded += nc
		converged += nv
		if err != nil {
			return xerrors.Errorf("could not halt %v stage: %w", stage.Kind, err)
		}
	}
	if converged != commanded {
		return xerrors.Errorf("could not halt topology: %d/%d actors halted: %w", converged, commanded, ErrNotConverged)
	}
	ctl.msg.Infof("topology halted (%d actors)", converged)

	if ctl.incr {
		run, err := ctl.RunNumber(ctx)
		if err != nil {
			return xerrors.Errorf("could not advance run number: %w", err)
		}
		err = ctl.SetRunNumber(ctx, run+1)
		if err != nil {
			return xerrors.Errorf("could not advance run number: %w", err)
		}
		ctl.msg.Infof("run number advanced to %d", run+1)
	}
	return nil
}

// RunNumber reads the current run number from the first readout unit.
func (ctl *Control) RunNumber(ctx context.Context) (uint32, error) {
	ru := ctl.topo.Stage(ReadoutUnit)
	if len(ru) == 0 {
		return 0, xerrors.Errorf("webdaq: topology has no readout actors")
	}
	return ru[0].RunNumber(ctx)
}

// SetRunNumber assigns the run number on every pipeline actor.
func (ctl *Control) SetRunNumber(ctx context.Context, run uint32) error {
	for _, act := range ctl.topo.Actors() {
		if err := act.SetRunNumber(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

// CoincidenceWindow reads the coincidence window from the first merger.
func (ctl *Control) CoincidenceWindow(ctx context.Context) (uint32, error) {
	mu := ctl.topo.Stage(MergerUnit)
	if len(mu) == 0 {
		return 0, xerrors.Errorf("webdaq: topology has no merger actors")
	}
	return mu[0].CoincidenceWindow(ctx)
}

// SetCoincidenceWindow assigns the event-building coincidence window on
// the builder and merger stages.
func (ctl *Control) SetCoincidenceWindow(ctx context.Context, window uint32) error {
	for _, kind := range []StageKind{BuilderUnit, MergerUnit} {
		for _, act := range ctl.topo.Stage(kind) {
			if err := act.SetCoincidenceWindow(ctx, window); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetMultiplicity assigns the event-building multiplicity threshold on
// the builder and merger stages.
func (ctl *Control) SetMultiplicity(ctx context.Context, mult uint32) error {
	for _, kind := range []StageKind{BuilderUnit, MergerUnit} {
		for _, act := range ctl.topo.Stage(kind) {
			if err := act.SetMultiplicity(ctx, mult); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetCycleCounter assigns the acquisition cycle counter on the readout,
// filter and builder stages.
func (ctl *Control) SetCycleCounter(ctx context.Context, n uint32) error {
	for _, kind := range []StageKind{ReadoutUnit, LocalFilter, BuilderUnit} {
		for _, act := range ctl.topo.Stage(kind) {
			if err := act.SetCycleCounter(ctx, n); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetFileSizeLimit assigns the output file size limit on every stage.
// A zero limit disables file splitting.
func (ctl *Control) SetFileSizeLimit(ctx context.Context, mb uint64) error {
	for _, act := range ctl.topo.Actors() {
		if err := act.SetFileSizeLimit(ctx, mb); err != nil {
			return err
		}
	}
	return nil
}

// SetFilePaths assigns the per-stage output directories below dir.
// Readout units write under dir/ru, filters under dir/lf, builders
// under dir/bu; mergers and global filters write to dir itself.  A
// non-zero idx suffixes the staged subdirectories, for runs split into
// several acquisition cycles.
func (ctl *Control) SetFilePaths(ctx context.Context, dir string, idx int) error {
	suffix := ""
	if idx != 0 {
		suffix = strconv.Itoa(idx)
	}
	sub := map[StageKind]string{
		ReadoutUnit:  dir + "/ru" + suffix,
		LocalFilter:  dir + "/lf" + suffix,
		BuilderUnit:  dir + "/bu" + suffix,
		MergerUnit:   dir,
		GlobalFilter: dir,
	}
	for _, stage := range ctl.topo.Stages() {
		for _, act := range stage.Actors {
			if err := act.SetFilePath(ctx, sub[stage.Kind]); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetFileEnable switches raw-data file writing on the readout units.
// File writing on every downstream stage is explicitly switched off:
// only the readout units record raw data.
func (ctl *Control) SetFileEnable(ctx context.Context, save bool) error {
	for _, stage := range ctl.topo.Stages() {
		on := save && stage.Kind == ReadoutUnit
		for _, act := range stage.Actors {
			if err := act.SetFileEnable(ctx, on); err != nil {
				return err
			}
		}
	}
	return nil
}

// FilterConf reads the configuration file path of the local filter with
// the given instance number.
func (ctl *Control) FilterConf(ctx context.Context, instance int) (string, error) {
	lf := ctl.topo.Stage(LocalFilter)
	if instance < 0 || instance >= len(lf) {
		return "", xerrors.Errorf("webdaq: no local filter with instance %d", instance)
	}
	return lf[instance].ConfigFile(ctx)
}
