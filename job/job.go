// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package job provides a high-level API to bring a simulated
// acquisition farm and its run manager up together, for demos and
// integration tests.
package job // import "github.com/go-daq/webdaq/job"

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"time"

	"github.com/go-daq/webdaq"
	"github.com/go-daq/webdaq/config"
	"github.com/go-daq/webdaq/dgtz"
	"github.com/go-daq/webdaq/log"
	"github.com/go-daq/webdaq/sim"
	"golang.org/x/xerrors"
)

// App models a complete simulated acquisition setup: a farm of
// simulated executives, simulated digitizer hardware, and the run
// manager driving them.
type App struct {
	Cfg    config.RunCtl  // run-manager configuration
	Sim    config.SimFarm // farm layout
	Boards []dgtz.Board   // boards registered once the manager is up

	Timeout time.Duration // timeout for bringing the transport up

	msg     log.MsgStream
	out     io.Writer
	farm    *sim.Farm
	drv     *sim.Driver
	mgr     *webdaq.Manager
	tmptopo bool
}

// New creates an application logging to stdout.  The configuration can
// be adjusted freely before Start.
func New(stdout io.Writer) *App {
	if stdout == nil {
		stdout = os.Stdout
	}
	return &App{
		Cfg: config.RunCtl{
			Name:  "webdaq",
			Level: log.LvlInfo,
		},
		Sim: config.SimFarm{
			Name:  "sim-farm",
			Level: log.LvlInfo,
			RU:    2,
			LF:    2,
			BU:    1,
			MU:    1,
			GF:    1,
		},
		Timeout: 10 * time.Second,
		msg:     log.NewMsgStream("job", log.LvlInfo, log.NopSync(stdout)),
		out:     stdout,
	}
}

// Manager returns the run manager, once Start succeeded.
func (app *App) Manager() *webdaq.Manager { return app.mgr }

// Farm returns the simulated executive farm, once Start succeeded.
func (app *App) Farm() *sim.Farm { return app.farm }

// Driver returns the simulated digitizer hardware, once Start
// succeeded.
func (app *App) Driver() *sim.Driver { return app.drv }

// Start brings the farm up, writes its partition file, creates the run
// manager on top of it, registers the configured boards, and enables
// the transport layer.
func (app *App) Start() error {
	if app.Cfg.Topology == "" {
		f, err := ioutil.TempFile("", "webdaq-topo-*.xml")
		if err != nil {
			return xerrors.Errorf("could not create topology file: %w", err)
		}
		f.Close()
		app.Cfg.Topology = f.Name()
		app.tmptopo = true
	}
	app.Sim.Topology = app.Cfg.Topology

	app.farm = sim.NewFarm(app.Sim, log.NewMsgStream(app.Sim.Name, app.Sim.Level, log.NopSync(app.out)))
	if err := app.farm.Start(); err != nil {
		return xerrors.Errorf("could not start farm: %w", err)
	}

	app.drv = sim.NewDriver()
	mgr, err := webdaq.New(app.Cfg, app.drv.Dial, log.NewMsgStream(app.Cfg.Name, app.Cfg.Level, log.NopSync(app.out)))
	if err != nil {
		return xerrors.Errorf("could not create run manager: %w", err)
	}
	app.mgr = mgr

	for _, b := range app.Boards {
		if err := mgr.AddBoard(b); err != nil {
			return xerrors.Errorf("could not register %v: %w", b, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), app.Timeout)
	defer cancel()
	if err := mgr.Control().ConfigurePT(ctx); err != nil {
		return xerrors.Errorf("could not configure transport: %w", err)
	}
	if err := mgr.Control().EnablePT(ctx); err != nil {
		return xerrors.Errorf("could not enable transport: %w", err)
	}
	return nil
}

// Wait blocks until ctx is cancelled, then tears the application down.
func (app *App) Wait(ctx context.Context) error {
	<-ctx.Done()
	return app.Stop(context.Background())
}

// Stop tears the manager and the farm down.
func (app *App) Stop(ctx context.Context) error {
	var first error
	if app.mgr != nil {
		if err := app.mgr.Close(); err != nil && first == nil {
			first = err
		}
		app.mgr = nil
	}
	if app.farm != nil {
		if err := app.farm.Stop(ctx); err != nil && first == nil {
			first = err
		}
		app.farm = nil
	}
	if app.tmptopo {
		os.Remove(app.Cfg.Topology)
		app.tmptopo = false
	}
	return first
}
