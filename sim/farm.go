// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim // import "github.com/go-daq/webdaq/sim"

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-daq/webdaq/config"
	"github.com/go-daq/webdaq/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// XDAQ class names of the simulated applications.
const (
	ClassPT = "pt::atcp::PeerTransportATCP"
	ClassRU = "ReadoutUnit"
	ClassLF = "LocalFilter"
	ClassBU = "rubuilder::bu::BU"
	ClassMU = "rubuilder::merger::Merger"
	ClassGF = "GlobalFilter"
)

// XML namespaces of the partition description.
const (
	xmlnsXC  = "http://xdaq.web.cern.ch/xdaq/xsd/2004/XMLConfiguration-30"
	xmlnsI2O = "http://xdaq.web.cern.ch/xdaq/xsd/2004/I2OConfiguration-30"
)

// executive pairs one simulated server with the applications it hosts.
type executive struct {
	srv  *Server
	apps []*App
}

// Farm is a complete simulated acquisition farm.  Readout units and
// local filters are laid out pairwise on crate executives, builders,
// mergers and global filters together on one more; every executive
// also hosts a peer-transport application, the way the production
// deployments do.
type Farm struct {
	cfg   config.SimFarm
	msg   log.MsgStream
	execs []executive
}

// NewFarm lays out a farm from cfg.  Nothing listens until Start.
func NewFarm(cfg config.SimFarm, msg log.MsgStream) *Farm {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	farm := &Farm{cfg: cfg, msg: msg}

	crates := cfg.RU
	if cfg.LF > crates {
		crates = cfg.LF
	}

	id := 10
	newApp := func(class string, inst int) *App {
		app := NewApp(class, inst, id)
		id++
		return app
	}

	for i := 0; i < crates; i++ {
		apps := []*App{newApp(ClassPT, i)}
		if i < cfg.RU {
			apps = append(apps, newApp(ClassRU, i))
		}
		if i < cfg.LF {
			lf := newApp(ClassLF, i)
			lf.SetParam("configFilepath", "/home/xdaq/project/conf/LocalFilter.conf")
			apps = append(apps, lf)
		}
		farm.host(apps)
	}

	if n := cfg.BU + cfg.MU + cfg.GF; n > 0 {
		apps := []*App{newApp(ClassPT, crates)}
		for i := 0; i < cfg.BU; i++ {
			apps = append(apps, newApp(ClassBU, i))
		}
		for i := 0; i < cfg.MU; i++ {
			apps = append(apps, newApp(ClassMU, i))
		}
		for i := 0; i < cfg.GF; i++ {
			apps = append(apps, newApp(ClassGF, i))
		}
		farm.host(apps)
	}
	return farm
}

func (farm *Farm) host(apps []*App) {
	srv := NewServer(farm.msg)
	for _, app := range apps {
		srv.Host(app)
	}
	farm.execs = append(farm.execs, executive{srv: srv, apps: apps})
}

// Apps returns every hosted application.
func (farm *Farm) Apps() []*App {
	var apps []*App
	for _, ex := range farm.execs {
		apps = append(apps, ex.apps...)
	}
	return apps
}

// App returns the hosted application of the given class and instance.
func (farm *Farm) App(class string, instance int) (*App, bool) {
	for _, ex := range farm.execs {
		for _, app := range ex.apps {
			if app.Class == class && app.Instance == instance {
				return app, true
			}
		}
	}
	return nil, false
}

// Start brings every executive up on an ephemeral port and, when a
// topology path is configured, writes the partition file describing
// the running farm.
func (farm *Farm) Start() error {
	for _, ex := range farm.execs {
		if err := ex.srv.Start(farm.cfg.Host + ":0"); err != nil {
			return err
		}
	}
	farm.msg.Infof("sim: %d executives up, %d applications", len(farm.execs), len(farm.Apps()))

	if farm.cfg.Topology == "" {
		return nil
	}
	f, err := os.Create(farm.cfg.Topology)
	if err != nil {
		return xerrors.Errorf("sim: could not create %s: %w", farm.cfg.Topology, err)
	}
	if err := farm.WriteTopology(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("sim: could not write %s: %w", farm.cfg.Topology, err)
	}
	farm.msg.Infof("sim: partition written to %s", farm.cfg.Topology)
	return nil
}

// Stop shuts every executive down in parallel.
func (farm *Farm) Stop(ctx context.Context) error {
	var grp errgroup.Group
	for _, ex := range farm.execs {
		srv := ex.srv
		grp.Go(func() error {
			return srv.Stop(ctx)
		})
	}
	return grp.Wait()
}

// WriteTopology writes the partition description of the farm.  The
// executives must be listening so their URLs are known.
func (farm *Farm) WriteTopology(w io.Writer) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "<?xml version='1.0'?>\n")
	fmt.Fprintf(bw, "<xc:Partition xmlns:xc=%q>\n", xmlnsXC)

	fmt.Fprintf(bw, "  <i2o:protocol xmlns:i2o=%q>\n", xmlnsI2O)
	tid := 21
	for _, ex := range farm.execs {
		for _, app := range ex.apps {
			if strings.Contains(app.Class, "pt::atcp") {
				continue
			}
			fmt.Fprintf(bw, "    <i2o:target class=%q instance=\"%d\" tid=\"%d\"/>\n", app.Class, app.Instance, tid)
			tid++
		}
	}
	fmt.Fprintf(bw, "  </i2o:protocol>\n")

	for _, ex := range farm.execs {
		fmt.Fprintf(bw, "  <xc:Context url=%q>\n", ex.srv.URL())
		for _, app := range ex.apps {
			fmt.Fprintf(bw, "    <xc:Application class=%q id=\"%d\" instance=\"%d\" network=\"atcp\"/>\n", app.Class, app.ID, app.Instance)
		}
		fmt.Fprintf(bw, "  </xc:Context>\n")
	}

	fmt.Fprintf(bw, "</xc:Partition>\n")
	return bw.Flush()
}
