// Copyright 2019 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flags provides an easy creation of standard webdaq flag parameters for webdaq processes
package flags // import "github.com/go-daq/webdaq/flags"

import (
	"flag"
	"strconv"
	"strings"
	"time"

	"github.com/go-daq/webdaq/config"
	"github.com/go-daq/webdaq/log"
)

// NewRunCtl builds the configuration of a run-control process from the
// command line.
func NewRunCtl() config.RunCtl {
	var (
		cmd config.RunCtl
		lvl string
	)

	flag.StringVar(&cmd.Name, "id", "run-ctl", "name of the run-control process")
	flag.StringVar(&lvl, "lvl", "INFO", "msgstream level")
	flag.StringVar(&cmd.Topology, "topo", "conf/topology.xml", "path to the XDAQ topology description")
	flag.StringVar(&cmd.ConfDir, "conf", "conf", "directory of board and actor configuration files")
	flag.StringVar(&cmd.CalibDir, "calib", "calib", "directory of board calibration files")
	flag.StringVar(&cmd.DataDir, "data", "data", "directory of run output on the control host")
	flag.StringVar(&cmd.RemoteConf, "remote-conf", "/home/xdaq/project/conf", "conf directory as seen by the actors")
	flag.StringVar(&cmd.RemoteData, "remote-data", "/home/xdaq/project/data", "data directory as seen by the actors")
	flag.StringVar(&cmd.Settings, "settings", "conf/settings.json", "path to the persisted run-settings document")
	flag.StringVar(&cmd.RunLog, "runlog", "data/runlog.json", "path to the run bookkeeping journal")
	flag.StringVar(&cmd.Graphite, "graphite", "", "optional host:port of a Graphite sink for bandwidth metrics")
	flag.StringVar(&cmd.LogFile, "log", "", "path to the run-control logfile")
	flag.BoolVar(&cmd.Interactive, "i", true, "enable interactive shell commands")
	flag.DurationVar(&cmd.Timeout, "timeout", 5*time.Minute, "deadline for one run-control operation")
	flag.BoolVar(&cmd.Restart.Enabled, "auto-restart", false, "restart the run automatically on board failure")
	flag.DurationVar(&cmd.Restart.Delay, "restart-delay", 10*time.Second, "pause between run teardown and restart")

	flag.Parse()

	cmd.Args = flag.Args()
	cmd.Level = parseLevel(lvl)

	return cmd
}

// NewSimFarm builds the configuration of a simulated actor farm from the
// command line.
func NewSimFarm() config.SimFarm {
	var (
		cmd config.SimFarm
		lvl string
	)

	flag.StringVar(&cmd.Name, "id", "sim-farm", "name of the farm process")
	flag.StringVar(&lvl, "lvl", "INFO", "msgstream level")
	flag.StringVar(&cmd.Topology, "topo", "conf/topology.xml", "path the generated topology description is written to")
	flag.StringVar(&cmd.Host, "host", "127.0.0.1", "host the simulated executives listen on")
	flag.IntVar(&cmd.RU, "ru", 2, "number of readout-unit actors")
	flag.IntVar(&cmd.LF, "lf", 2, "number of local-filter actors")
	flag.IntVar(&cmd.BU, "bu", 1, "number of builder-unit actors")
	flag.IntVar(&cmd.MU, "mu", 1, "number of merger-unit actors")
	flag.IntVar(&cmd.GF, "gf", 1, "number of global-filter actors")

	flag.Parse()

	cmd.Args = flag.Args()
	cmd.Level = parseLevel(lvl)

	return cmd
}

func parseLevel(lvl string) log.Level {
	lvl = strings.ToLower(lvl)
	switch {
	case strings.HasPrefix(lvl, "dbg"), strings.HasPrefix(lvl, "debug"):
		return log.LvlDebug
	case strings.HasPrefix(lvl, "info"):
		return log.LvlInfo
	case strings.HasPrefix(lvl, "warn"):
		return log.LvlWarning
	case strings.HasPrefix(lvl, "err"):
		return log.LvlError
	default:
		v, err := strconv.Atoi(lvl)
		if err != nil {
			log.Fatalf("unknown level value %q: %+v", lvl, err)
		}
		return log.Level(v)
	}
}
