// Copyright 2019 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config describes the configuration of webdaq processes.
package config // import "github.com/go-daq/webdaq/config"

import (
	"time"

	"github.com/go-daq/webdaq/log"
)

// RunCtl describes how a webdaq run-control process should be configured.
type RunCtl struct {
	Name  string    // name of the run-control process
	Level log.Level // verbosity level of the run-control process

	Topology   string // path to the XDAQ topology description
	ConfDir    string // directory holding board and actor configuration files
	CalibDir   string // directory holding board calibration files
	DataDir    string // directory holding run output on the control host
	RemoteConf string // conf directory as seen by the actor processes
	RemoteData string // data directory as seen by the actor processes
	Settings   string // path to the persisted run-settings document
	RunLog     string // path to the run bookkeeping journal
	Graphite   string // optional host:port of a Graphite line-protocol sink

	LogFile     string        // path to logfile for the run-control process
	Interactive bool          // enable interactive shell commands
	Timeout     time.Duration // deadline for one whole run-control operation

	Control Control // stage-transition configuration
	Pool    Pool    // hardware connection-pool configuration
	Monitor Monitor // board health-monitor configuration
	Restart Restart // auto-restart configuration

	Args []string // additional flag arguments
}

// Control describes how stage-wide state transitions should be driven.
type Control struct {
	Poll    time.Duration // interval between convergence polls
	Timeout time.Duration // deadline for one topology transition

	// IncrementOnHalt selects the legacy behavior where a topology-wide
	// halt also advances the run number on every actor.  When false the
	// run manager is the only run-number authority.
	IncrementOnHalt bool
}

// Pool describes how hardware connections should be established and used.
type Pool struct {
	Attempts int           // connection attempts before giving up
	Backoff  time.Duration // pause between connection attempts
	Timeout  time.Duration // deadline for one register access
}

// Monitor describes how board liveness should be polled.
type Monitor struct {
	Period   time.Duration // interval between liveness sweeps
	Register uint32        // address of the liveness register
	Grace    time.Duration // how long to wait for the monitor to stop
}

// Restart describes how the system reacts to a board failure.
type Restart struct {
	Enabled bool          // restart the run automatically on board failure
	Delay   time.Duration // pause between run teardown and restart
}

// SimFarm describes how a simulated actor farm should be configured.
type SimFarm struct {
	Name  string    // name of the farm process
	Level log.Level // verbosity level of the farm process

	Topology string // path the generated topology description is written to
	Host     string // host the simulated executives listen on

	RU int // number of readout-unit actors
	LF int // number of local-filter actors
	BU int // number of builder-unit actors
	MU int // number of merger-unit actors
	GF int // number of global-filter actors

	Args []string // additional flag arguments
}
