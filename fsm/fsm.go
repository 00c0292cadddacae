// Copyright 2019 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsm describes the state machines of XDAQ acquisition actors.
package fsm // import "github.com/go-daq/webdaq/fsm"

import (
	"fmt"
)

// StateKind describes the lifecycle state reported by an XDAQ actor.
//
// Peer-transport actors cycle through Halted, Ready and Enabled.
// Pipeline actors cycle through Halted, Configured and Running.
type StateKind uint8

const (
	Unknown StateKind = iota
	Halted
	Ready
	Configured
	Enabled
	Running
)

func (st StateKind) String() string {
	switch st {
	case Unknown:
		return "Unknown"
	case Halted:
		return "Halted"
	case Ready:
		return "Ready"
	case Configured:
		return "Configured"
	case Enabled:
		return "Enabled"
	case Running:
		return "Running"
	default:
		panic(fmt.Errorf("invalid state value %d", uint8(st)))
	}
}

// Parse maps the value of an actor's stateName parameter to a StateKind.
// Values that name no known state map to Unknown.
func Parse(name string) StateKind {
	switch name {
	case "Halted":
		return Halted
	case "Ready":
		return Ready
	case "Configured":
		return Configured
	case "Enabled":
		return Enabled
	case "Running":
		return Running
	}
	return Unknown
}

// DAQState describes the coarse status of the acquisition system as a whole,
// aggregated from the peer-transport and readout stages.
type DAQState uint8

const (
	DAQUnknown DAQState = iota
	DAQInitialized
	DAQConfigured
	DAQRunning
)

func (st DAQState) String() string {
	switch st {
	case DAQUnknown:
		return "Unknown"
	case DAQInitialized:
		return "Initialized"
	case DAQConfigured:
		return "Configured"
	case DAQRunning:
		return "Running"
	default:
		panic(fmt.Errorf("invalid DAQ state value %d", uint8(st)))
	}
}
