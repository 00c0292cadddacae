// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dgtz handles CAEN digitizer boards: opening links, register
// access serialized through a connection pool, and dumping firmware
// register configurations.
//
// The package does not ship a hardware driver: connections are made
// through the Dialer seam, so the same pool drives real links and the
// simulated boards of package sim alike.
package dgtz // import "github.com/go-daq/webdaq/dgtz"

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// LinkType is the physical connection of a board.
type LinkType string

const (
	USB     LinkType = "USB"
	Optical LinkType = "Optical"
	A4818   LinkType = "A4818"
)

// Code returns the numeric connection code used when opening a link.
// Unknown link types map to USB.
func (lt LinkType) Code() int {
	switch lt {
	case Optical:
		return 1
	case A4818:
		return 2
	}
	return 0
}

// ReadoutCode returns the connection code in the dialect of the readout
// software configuration files, which numbers A4818 adapters
// differently from the open call.
func (lt LinkType) ReadoutCode() int {
	switch lt {
	case Optical:
		return 1
	case A4818:
		return 5
	}
	return 0
}

// DPP is the digital pulse-processing firmware family of a board.
type DPP string

const (
	PHA DPP = "DPP-PHA"
	PSD DPP = "DPP-PSD"
)

// ConfName returns the firmware name in the dialect of the filter
// configuration files.
func (d DPP) ConfName() string {
	return strings.Replace(string(d), "-", "_", 1)
}

// Board describes one digitizer board of the experiment settings.
type Board struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	LinkType LinkType `json:"link_type"`
	LinkNum  int      `json:"link_num"`
	VME      string   `json:"vme"`
	DPP      DPP      `json:"dpp"`
	Channels int      `json:"chan"`
}

// VMEAddress parses the VME base address of the board.  The address is
// stored as a hexadecimal string, with or without the 0x prefix; an
// empty address parses to zero, for desktop boards.
func (b Board) VMEAddress() (uint32, error) {
	if b.VME == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(b.VME, "0x"), 16, 32)
	if err != nil {
		return 0, xerrors.Errorf("could not parse VME address %q of board %d: %w", b.VME, b.ID, err)
	}
	return uint32(v), nil
}

// FileStem returns the base name of the per-board files, without
// extension.
func (b Board) FileStem() string {
	return fmt.Sprintf("%s_%d", b.Name, b.ID)
}

func (b Board) String() string {
	return fmt.Sprintf("board %d (%s, %s link %d)", b.ID, b.Name, b.LinkType, b.LinkNum)
}

// Info is the identity a board reports once its link is open.
type Info struct {
	Model        string
	ModelCode    uint32
	Channels     int
	FormFactor   uint32
	FamilyCode   uint32
	ROCFirmware  string
	AMCFirmware  string
	SerialNumber uint32
}

// Conn is one open link to a digitizer board.
//
// Implementations need not be safe for concurrent use: the Pool
// serializes access with a per-board mutex.
type Conn interface {
	// Open establishes the link.
	Open() error
	// Close tears the link down.
	Close() error
	// Connected reports whether the link is established.
	Connected() bool
	// Info returns the identity of the board behind the link.
	Info() (Info, error)
	// ReadRegister reads the 32-bit register at addr.
	ReadRegister(addr uint32) (uint32, error)
	// WriteRegister writes the 32-bit register at addr.
	WriteRegister(addr, v uint32) error
}

// Dialer creates the connection for a board description.  Dialing does
// not touch the hardware; Open does.
type Dialer func(Board) Conn
