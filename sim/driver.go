// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim // import "github.com/go-daq/webdaq/sim"

import (
	"sync"

	"github.com/go-daq/webdaq/dgtz"
	"golang.org/x/xerrors"
)

// Driver simulates a population of digitizer boards.  Its Dial method
// satisfies dgtz.Dialer; the per-board state is created on first use
// and survives reconnections, so registers written through one
// connection are read back through the next.
type Driver struct {
	mu     sync.Mutex
	boards map[int]*Board
}

// NewDriver creates an empty hardware population.
func NewDriver() *Driver {
	return &Driver{boards: make(map[int]*Board)}
}

// Dial returns a connection to the simulated board described by desc.
func (drv *Driver) Dial(desc dgtz.Board) dgtz.Conn {
	return &conn{board: drv.Board(desc.ID)}
}

// Board returns the simulated hardware with the given board id,
// creating it with defaults on first use.
func (drv *Driver) Board(id int) *Board {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	b, ok := drv.boards[id]
	if !ok {
		b = newBoard(id)
		drv.boards[id] = b
	}
	return b
}

// Board is the state of one simulated digitizer: its identity, its
// register file, and the knobs scripting its failure behavior.
type Board struct {
	mu sync.Mutex

	id       int
	info     dgtz.Info
	regs     map[uint32]uint32
	failOpen int
	failRead bool
	dead     bool
}

func newBoard(id int) *Board {
	return &Board{
		id: id,
		info: dgtz.Info{
			Model:        "V1730",
			ModelCode:    11,
			Channels:     16,
			FormFactor:   0,
			FamilyCode:   30,
			ROCFirmware:  "4.15 (build 128)",
			AMCFirmware:  "139.12 (build 215)",
			SerialNumber: uint32(1000 + id),
		},
		regs: map[uint32]uint32{
			dgtz.RegFailureStatus: 0,
		},
	}
}

// SetInfo overrides the identity the board reports.
func (b *Board) SetInfo(info dgtz.Info) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info = info
}

// SetRegister assigns a register value.
func (b *Board) SetRegister(addr, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[addr] = v
}

// Register reads a register value back, without failure simulation.
func (b *Board) Register(addr uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value(addr)
}

// value resolves a register read.  Unwritten registers read back a
// value derived from their address.  Callers hold b.mu.
func (b *Board) value(addr uint32) uint32 {
	if v, ok := b.regs[addr]; ok {
		return v
	}
	return addr & 0xFFFF
}

// FailOpens makes the next n connection attempts fail.
func (b *Board) FailOpens(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpen = n
}

// FailReads switches register-read failures on or off.
func (b *Board) FailReads(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failRead = on
}

// SetDead unplugs or replugs the board: connections to a dead board
// stay up but report themselves unconnected and refuse access.
func (b *Board) SetDead(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = on
}

// conn is one dialed connection to a simulated board.
type conn struct {
	board *Board

	mu   sync.Mutex
	open bool
}

func (c *conn) Open() error {
	c.board.mu.Lock()
	if c.board.failOpen > 0 {
		c.board.failOpen--
		c.board.mu.Unlock()
		return xerrors.Errorf("sim: board %d does not answer", c.board.id)
	}
	c.board.mu.Unlock()

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	return nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *conn) Connected() bool {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return false
	}
	c.board.mu.Lock()
	defer c.board.mu.Unlock()
	return !c.board.dead
}

func (c *conn) Info() (dgtz.Info, error) {
	if !c.Connected() {
		return dgtz.Info{}, xerrors.Errorf("sim: board %d not connected", c.board.id)
	}
	c.board.mu.Lock()
	defer c.board.mu.Unlock()
	return c.board.info, nil
}

func (c *conn) ReadRegister(addr uint32) (uint32, error) {
	if !c.Connected() {
		return 0, xerrors.Errorf("sim: board %d not connected", c.board.id)
	}
	c.board.mu.Lock()
	defer c.board.mu.Unlock()
	if c.board.failRead {
		return 0, xerrors.Errorf("sim: board %d read error at 0x%04X", c.board.id, addr)
	}
	return c.board.value(addr), nil
}

func (c *conn) WriteRegister(addr, v uint32) error {
	if !c.Connected() {
		return xerrors.Errorf("sim: board %d not connected", c.board.id)
	}
	c.board.mu.Lock()
	defer c.board.mu.Unlock()
	if c.board.failRead {
		return xerrors.Errorf("sim: board %d write error at 0x%04X", c.board.id, addr)
	}
	c.board.regs[addr] = v
	return nil
}
