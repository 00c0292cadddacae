// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-daq/webdaq/config"
	"github.com/go-daq/webdaq/dgtz"
	"github.com/go-daq/webdaq/log"
)

// BoardHealth is the sticky liveness record of one board.  Once a board
// has reported a failure it stays failed until the next run starts.
type BoardHealth struct {
	Failed    bool   // board reported a hardware failure
	LastValue uint32 // last value read from the liveness register
}

// Monitor watches board liveness while a run is in progress.  Each
// sweep it reads the failure-status register of every registered board
// through the connection pool: a non-zero value marks the board failed
// and is handed to the onFail callback, an unavailable board gets one
// reconnection attempt.  Boards already carrying failure evidence are
// not polled again.
type Monitor struct {
	pool   *dgtz.Pool
	boards func() []dgtz.Board
	onFail func(id int, reason string)
	msg    log.MsgStream

	period   time.Duration
	register uint32
	grace    time.Duration

	mu     sync.RWMutex
	health map[int]BoardHealth
	quit   chan struct{}
	done   chan struct{}
}

// NewMonitor creates a monitor polling the boards returned by boards
// through the given pool.  onFail may be nil.
func NewMonitor(pool *dgtz.Pool, boards func() []dgtz.Board, cfg config.Monitor, onFail func(id int, reason string), msg log.MsgStream) *Monitor {
	if cfg.Period <= 0 {
		cfg.Period = 1 * time.Second
	}
	if cfg.Register == 0 {
		cfg.Register = dgtz.RegFailureStatus
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	return &Monitor{
		pool:     pool,
		boards:   boards,
		onFail:   onFail,
		msg:      msg,
		period:   cfg.Period,
		register: cfg.Register,
		grace:    cfg.Grace,
		health:   make(map[int]BoardHealth),
	}
}

// Start resets the health records to the given boards and begins
// sweeping.  Starting an already running monitor is a no-op.
func (mon *Monitor) Start(boards []dgtz.Board) {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	if mon.quit != nil {
		mon.msg.Warnf("board monitor already running")
		return
	}
	mon.health = make(map[int]BoardHealth, len(boards))
	for _, b := range boards {
		mon.health[b.ID] = BoardHealth{}
	}
	mon.quit = make(chan struct{})
	mon.done = make(chan struct{})
	go mon.run(mon.quit, mon.done)
}

// Stop halts the sweep loop and waits for it to exit.  Stopping an
// idle monitor is a no-op.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	quit, done := mon.quit, mon.done
	mon.quit, mon.done = nil, nil
	mon.mu.Unlock()

	if quit == nil {
		return
	}
	close(quit)
	select {
	case <-done:
	case <-time.After(mon.grace):
		mon.msg.Warnf("board monitor did not stop within %v", mon.grace)
	}
}

// Running reports whether the monitor is sweeping.
func (mon *Monitor) Running() bool {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	return mon.quit != nil
}

// BoardStatus returns a snapshot of the health of every monitored
// board, keyed by board id.
func (mon *Monitor) BoardStatus() map[int]BoardHealth {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	out := make(map[int]BoardHealth, len(mon.health))
	for id, st := range mon.health {
		out[id] = st
	}
	return out
}

func (mon *Monitor) run(quit, done chan struct{}) {
	defer close(done)

	tick := time.NewTicker(mon.period)
	defer tick.Stop()

	for {
		select {
		case <-quit:
			return
		case <-tick.C:
			mon.sweep()
		}
	}
}

// sweep polls every board that has not yet shown failure evidence.
func (mon *Monitor) sweep() {
	for _, b := range mon.boards() {
		mon.mu.Lock()
		st, ok := mon.health[b.ID]
		if !ok {
			mon.health[b.ID] = BoardHealth{}
		}
		mon.mu.Unlock()

		if st.Failed || st.LastValue != 0 {
			continue
		}

		v, err := mon.pool.ReadRegister(b.ID, mon.register)
		if err != nil {
			mon.msg.Warnf("could not read liveness of board %d: %+v", b.ID, err)
			if err := mon.pool.Refresh(b); err != nil {
				mon.msg.Warnf("could not refresh board %d: %+v", b.ID, err)
			}
			continue
		}

		mon.mu.Lock()
		st = mon.health[b.ID]
		st.LastValue = v
		st.Failed = v != 0
		mon.health[b.ID] = st
		mon.mu.Unlock()

		if v != 0 {
			reason := fmt.Sprintf("status register 0x%04X reads 0x%X", mon.register, v)
			mon.msg.Warnf("board %d reported a failure: %s", b.ID, reason)
			if mon.onFail != nil {
				mon.onFail(b.ID, reason)
			}
		}
	}
}
