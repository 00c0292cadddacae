// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-daq/webdaq/config"
	"github.com/go-daq/webdaq/log"
	"golang.org/x/xerrors"
)

// RunLog books run lifecycle events.  The run manager records a start
// and a stop for every run; the restarter additionally marks runs that
// ended in a board failure.
type RunLog interface {
	// Start books the begin of the given run.  The note is free-form
	// and may be empty.
	Start(run uint32, note string) error
	// Stop books the regular end of the given run.
	Stop(run uint32) error
	// MarkFailed books the failure that ended the given run.
	MarkFailed(run uint32, note string) error
}

// nopRunLog drops all bookkeeping records.
type nopRunLog struct{}

func (nopRunLog) Start(run uint32, note string) error      { return nil }
func (nopRunLog) Stop(run uint32) error                    { return nil }
func (nopRunLog) MarkFailed(run uint32, note string) error { return nil }

// runEvent is one line of the bookkeeping journal.
type runEvent struct {
	Time  string `json:"time"`
	Run   uint32 `json:"run"`
	Event string `json:"event"`
	Note  string `json:"note,omitempty"`
}

// FileRunLog appends run bookkeeping records to a JSON-lines journal,
// one event per line.
type FileRunLog struct {
	mu   sync.Mutex
	path string
}

// NewFileRunLog creates a journal at the given path.  The file is
// created on the first record.
func NewFileRunLog(path string) *FileRunLog {
	return &FileRunLog{path: path}
}

func (rl *FileRunLog) Start(run uint32, note string) error {
	return rl.append("start", run, note)
}

func (rl *FileRunLog) Stop(run uint32) error {
	return rl.append("stop", run, "")
}

func (rl *FileRunLog) MarkFailed(run uint32, note string) error {
	return rl.append("failed", run, note)
}

func (rl *FileRunLog) append(event string, run uint32, note string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	buf, err := json.Marshal(runEvent{
		Time:  time.Now().Format(timeFormat),
		Run:   run,
		Event: event,
		Note:  note,
	})
	if err != nil {
		return xerrors.Errorf("could not encode run-log record: %w", err)
	}
	buf = append(buf, '\n')

	f, err := os.OpenFile(rl.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return xerrors.Errorf("could not open run log: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return xerrors.Errorf("could not write run-log record: %w", err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("could not close run log: %w", err)
	}
	return nil
}

// runDriver is the slice of the run manager the restarter drives.
type runDriver interface {
	StartRun(ctx context.Context, note string) error
	StopRun(ctx context.Context) error
	RunNumber() uint32
}

// RestartStatus describes the auto-restart coordinator.
type RestartStatus struct {
	Enabled bool          // automatic restarts are armed
	Delay   time.Duration // pause between teardown and restart
	Pending bool          // a restart is in flight
	Last    string        // outcome of the most recent restart
}

// Restarter recovers from a board failure during a run: it tears the
// run down, books the failure, and starts the next run after a
// configurable pause.  At most one restart is in flight at a time;
// triggers arriving meanwhile are dropped.
type Restarter struct {
	drv  runDriver
	rlog RunLog
	msg  log.MsgStream

	mu      sync.Mutex
	enabled bool
	delay   time.Duration
	busy    bool
	last    string

	once sync.Once
	quit chan struct{}
}

// NewRestarter creates a restart coordinator driving drv.
func NewRestarter(drv runDriver, cfg config.Restart, rlog RunLog, msg log.MsgStream) *Restarter {
	if cfg.Delay <= 0 {
		cfg.Delay = 10 * time.Second
	}
	if rlog == nil {
		rlog = nopRunLog{}
	}
	return &Restarter{
		drv:     drv,
		rlog:    rlog,
		msg:     msg,
		enabled: cfg.Enabled,
		delay:   cfg.Delay,
		quit:    make(chan struct{}),
	}
}

// SetAutoRestart arms or disarms automatic restarts.  A zero delay
// keeps the current one.
func (rst *Restarter) SetAutoRestart(enabled bool, delay time.Duration) {
	rst.mu.Lock()
	defer rst.mu.Unlock()
	rst.enabled = enabled
	if delay > 0 {
		rst.delay = delay
	}
}

// AutoRestart reports whether automatic restarts are armed.
func (rst *Restarter) AutoRestart() bool {
	rst.mu.Lock()
	defer rst.mu.Unlock()
	return rst.enabled
}

// Status returns a snapshot of the coordinator state.
func (rst *Restarter) Status() RestartStatus {
	rst.mu.Lock()
	defer rst.mu.Unlock()
	return RestartStatus{
		Enabled: rst.enabled,
		Delay:   rst.delay,
		Pending: rst.busy,
		Last:    rst.last,
	}
}

// Close interrupts a restart waiting out its delay, if any.
func (rst *Restarter) Close() {
	rst.once.Do(func() { close(rst.quit) })
}

// Trigger schedules an automatic restart after the given board failed.
// It never blocks: the restart proceeds on its own goroutine.
func (rst *Restarter) Trigger(boardID int, reason string) {
	rst.mu.Lock()
	defer rst.mu.Unlock()

	switch {
	case !rst.enabled:
		rst.msg.Debugf("auto-restart disabled, ignoring failure of board %d", boardID)
		return
	case rst.busy:
		rst.msg.Warnf("restart already in flight, dropping failure of board %d", boardID)
		return
	}
	rst.busy = true
	go rst.run(boardID, reason, rst.delay)
}

func (rst *Restarter) run(boardID int, reason string, delay time.Duration) {
	defer func() {
		rst.mu.Lock()
		rst.busy = false
		rst.mu.Unlock()
	}()

	var (
		ctx  = context.Background()
		run  = rst.drv.RunNumber()
		note = fmt.Sprintf("board %d failed: %s", boardID, reason)
	)
	rst.msg.Warnf("restarting run %d after failure of board %d: %s", run, boardID, reason)

	if err := rst.drv.StopRun(ctx); err != nil {
		rst.abort(fmt.Sprintf("could not stop run %d: %+v", run, err))
		return
	}
	if err := rst.rlog.MarkFailed(run, note); err != nil {
		rst.msg.Warnf("could not book failure of run %d: %+v", run, err)
	}

	select {
	case <-time.After(delay):
	case <-rst.quit:
		rst.abort("shutdown while waiting to restart")
		return
	}

	if err := rst.drv.StartRun(ctx, "restarted after "+note); err != nil {
		rst.abort(fmt.Sprintf("could not start the next run: %+v", err))
		return
	}

	next := rst.drv.RunNumber()
	rst.mu.Lock()
	rst.last = fmt.Sprintf("run %d restarted as run %d after %s", run, next, note)
	rst.mu.Unlock()
	rst.msg.Infof("restart complete: run %d is taking data", next)
}

func (rst *Restarter) abort(reason string) {
	rst.mu.Lock()
	rst.last = "restart aborted: " + reason
	rst.mu.Unlock()
	rst.msg.Errorf("restart aborted, system left halted: %s", reason)
}
