// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dgtz

import (
	"sync"
	"time"

	"github.com/go-daq/webdaq/config"
	"github.com/go-daq/webdaq/log"
	"golang.org/x/xerrors"
)

// ErrUnavailable is reported when a board cannot serve a request: it is
// not registered with the pool, its link is down, or the access timed
// out behind a stuck caller.
var ErrUnavailable = xerrors.New("dgtz: board unavailable")

type entry struct {
	mu   sync.Mutex
	conn Conn
}

// Pool holds one open connection per board and serializes register
// access per board.  A register access never blocks indefinitely: the
// configured timeout bounds the wait for the per-board lock and the
// hardware call together, so a wedged board cannot stall its callers.
type Pool struct {
	dial     Dialer
	msg      log.MsgStream
	attempts int
	backoff  time.Duration
	timeout  time.Duration

	mu    sync.RWMutex
	conns map[int]*entry
}

// NewPool creates a pool dialing boards with dial.
func NewPool(dial Dialer, cfg config.Pool, msg log.MsgStream) *Pool {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 1 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Pool{
		dial:     dial,
		msg:      msg,
		attempts: attempts,
		backoff:  backoff,
		timeout:  timeout,
		conns:    make(map[int]*entry),
	}
}

// Add opens a connection to the board and registers it with the pool.
// The open is retried up to the configured number of attempts, with the
// configured pause in between.  On exhaustion no state is kept.
func (p *Pool) Add(b Board) error {
	p.mu.RLock()
	_, dup := p.conns[b.ID]
	p.mu.RUnlock()
	if dup {
		return xerrors.Errorf("dgtz: board %d already registered", b.ID)
	}

	conn := p.dial(b)
	for i := 0; i < p.attempts; i++ {
		if i > 0 {
			time.Sleep(p.backoff)
		}
		err := conn.Open()
		if err != nil {
			p.msg.Warnf("could not open %v (attempt %d/%d): %+v", b, i+1, p.attempts, err)
			continue
		}
		if !conn.Connected() {
			p.msg.Warnf("could not open %v (attempt %d/%d): link not established", b, i+1, p.attempts)
			continue
		}
		p.mu.Lock()
		p.conns[b.ID] = &entry{conn: conn}
		p.mu.Unlock()
		p.msg.Infof("connected to %v", b)
		return nil
	}
	return xerrors.Errorf("dgtz: could not connect to %v after %d attempts: %w", b, p.attempts, ErrUnavailable)
}

// Remove closes the connection of the board and drops it from the
// pool.  Removing an unknown board is a no-op.
func (p *Pool) Remove(id int) error {
	p.mu.Lock()
	e := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if e == nil {
		return nil
	}

	// Waits out a call in flight on this board.
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.Close(); err != nil {
		return xerrors.Errorf("could not close board %d: %w", id, err)
	}
	return nil
}

// Refresh reconnects the board: the old connection is dropped and a
// fresh one is opened with the full retry budget.
func (p *Pool) Refresh(b Board) error {
	if err := p.Remove(b.ID); err != nil {
		p.msg.Warnf("could not close %v before refresh: %+v", b, err)
	}
	return p.Add(b)
}

// Get returns the live connection of the board, for introspection.
// Register access must go through ReadRegister or WithConn, which hold
// the per-board lock.
func (p *Pool) Get(id int) (Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// ReadRegister reads a register of the board, serialized on the board's
// lock and bounded by the pool timeout.  All failure modes, an
// unregistered board, a dead link, a hardware error or a timeout,
// report ErrUnavailable.
func (p *Pool) ReadRegister(id int, addr uint32) (uint32, error) {
	p.mu.RLock()
	e := p.conns[id]
	p.mu.RUnlock()
	if e == nil {
		return 0, xerrors.Errorf("dgtz: board %d not registered: %w", id, ErrUnavailable)
	}

	type result struct {
		v   uint32
		err error
	}
	ch := make(chan result, 1)
	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.conn.Connected() {
			ch <- result{err: xerrors.Errorf("dgtz: board %d link down: %w", id, ErrUnavailable)}
			return
		}
		v, err := e.conn.ReadRegister(addr)
		if err != nil {
			ch <- result{err: xerrors.Errorf("dgtz: board %d register 0x%04X: %v: %w", id, addr, err, ErrUnavailable)}
			return
		}
		ch <- result{v: v}
	}()

	select {
	case res := <-ch:
		return res.v, res.err
	case <-time.After(p.timeout):
		return 0, xerrors.Errorf("dgtz: board %d register 0x%04X timed out: %w", id, addr, ErrUnavailable)
	}
}

// WithConn runs fn with the connection of the board, holding the
// board's lock for the whole call.  It is meant for multi-register
// sequences such as configuration dumps.
func (p *Pool) WithConn(id int, fn func(Conn) error) error {
	p.mu.RLock()
	e := p.conns[id]
	p.mu.RUnlock()
	if e == nil {
		return xerrors.Errorf("dgtz: board %d not registered: %w", id, ErrUnavailable)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.conn)
}

// Close disconnects every board and empties the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[int]*entry)
	p.mu.Unlock()

	var first error
	for id, e := range conns {
		e.mu.Lock()
		err := e.conn.Close()
		e.mu.Unlock()
		if err != nil && first == nil {
			first = xerrors.Errorf("could not close board %d: %w", id, err)
		}
	}
	return first
}
