// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-daq/webdaq/config"
	"github.com/go-daq/webdaq/dgtz"
	"github.com/go-daq/webdaq/fsm"
	"github.com/go-daq/webdaq/log"
	"golang.org/x/xerrors"
)

// timeFormat is the timestamp layout of the persisted run documents.
const timeFormat = "2006-01-02 15:04:05"

// StartTime is a run start stamp serialized the way the historical run
// documents spell it: a local "2006-01-02 15:04:05" string, or null
// when no run is in progress.  Legacy documents carrying a literal 0
// decode as the zero time.
type StartTime struct {
	time.Time
}

func (t StartTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(timeFormat))
}

func (t *StartTime) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "null", "0":
		t.Time = time.Time{}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return xerrors.Errorf("could not decode start time: %w", err)
	}
	v, err := time.ParseInLocation(timeFormat, str, time.Local)
	if err != nil {
		return xerrors.Errorf("could not parse start time %q: %w", str, err)
	}
	t.Time = v
	return nil
}

// RunSettings is the persisted state of the experiment between runs.
type RunSettings struct {
	Running   bool         `json:"running"`
	StartTime StartTime    `json:"start_time"`
	Run       uint32       `json:"run"`
	Save      bool         `json:"save"`
	LimitSize bool         `json:"limit_size"`
	SizeLimit uint64       `json:"file_size_limit"`
	Boards    []dgtz.Board `json:"boards"`
}

// loadSettings reads the persisted run settings, creating the default
// document when none exists yet.  A document that exists but does not
// parse is an error: it is never silently replaced.
func loadSettings(path string) (RunSettings, error) {
	var set RunSettings
	buf, err := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		set.Boards = []dgtz.Board{}
		return set, saveSettings(path, set)
	case err != nil:
		return set, xerrors.Errorf("could not read run settings: %w", err)
	}
	if err := json.Unmarshal(buf, &set); err != nil {
		return set, xerrors.Errorf("could not parse run settings %s: %w", path, err)
	}
	if set.Boards == nil {
		set.Boards = []dgtz.Board{}
	}
	return set, nil
}

// saveSettings rewrites the run-settings document.
func saveSettings(path string, set RunSettings) error {
	buf, err := json.MarshalIndent(set, "", "    ")
	if err != nil {
		return xerrors.Errorf("could not encode run settings: %w", err)
	}
	buf = append(buf, '\n')
	if err := ioutil.WriteFile(path, buf, 0644); err != nil {
		return xerrors.Errorf("could not write run settings: %w", err)
	}
	return nil
}

// Manager owns the experiment state: the board registry, the persisted
// run settings, and the run lifecycle driving the XDAQ pipeline.  All
// operations are safe for concurrent use.
type Manager struct {
	cfg  config.RunCtl
	msg  log.MsgStream
	dial dgtz.Dialer

	mu   sync.RWMutex
	set  RunSettings
	topo *Topology
	ctl  *Control

	pool *dgtz.Pool
	mon  *Monitor
	rst  *Restarter
	rlog RunLog

	spy     *Spy
	spyConn io.Closer
}

// New builds a run manager from the given configuration.  It loads the
// topology and the persisted settings, ensures the on-disk layout, and
// connects every registered board, warning about the ones it could not
// reach.
func New(cfg config.RunCtl, dial dgtz.Dialer, msg log.MsgStream) (*Manager, error) {
	if cfg.ConfDir == "" {
		cfg.ConfDir = "conf"
	}
	if cfg.CalibDir == "" {
		cfg.CalibDir = "calib"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Settings == "" {
		cfg.Settings = filepath.Join(cfg.ConfDir, "settings.json")
	}
	for _, dir := range []string{cfg.ConfDir, cfg.CalibDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, xerrors.Errorf("could not create directory %s: %w", dir, err)
		}
	}

	set, err := loadSettings(cfg.Settings)
	if err != nil {
		return nil, err
	}
	topo, err := LoadTopology(cfg.Topology)
	if err != nil {
		return nil, xerrors.Errorf("could not load topology: %w", err)
	}

	mgr := &Manager{
		cfg:  cfg,
		msg:  msg,
		dial: dial,
		set:  set,
		topo: topo,
		ctl:  NewControl(topo, cfg.Control, msg),
		pool: dgtz.NewPool(dial, cfg.Pool, msg),
		rlog: nopRunLog{},
	}
	if cfg.RunLog != "" {
		mgr.rlog = NewFileRunLog(cfg.RunLog)
	}
	mgr.rst = NewRestarter(mgr, cfg.Restart, mgr.rlog, msg)
	mgr.mon = NewMonitor(mgr.pool, mgr.boardList, cfg.Monitor, mgr.rst.Trigger, msg)

	for _, b := range set.Boards {
		if err := mgr.pool.Add(b); err != nil {
			msg.Warnf("could not connect board %v: %+v", b, err)
		}
	}
	return mgr, nil
}

// Close releases everything the manager holds: monitoring, the
// bandwidth spy, a pending restart, and the board connections.  The
// XDAQ actors are left as they are.
func (mgr *Manager) Close() error {
	mgr.rst.Close()
	mgr.mon.Stop()

	mgr.mu.Lock()
	mgr.stopSpy()
	mgr.mu.Unlock()

	return mgr.pool.Close()
}

var (
	mgrMu   sync.Mutex
	mgrInst *Manager
)

// Init creates the process-wide run manager.  It fails when one is
// already alive.
func Init(cfg config.RunCtl, dial dgtz.Dialer, msg log.MsgStream) (*Manager, error) {
	mgrMu.Lock()
	defer mgrMu.Unlock()

	if mgrInst != nil {
		return nil, xerrors.New("webdaq: run manager already initialized")
	}
	mgr, err := New(cfg, dial, msg)
	if err != nil {
		return nil, err
	}
	mgrInst = mgr
	return mgr, nil
}

// Get returns the process-wide run manager, or nil before Init.
func Get() *Manager {
	mgrMu.Lock()
	defer mgrMu.Unlock()
	return mgrInst
}

// Shutdown closes and forgets the process-wide run manager.
func Shutdown() error {
	mgrMu.Lock()
	defer mgrMu.Unlock()

	if mgrInst == nil {
		return nil
	}
	err := mgrInst.Close()
	mgrInst = nil
	return err
}

// boardList snapshots the registered boards for the health monitor.
func (mgr *Manager) boardList() []dgtz.Board {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	out := make([]dgtz.Board, len(mgr.set.Boards))
	copy(out, mgr.set.Boards)
	return out
}

// persist rewrites the settings document.  Callers hold mgr.mu.
func (mgr *Manager) persist() error {
	return saveSettings(mgr.cfg.Settings, mgr.set)
}

// Control returns the topology controller.
func (mgr *Manager) Control() *Control {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.ctl
}

// Restarter returns the auto-restart coordinator.
func (mgr *Manager) Restarter() *Restarter { return mgr.rst }

// Settings returns a snapshot of the persisted run settings.
func (mgr *Manager) Settings() RunSettings {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	set := mgr.set
	set.Boards = make([]dgtz.Board, len(mgr.set.Boards))
	copy(set.Boards, mgr.set.Boards)
	return set
}

// RunNumber reports the current run number.
func (mgr *Manager) RunNumber() uint32 {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.set.Run
}

// Running reports whether a run is in progress.
func (mgr *Manager) Running() bool {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.set.Running
}

// AddBoard introspects the digitizer described by b, dumps its register
// configuration, seeds a calibration, records the board in the
// registry, and connects it.  The channel count is taken from the
// hardware, not from b.
func (mgr *Manager) AddBoard(b dgtz.Board) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	for _, o := range mgr.set.Boards {
		if o.ID == b.ID {
			return xerrors.Errorf("board %d already registered", b.ID)
		}
	}

	conn := mgr.dial(b)
	if err := conn.Open(); err != nil {
		return xerrors.Errorf("could not open board %v: %w", b, err)
	}
	defer conn.Close()

	info, err := conn.Info()
	if err != nil {
		return xerrors.Errorf("could not read info of board %v: %w", b, err)
	}
	b.Channels = info.Channels

	if err := mgr.dumpBoard(conn, b); err != nil {
		return err
	}
	if err := mgr.seedCalib(b); err != nil {
		return err
	}

	mgr.set.Boards = append(mgr.set.Boards, b)
	sort.Slice(mgr.set.Boards, func(i, j int) bool {
		return mgr.set.Boards[i].ID < mgr.set.Boards[j].ID
	})
	if err := mgr.persist(); err != nil {
		return err
	}
	if err := mgr.writeConfFiles(); err != nil {
		return err
	}
	if err := mgr.pool.Add(b); err != nil {
		mgr.msg.Warnf("board %d registered but not connected: %+v", b.ID, err)
	}
	mgr.msg.Infof("board %d (%s %s) registered", b.ID, b.Name, info.Model)
	return nil
}

// dumpBoard writes the register dump of b to the conf directory.
func (mgr *Manager) dumpBoard(conn dgtz.Conn, b dgtz.Board) error {
	buf := new(bytes.Buffer)
	if err := dgtz.DumpConfig(conn, b, buf); err != nil {
		return xerrors.Errorf("could not dump configuration of board %v: %w", b, err)
	}
	path := filepath.Join(mgr.cfg.ConfDir, b.FileStem()+".json")
	if err := ioutil.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return xerrors.Errorf("could not write %s: %w", path, err)
	}
	return nil
}

// seedCalib writes a flat calibration for b unless one exists already.
func (mgr *Manager) seedCalib(b dgtz.Board) error {
	path := filepath.Join(mgr.cfg.CalibDir, b.FileStem()+".cal")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	buf := new(bytes.Buffer)
	if err := dgtz.WriteCalib(buf, b.Channels); err != nil {
		return xerrors.Errorf("could not build calibration of board %v: %w", b, err)
	}
	if err := ioutil.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return xerrors.Errorf("could not write %s: %w", path, err)
	}
	return nil
}

// writeConfFiles rewrites the actor configuration files from the
// current board registry.  Callers hold mgr.mu.
func (mgr *Manager) writeConfFiles() error {
	var (
		ru = new(bytes.Buffer)
		lf = new(bytes.Buffer)
		bu = new(bytes.Buffer)
	)
	if err := WriteRUConf(ru, mgr.set.Boards, mgr.cfg.RemoteConf); err != nil {
		return err
	}
	if err := WriteLFConf(lf, mgr.set.Boards); err != nil {
		return err
	}
	if err := WriteBUConf(bu); err != nil {
		return err
	}
	for _, file := range []struct {
		name string
		data []byte
	}{
		{"RUCaen.conf", ru.Bytes()},
		{"LocalFilter.conf", lf.Bytes()},
		{"Builder.conf", bu.Bytes()},
	} {
		path := filepath.Join(mgr.cfg.ConfDir, file.name)
		if err := ioutil.WriteFile(path, file.data, 0644); err != nil {
			return xerrors.Errorf("could not write %s: %w", path, err)
		}
	}
	return nil
}

// RemoveBoard drops the board with the given id from the registry and
// closes its connection.  The register dump is kept for bookkeeping;
// the calibration file is removed so a re-added board starts flat.
func (mgr *Manager) RemoveBoard(id int) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	idx := -1
	for i, b := range mgr.set.Boards {
		if b.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return xerrors.Errorf("board %d not registered", id)
	}
	b := mgr.set.Boards[idx]
	mgr.set.Boards = append(mgr.set.Boards[:idx], mgr.set.Boards[idx+1:]...)

	if err := mgr.pool.Remove(id); err != nil {
		mgr.msg.Warnf("could not close connection of board %d: %+v", id, err)
	}
	calib := filepath.Join(mgr.cfg.CalibDir, b.FileStem()+".cal")
	if err := os.Remove(calib); err != nil && !os.IsNotExist(err) {
		mgr.msg.Warnf("could not remove %s: %+v", calib, err)
	}
	if err := mgr.persist(); err != nil {
		return err
	}
	if err := mgr.writeConfFiles(); err != nil {
		return err
	}
	mgr.msg.Infof("board %d (%s) removed", id, b.Name)
	return nil
}

// Boards returns the registered boards, ordered by id.
func (mgr *Manager) Boards() []dgtz.Board { return mgr.boardList() }

// Board returns the registered board with the given id.
func (mgr *Manager) Board(id int) (dgtz.Board, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	for _, b := range mgr.set.Boards {
		if b.ID == id {
			return b, true
		}
	}
	return dgtz.Board{}, false
}

// BoardStatus returns the health snapshot of the monitored boards.
func (mgr *Manager) BoardStatus() map[int]BoardHealth {
	return mgr.mon.BoardStatus()
}

// SetSave toggles whether runs write data files.
func (mgr *Manager) SetSave(save bool) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.set.Save = save
	return mgr.persist()
}

// SetLimit toggles the per-file size limit, in megabytes.  Disabling
// the limit keeps the stored value for later.
func (mgr *Manager) SetLimit(enabled bool, mb uint64) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.set.LimitSize = enabled
	if enabled {
		mgr.set.SizeLimit = mb
	}
	return mgr.persist()
}

// SetRunning records whether a run is in progress, stamping or
// clearing the start time.
func (mgr *Manager) SetRunning(on bool) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.setRunning(on)
}

func (mgr *Manager) setRunning(on bool) error {
	mgr.set.Running = on
	mgr.set.StartTime = StartTime{}
	if on {
		mgr.set.StartTime = StartTime{Time: time.Now()}
	}
	return mgr.persist()
}

// IncrementRunNumber advances the run number when data saving is
// enabled.  Unsaved runs reuse their number.
func (mgr *Manager) IncrementRunNumber() error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.incrementRunNumber()
}

func (mgr *Manager) incrementRunNumber() error {
	if !mgr.set.Save {
		return nil
	}
	mgr.set.Run++
	mgr.msg.Infof("run number advanced to %d", mgr.set.Run)
	return mgr.persist()
}

// PrepareRunStart sets up the on-disk area of the coming run: when
// data saving is enabled it creates data/run<N>/ and snapshots every
// board's register dump into it.
func (mgr *Manager) PrepareRunStart() error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.prepareRunStart()
}

func (mgr *Manager) prepareRunStart() error {
	if err := os.MkdirAll(mgr.cfg.DataDir, 0755); err != nil {
		return xerrors.Errorf("could not create %s: %w", mgr.cfg.DataDir, err)
	}
	if !mgr.set.Save {
		return nil
	}
	dir := filepath.Join(mgr.cfg.DataDir, fmt.Sprintf("run%d", mgr.set.Run))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("could not create %s: %w", dir, err)
	}
	for _, b := range mgr.set.Boards {
		name := b.FileStem() + ".json"
		buf, err := ioutil.ReadFile(filepath.Join(mgr.cfg.ConfDir, name))
		if err != nil {
			return xerrors.Errorf("could not read dump of board %d: %w", b.ID, err)
		}
		dst := filepath.Join(dir, name)
		if err := ioutil.WriteFile(dst, buf, 0644); err != nil {
			return xerrors.Errorf("could not write %s: %w", dst, err)
		}
	}
	return nil
}

// ConfigureXDAQ pushes the run parameters to every actor and drives
// the pipeline to Configured.
func (mgr *Manager) ConfigureXDAQ(ctx context.Context) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.configureXDAQ(ctx)
}

func (mgr *Manager) configureXDAQ(ctx context.Context) error {
	if err := mgr.ctl.SetCycleCounter(ctx, 0); err != nil {
		return err
	}
	var limit uint64
	if mgr.set.LimitSize {
		limit = mgr.set.SizeLimit
	}
	if err := mgr.ctl.SetFileSizeLimit(ctx, limit); err != nil {
		return err
	}
	if err := mgr.ctl.SetRunNumber(ctx, mgr.set.Run); err != nil {
		return err
	}
	if err := mgr.ctl.SetFileEnable(ctx, mgr.set.Save); err != nil {
		return err
	}
	dir := fmt.Sprintf("%s/run%d", mgr.cfg.RemoteData, mgr.set.Run)
	if err := mgr.ctl.SetFilePaths(ctx, dir, 0); err != nil {
		return err
	}
	return mgr.ctl.Configure(ctx)
}

// StartXDAQ drives the pipeline from Configured to Running.
func (mgr *Manager) StartXDAQ(ctx context.Context) error {
	return mgr.Control().Start(ctx)
}

// StopXDAQ halts the pipeline.
func (mgr *Manager) StopXDAQ(ctx context.Context) error {
	return mgr.Control().Halt(ctx)
}

// StartRun begins a new run: it prepares the run area, configures and
// starts the pipeline, stamps the settings, and begins board
// monitoring and bandwidth spying.  The note, which may be empty, is
// booked with the run.  A failure along the way leaves the settings
// untouched.
func (mgr *Manager) StartRun(ctx context.Context, note string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.set.Running {
		return xerrors.New("webdaq: a run is already in progress")
	}
	if len(mgr.set.Boards) == 0 {
		return xerrors.New("no boards found")
	}

	run := mgr.set.Run
	mgr.msg.Infof("starting run %d", run)

	if err := mgr.prepareRunStart(); err != nil {
		return err
	}
	if err := mgr.configureXDAQ(ctx); err != nil {
		return err
	}
	if err := mgr.ctl.Start(ctx); err != nil {
		return err
	}
	if err := mgr.setRunning(true); err != nil {
		return err
	}
	if err := mgr.rlog.Start(run, note); err != nil {
		mgr.msg.Warnf("could not book start of run %d: %+v", run, err)
	}

	mgr.mon.Start(mgr.set.Boards)
	mgr.startSpy()
	mgr.msg.Infof("run %d started", run)
	return nil
}

// StopRun ends the run in progress: monitoring and spying stop first,
// then the pipeline halts, the settings clear, and the run number
// advances when data was being saved.
func (mgr *Manager) StopRun(ctx context.Context) error {
	mgr.mon.Stop()

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	mgr.stopSpy()

	run := mgr.set.Run
	if err := mgr.ctl.Halt(ctx); err != nil {
		return err
	}
	if err := mgr.setRunning(false); err != nil {
		return err
	}
	if err := mgr.incrementRunNumber(); err != nil {
		return err
	}
	if err := mgr.rlog.Stop(run); err != nil {
		mgr.msg.Warnf("could not book stop of run %d: %+v", run, err)
	}
	mgr.msg.Infof("run %d stopped", run)
	return nil
}

// startSpy begins streaming bandwidth metrics to the configured
// Graphite sink, if any.  Callers hold mgr.mu.
func (mgr *Manager) startSpy() {
	if mgr.cfg.Graphite == "" {
		return
	}
	conn, err := net.DialTimeout("tcp", mgr.cfg.Graphite, 5*time.Second)
	if err != nil {
		mgr.msg.Warnf("could not connect to graphite %s: %+v", mgr.cfg.Graphite, err)
		return
	}
	mgr.spyConn = conn
	mgr.spy = NewSpy(mgr.ctl, conn, 0, mgr.msg)
	mgr.spy.Start()
}

// stopSpy halts the bandwidth spy and closes its sink.  Callers hold
// mgr.mu.
func (mgr *Manager) stopSpy() {
	if mgr.spy == nil {
		return
	}
	mgr.spy.Stop()
	mgr.spy = nil
	if err := mgr.spyConn.Close(); err != nil {
		mgr.msg.Warnf("could not close graphite connection: %+v", err)
	}
	mgr.spyConn = nil
}

// Reset reloads the topology description and drives the transport
// layer back up.  Restarting the actor containers themselves stays
// outside the control plane and must happen first.
func (mgr *Manager) Reset(ctx context.Context) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.set.Running {
		return xerrors.New("webdaq: cannot reset while a run is in progress")
	}
	topo, err := LoadTopology(mgr.cfg.Topology)
	if err != nil {
		return xerrors.Errorf("could not reload topology: %w", err)
	}
	mgr.topo = topo
	mgr.ctl = NewControl(topo, mgr.cfg.Control, mgr.msg)

	if err := mgr.ctl.ConfigurePT(ctx); err != nil {
		return err
	}
	return mgr.ctl.EnablePT(ctx)
}

// DAQState aggregates the coarse state of the whole acquisition chain.
func (mgr *Manager) DAQState(ctx context.Context) (fsm.DAQState, error) {
	mgr.mu.RLock()
	topo := mgr.topo
	mgr.mu.RUnlock()
	return topo.DAQState(ctx)
}

// ActorList returns every pipeline actor, stage by stage.
func (mgr *Manager) ActorList() []*Actor {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.topo.Actors()
}

// OutputBandwidth sums the output bandwidth over the whole pipeline.
// It reports zero when no run is in progress.
func (mgr *Manager) OutputBandwidth(ctx context.Context) (float64, error) {
	return mgr.sumBandwidth(ctx, (*Actor).OutputBandwidth)
}

// FileBandwidth sums the file-writing bandwidth over the whole
// pipeline.  It reports zero when no run is in progress.
func (mgr *Manager) FileBandwidth(ctx context.Context) (float64, error) {
	return mgr.sumBandwidth(ctx, (*Actor).FileBandwidth)
}

func (mgr *Manager) sumBandwidth(ctx context.Context, rate func(*Actor, context.Context) (float64, error)) (float64, error) {
	mgr.mu.RLock()
	running, topo := mgr.set.Running, mgr.topo
	mgr.mu.RUnlock()

	if !running {
		return 0, nil
	}
	var sum float64
	for _, act := range topo.Actors() {
		v, err := rate(act, ctx)
		if err != nil {
			return 0, xerrors.Errorf("could not read bandwidth of %v: %w", act, err)
		}
		sum += v
	}
	return sum, nil
}
