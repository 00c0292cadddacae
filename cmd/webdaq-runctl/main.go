// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command webdaq-runctl is an interactive run-control shell for an
// XDAQ-based data acquisition farm.  It loads the farm topology,
// restores the persisted run settings and then drives the whole run
// lifecycle (board registry, configuration, start/stop, monitoring)
// from a prompt.
package main // import "github.com/go-daq/webdaq/cmd/webdaq-runctl"

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-daq/webdaq"
	"github.com/go-daq/webdaq/dgtz"
	"github.com/go-daq/webdaq/flags"
	"github.com/go-daq/webdaq/log"
	"github.com/go-daq/webdaq/sim"
	"github.com/peterh/liner"
	"golang.org/x/xerrors"
)

func main() {
	cmd := flags.NewRunCtl()

	var out log.WriteSyncer = log.NopSync(os.Stdout)
	if cmd.LogFile != "" {
		f, err := os.Create(cmd.LogFile)
		if err != nil {
			log.Fatalf("could not create logfile %q: %+v", cmd.LogFile, err)
		}
		defer f.Close()
		out = log.MultiSync(out, log.NopSync(f))
	}
	msg := log.NewMsgStream(cmd.Name, cmd.Level, out)

	// board links are dialed through the simulated driver; a dialer
	// backed by the vendor library plugs in here.
	mgr, err := webdaq.Init(cmd, sim.NewDriver().Dial, msg)
	if err != nil {
		log.Fatalf("could not create run manager: %+v", err)
	}
	defer webdaq.Shutdown()

	if !cmd.Interactive {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt)
		<-quit
		msg.Infof("shutting down...")
		return
	}

	sh := newShell(mgr, cmd.Timeout, msg)
	defer sh.Close()
	sh.run()
}

var shellCmds = []string{
	"add-board", "bandwidth", "boards", "exit", "help", "limit",
	"quit", "remove-board", "reset", "restart", "save", "start-run",
	"status", "stop-run",
}

type shell struct {
	mgr     *webdaq.Manager
	msg     log.MsgStream
	timeout time.Duration

	term  *liner.State
	hfile string
}

func newShell(mgr *webdaq.Manager, timeout time.Duration, msg log.MsgStream) *shell {
	sh := &shell{
		mgr:     mgr,
		msg:     msg,
		timeout: timeout,
		term:    liner.NewLiner(),
	}
	sh.term.SetCtrlCAborts(true)
	sh.term.SetCompleter(func(line string) []string {
		var o []string
		for _, cmd := range shellCmds {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				o = append(o, cmd)
			}
		}
		return o
	})

	if home, err := os.UserHomeDir(); err == nil {
		sh.hfile = filepath.Join(home, ".webdaq-runctl.history")
		f, err := os.Open(sh.hfile)
		if err == nil {
			sh.term.ReadHistory(f)
			f.Close()
		}
	}

	return sh
}

func (sh *shell) Close() error {
	if sh.hfile != "" {
		f, err := os.Create(sh.hfile)
		if err == nil {
			sh.term.WriteHistory(f)
			f.Close()
		}
	}
	return sh.term.Close()
}

func (sh *shell) run() {
	for {
		line, err := sh.term.Prompt("webdaq> ")
		if err != nil {
			if err == io.EOF || err == liner.ErrPromptAborted {
				fmt.Printf("\n")
				return
			}
			sh.msg.Errorf("could not read line: %+v", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sh.term.AppendHistory(line)

		err = sh.dispatch(line)
		switch {
		case err == io.EOF:
			return
		case err != nil:
			fmt.Printf("error: %+v\n", err)
		}
	}
}

func (sh *shell) dispatch(line string) error {
	args := strings.Fields(line)
	switch cmd := args[0]; cmd {
	case "help", "?":
		return sh.cmdHelp()
	case "status":
		return sh.cmdStatus()
	case "boards":
		return sh.cmdBoards()
	case "add-board":
		return sh.cmdAddBoard(args[1:])
	case "remove-board":
		return sh.cmdRemoveBoard(args[1:])
	case "start-run":
		return sh.cmdStartRun(args[1:])
	case "stop-run":
		return sh.cmdStopRun()
	case "save":
		return sh.cmdSave(args[1:])
	case "limit":
		return sh.cmdLimit(args[1:])
	case "reset":
		return sh.cmdReset()
	case "bandwidth":
		return sh.cmdBandwidth()
	case "restart":
		return sh.cmdRestart(args[1:])
	case "quit", "exit":
		return io.EOF
	default:
		return xerrors.Errorf("unknown command %q (try \"help\")", cmd)
	}
}

func (sh *shell) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sh.timeout)
}

func (sh *shell) cmdHelp() error {
	fmt.Printf(`commands:
  status                                display run, actor and board status
  boards                                list the registered boards
  add-board id name link num [vme] [dpp]  register a digitizer board
  remove-board id                       unregister a digitizer board
  start-run [note]                      start a new run
  stop-run                              stop the current run
  save on|off                           enable or disable writing data files
  limit off|size-MB                     cap the size of output data files
  reset                                 reload the topology and re-enable the transport
  bandwidth                             sample the pipeline data rates
  restart [on [delay]|off]              control automatic restart on board failure
  quit                                  exit the shell
`)
	return nil
}

func (sh *shell) cmdStatus() error {
	set := sh.mgr.Settings()
	fmt.Printf("run:     %d\n", set.Run)
	switch {
	case set.Running:
		fmt.Printf("state:   running (since %v)\n", set.StartTime.Format("2006-01-02 15:04:05"))
	default:
		fmt.Printf("state:   stopped\n")
	}
	fmt.Printf("save:    %v\n", set.Save)
	switch {
	case set.LimitSize:
		fmt.Printf("limit:   %d MB\n", set.SizeLimit)
	default:
		fmt.Printf("limit:   off\n")
	}

	ctx, cancel := sh.ctx()
	defer cancel()
	state, err := sh.mgr.DAQState(ctx)
	if err != nil {
		return xerrors.Errorf("could not read DAQ state: %w", err)
	}
	fmt.Printf("actors:  %v\n", state)

	rst := sh.mgr.Restarter().Status()
	switch {
	case rst.Enabled:
		fmt.Printf("restart: on (delay %v)\n", rst.Delay)
	default:
		fmt.Printf("restart: off\n")
	}
	if rst.Last != "" {
		fmt.Printf("         last: %s\n", rst.Last)
	}
	return sh.cmdBoards()
}

func (sh *shell) cmdBoards() error {
	boards := sh.mgr.Boards()
	if len(boards) == 0 {
		fmt.Printf("no boards\n")
		return nil
	}
	health := sh.mgr.BoardStatus()
	for _, b := range boards {
		status := "ok"
		if h, ok := health[b.ID]; ok && h.Failed {
			status = fmt.Sprintf("FAILED (0x%X)", h.LastValue)
		}
		fmt.Printf("board %d: %-12s link=%s/%d vme=%q dpp=%s chans=%d [%s]\n",
			b.ID, b.Name, b.LinkType, b.LinkNum, b.VME, b.DPP, b.Channels, status,
		)
	}
	return nil
}

func (sh *shell) cmdAddBoard(args []string) error {
	if len(args) < 4 {
		return xerrors.Errorf("usage: add-board id name link num [vme] [dpp]")
	}

	id, err := strconv.Atoi(args[0])
	if err != nil {
		return xerrors.Errorf("could not parse board id %q: %w", args[0], err)
	}
	num, err := strconv.Atoi(args[3])
	if err != nil {
		return xerrors.Errorf("could not parse link number %q: %w", args[3], err)
	}

	var link dgtz.LinkType
	switch strings.ToLower(args[2]) {
	case "usb":
		link = dgtz.USB
	case "optical", "opt":
		link = dgtz.Optical
	case "a4818":
		link = dgtz.A4818
	default:
		return xerrors.Errorf("unknown link type %q", args[2])
	}

	b := dgtz.Board{
		ID:       id,
		Name:     args[1],
		LinkType: link,
		LinkNum:  num,
		DPP:      dgtz.PHA,
	}
	if len(args) > 4 {
		b.VME = args[4]
	}
	if len(args) > 5 {
		switch strings.TrimPrefix(strings.ToLower(args[5]), "dpp-") {
		case "pha":
			b.DPP = dgtz.PHA
		case "psd":
			b.DPP = dgtz.PSD
		default:
			return xerrors.Errorf("unknown DPP firmware %q", args[5])
		}
	}

	err = sh.mgr.AddBoard(b)
	if err != nil {
		return err
	}
	fmt.Printf("board %d added\n", id)
	return nil
}

func (sh *shell) cmdRemoveBoard(args []string) error {
	if len(args) != 1 {
		return xerrors.Errorf("usage: remove-board id")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return xerrors.Errorf("could not parse board id %q: %w", args[0], err)
	}
	err = sh.mgr.RemoveBoard(id)
	if err != nil {
		return err
	}
	fmt.Printf("board %d removed\n", id)
	return nil
}

func (sh *shell) cmdStartRun(args []string) error {
	ctx, cancel := sh.ctx()
	defer cancel()

	err := sh.mgr.StartRun(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Printf("run %d started\n", sh.mgr.RunNumber())
	return nil
}

func (sh *shell) cmdStopRun() error {
	run := sh.mgr.RunNumber()
	ctx, cancel := sh.ctx()
	defer cancel()

	err := sh.mgr.StopRun(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("run %d stopped (next run: %d)\n", run, sh.mgr.RunNumber())
	return nil
}

func (sh *shell) cmdSave(args []string) error {
	if len(args) != 1 {
		return xerrors.Errorf("usage: save on|off")
	}
	v, err := parseBool(args[0])
	if err != nil {
		return err
	}
	return sh.mgr.SetSave(v)
}

func (sh *shell) cmdLimit(args []string) error {
	if len(args) != 1 {
		return xerrors.Errorf("usage: limit off|size-MB")
	}
	if strings.ToLower(args[0]) == "off" {
		return sh.mgr.SetLimit(false, 0)
	}
	mb, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return xerrors.Errorf("could not parse size limit %q: %w", args[0], err)
	}
	return sh.mgr.SetLimit(true, mb)
}

func (sh *shell) cmdReset() error {
	ctx, cancel := sh.ctx()
	defer cancel()

	err := sh.mgr.Reset(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("topology reloaded, transport enabled\n")
	return nil
}

func (sh *shell) cmdBandwidth() error {
	ctx, cancel := sh.ctx()
	defer cancel()

	rep, err := sh.mgr.Control().Bandwidth(ctx)
	if err != nil {
		return xerrors.Errorf("could not sample bandwidth: %w", err)
	}
	for _, s := range rep.Samples {
		fmt.Printf("%-24s out=%8.3f MB/s in=%8.3f MB/s file=%8.3f MB/s\n",
			s.Actor.Name(), s.Output, s.Input, s.File,
		)
	}
	fmt.Printf("%-24s out=%8.3f MB/s in=%8.3f MB/s file=%8.3f MB/s\n",
		"total", rep.Output.Total, rep.Input.Total, rep.File.Total,
	)
	return nil
}

func (sh *shell) cmdRestart(args []string) error {
	rst := sh.mgr.Restarter()
	if len(args) == 0 {
		st := rst.Status()
		switch {
		case st.Enabled:
			fmt.Printf("restart: on (delay %v)\n", st.Delay)
		default:
			fmt.Printf("restart: off\n")
		}
		if st.Pending {
			fmt.Printf("restart in progress...\n")
		}
		if st.Last != "" {
			fmt.Printf("last: %s\n", st.Last)
		}
		return nil
	}

	switch strings.ToLower(args[0]) {
	case "on":
		var delay time.Duration
		if len(args) > 1 {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return xerrors.Errorf("could not parse restart delay %q: %w", args[1], err)
			}
			delay = d
		}
		rst.SetAutoRestart(true, delay)
	case "off":
		rst.SetAutoRestart(false, 0)
	default:
		return xerrors.Errorf("usage: restart [on [delay]|off]")
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, xerrors.Errorf("could not parse boolean value %q", v)
}
