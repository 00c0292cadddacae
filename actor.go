// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-daq/webdaq/fsm"
	"golang.org/x/xerrors"
)

// Names of the parameters exported by XDAQ applications.
const (
	paramState      = "stateName"
	paramOutputBW   = "outputBandw"
	paramInputBW    = "inputBandw"
	paramFileBW     = "fileBandw"
	paramRunNumber  = "runNumber"
	paramWindow     = "merge_window"
	paramMult       = "multiplicity"
	paramCycles     = "cycleCounter"
	paramFilePath   = "outputFilepath"
	paramFileLimit  = "outputFileSizeLimit_MB"
	paramWriteFile  = "writeDataFile"
	paramConfigFile = "configFilepath"
)

// Reply values carry their parameter's open tag right before them; the
// backward scan is bounded accordingly (see soapValue).
const (
	scalarWindow = 20
	pathWindow   = 60
)

// Actor is a proxy to one remote XDAQ application, identified by its
// executive's URL and its class name and instance number within it.
// Every method round-trips over HTTP; nothing is cached and nothing is
// retried.
type Actor struct {
	url   string // executive URL, e.g. "http://gal01:50000"
	host  string
	port  string
	class string
	inst  int
	id    int

	cli *http.Client
}

// NewActor creates a proxy to the application of the given class and
// instance hosted by the executive at rawurl.  The id is the application
// identifier from the topology description.
func NewActor(rawurl, class string, instance, id int) (*Actor, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, xerrors.Errorf("could not parse actor URL %q: %w", rawurl, err)
	}
	if u.Host == "" {
		return nil, xerrors.Errorf("could not parse actor URL %q: no host", rawurl)
	}
	return &Actor{
		url:   u.Scheme + "://" + u.Host,
		host:  u.Hostname(),
		port:  u.Port(),
		class: class,
		inst:  instance,
		id:    id,
		cli:   soapClient,
	}, nil
}

// soapClient is shared by every actor so connections to the executives are
// reused.  The transport-level timeout is a backstop only: callers bound
// every RPC with a context deadline.
var soapClient = &http.Client{Timeout: 30 * time.Second}

// URL returns the URL of the executive hosting the actor.
func (act *Actor) URL() string { return act.url }

// Host returns the host part of the executive URL.
func (act *Actor) Host() string { return act.host }

// Port returns the port part of the executive URL.
func (act *Actor) Port() string { return act.port }

// Class returns the XDAQ application class of the actor.
func (act *Actor) Class() string { return act.class }

// Instance returns the instance number of the actor within its class.
func (act *Actor) Instance() int { return act.inst }

// ID returns the application identifier of the actor.
func (act *Actor) ID() int { return act.id }

// InfoURL returns the address of the actor's own information page.
func (act *Actor) InfoURL() string {
	return act.url + "/" + appURN + "lid=" + strconv.Itoa(act.id)
}

// Name returns a short display name derived from the actor class.
func (act *Actor) Name() string {
	switch {
	case strings.Contains(act.class, "Readout"):
		return "Readout_Unit"
	case strings.Contains(act.class, "Local"):
		return "Local_Filter"
	case strings.Contains(act.class, "::bu::"):
		return "Builder_Unit"
	case strings.Contains(act.class, "::merger::"):
		return "Merger_Unit"
	case strings.Contains(act.class, "Global"):
		return "Global_Filter"
	}
	return act.class
}

func (act *Actor) String() string {
	return act.Name() + "/" + strconv.Itoa(act.inst)
}

// action commands a lifecycle transition on the actor.
func (act *Actor) action(ctx context.Context, verb string) error {
	_, err := soapPost(ctx, act.cli, act.url, act.class, act.inst, soapAction(verb))
	if err != nil {
		return xerrors.Errorf("could not send %s to %v: %w", verb, act, err)
	}
	return nil
}

// Parameter queries one exported parameter of the actor.
func (act *Actor) Parameter(ctx context.Context, name, typ string) (string, error) {
	return act.parameter(ctx, name, typ, scalarWindow)
}

func (act *Actor) parameter(ctx context.Context, name, typ string, window int) (string, error) {
	reply, err := soapPost(ctx, act.cli, act.url, act.class, act.inst, soapGet(act.class, name, typ))
	if err != nil {
		return "", xerrors.Errorf("could not query %s of %v: %w", name, act, err)
	}
	v, err := soapValue(reply, name, window)
	if err != nil {
		return "", xerrors.Errorf("could not query %s of %v: %w", name, act, err)
	}
	return v, nil
}

// SetParameter assigns one exported parameter of the actor.
func (act *Actor) SetParameter(ctx context.Context, name, typ, value string) error {
	_, err := soapPost(ctx, act.cli, act.url, act.class, act.inst, soapSet(act.class, name, typ, value))
	if err != nil {
		return xerrors.Errorf("could not set %s on %v: %w", name, act, err)
	}
	return nil
}

// State queries the current lifecycle state of the actor.
func (act *Actor) State(ctx context.Context) (fsm.StateKind, error) {
	v, err := act.Parameter(ctx, paramState, xsdString)
	if err != nil {
		return fsm.Unknown, err
	}
	return fsm.Parse(v), nil
}

// Configure commands the actor to configure itself.
func (act *Actor) Configure(ctx context.Context) error { return act.action(ctx, "Configure") }

// Enable commands the actor to start taking data.
func (act *Actor) Enable(ctx context.Context) error { return act.action(ctx, "Enable") }

// Halt commands the actor back to its halted state.
func (act *Actor) Halt(ctx context.Context) error { return act.action(ctx, "Halt") }

// RunNumber queries the actor's current run number.
func (act *Actor) RunNumber(ctx context.Context) (uint32, error) {
	v, err := act.Parameter(ctx, paramRunNumber, xsdUnsignedInt)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return 0, xerrors.Errorf("could not parse run number %q of %v: %w", v, act, err)
	}
	return uint32(n), nil
}

// SetRunNumber assigns the actor's run number.
func (act *Actor) SetRunNumber(ctx context.Context, run uint32) error {
	return act.SetParameter(ctx, paramRunNumber, xsdUnsignedInt, strconv.FormatUint(uint64(run), 10))
}

// CoincidenceWindow queries the event-building coincidence window.
func (act *Actor) CoincidenceWindow(ctx context.Context) (uint32, error) {
	v, err := act.Parameter(ctx, paramWindow, xsdUnsignedInt)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return 0, xerrors.Errorf("could not parse coincidence window %q of %v: %w", v, act, err)
	}
	return uint32(n), nil
}

// SetCoincidenceWindow assigns the event-building coincidence window.
func (act *Actor) SetCoincidenceWindow(ctx context.Context, window uint32) error {
	return act.SetParameter(ctx, paramWindow, xsdUnsignedInt, strconv.FormatUint(uint64(window), 10))
}

// SetMultiplicity assigns the event-building multiplicity threshold.
func (act *Actor) SetMultiplicity(ctx context.Context, mult uint32) error {
	return act.SetParameter(ctx, paramMult, xsdUnsignedInt, strconv.FormatUint(uint64(mult), 10))
}

// SetCycleCounter assigns the actor's acquisition cycle counter.
func (act *Actor) SetCycleCounter(ctx context.Context, n uint32) error {
	return act.SetParameter(ctx, paramCycles, xsdUnsignedInt, strconv.FormatUint(uint64(n), 10))
}

// SetFilePath assigns the directory the actor writes its output files to.
func (act *Actor) SetFilePath(ctx context.Context, path string) error {
	return act.SetParameter(ctx, paramFilePath, xsdString, path)
}

// SetFileSizeLimit assigns the output file size limit, in megabytes.
// A zero limit disables file splitting.
func (act *Actor) SetFileSizeLimit(ctx context.Context, mb uint64) error {
	return act.SetParameter(ctx, paramFileLimit, xsdUnsignedLong, strconv.FormatUint(mb, 10))
}

// SetFileEnable switches the actor's output file writing on or off.
func (act *Actor) SetFileEnable(ctx context.Context, on bool) error {
	v := "false"
	if on {
		v = "true"
	}
	return act.SetParameter(ctx, paramWriteFile, xsdBoolean, v)
}

// ConfigFile queries the path of the configuration file the actor was
// loaded with.
func (act *Actor) ConfigFile(ctx context.Context) (string, error) {
	return act.parameter(ctx, paramConfigFile, xsdString, pathWindow)
}

// OutputBandwidth queries the actor's output bandwidth, in MB/s.
func (act *Actor) OutputBandwidth(ctx context.Context) (float64, error) {
	return act.bandwidth(ctx, paramOutputBW)
}

// InputBandwidth queries the actor's input bandwidth, in MB/s.
func (act *Actor) InputBandwidth(ctx context.Context) (float64, error) {
	return act.bandwidth(ctx, paramInputBW)
}

// FileBandwidth queries the actor's file-writing bandwidth, in MB/s.
func (act *Actor) FileBandwidth(ctx context.Context) (float64, error) {
	return act.bandwidth(ctx, paramFileBW)
}

func (act *Actor) bandwidth(ctx context.Context, name string) (float64, error) {
	v, err := act.Parameter(ctx, name, xsdString)
	if err != nil {
		return 0, err
	}
	bw, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, xerrors.Errorf("could not parse %s %q of %v: %w", name, v, act, err)
	}
	return bw, nil
}
