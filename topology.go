// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-daq/webdaq/fsm"
	"golang.org/x/xerrors"
)

// StageKind labels one stage of the event-building pipeline.
type StageKind uint8

const (
	Transport StageKind = iota
	ReadoutUnit
	LocalFilter
	BuilderUnit
	MergerUnit
	GlobalFilter
)

func (k StageKind) String() string {
	switch k {
	case Transport:
		return "PT"
	case ReadoutUnit:
		return "RU"
	case LocalFilter:
		return "LF"
	case BuilderUnit:
		return "BU"
	case MergerUnit:
		return "MU"
	case GlobalFilter:
		return "GF"
	}
	panic(fmt.Errorf("webdaq: invalid StageKind value %d", int(k)))
}

// stageOf maps an XDAQ application class to its pipeline stage.
func stageOf(class string) (StageKind, bool) {
	switch {
	case strings.Contains(class, "pt::atcp"):
		return Transport, true
	case strings.Contains(class, "ReadoutUnit"):
		return ReadoutUnit, true
	case strings.Contains(class, "LocalFilter"):
		return LocalFilter, true
	case strings.Contains(class, "rubuilder::bu"):
		return BuilderUnit, true
	case strings.Contains(class, "rubuilder::merger"):
		return MergerUnit, true
	case strings.Contains(class, "GlobalFilter"):
		return GlobalFilter, true
	}
	return 0, false
}

// pipeline is the fan-out order for configure and halt.
// Enabling walks it backwards so consumers come up before producers.
var pipeline = [...]StageKind{ReadoutUnit, LocalFilter, BuilderUnit, MergerUnit, GlobalFilter}

// Stage is one rung of the pipeline: all actors of a kind, sorted by
// instance number.
type Stage struct {
	Kind   StageKind
	Actors []*Actor
}

// Topology is the set of actors described by a partition file, grouped
// into pipeline stages.  It is immutable once loaded; reloading a
// changed partition file means building a new Topology.
type Topology struct {
	name   string
	pt     []*Actor
	stages []Stage
	counts map[StageKind]int
	hosts  []string
}

// LoadTopology reads and parses the partition file at the given path.
func LoadTopology(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("could not open topology file: %w", err)
	}
	defer f.Close()

	topo, err := ParseTopology(f)
	if err != nil {
		return nil, xerrors.Errorf("could not parse topology file %q: %w", path, err)
	}
	topo.name = path
	return topo, nil
}

// ParseTopology parses an XDAQ partition description.  Contexts carry
// the executive URL, applications within them are assigned to stages by
// class-name matching, and i2o targets are tallied per stage.
func ParseTopology(r io.Reader) (*Topology, error) {
	var (
		topo = &Topology{counts: make(map[StageKind]int)}
		grp  = make(map[StageKind][]*Actor)
		dec  = xml.NewDecoder(r)
		url  string
		seen = make(map[string]bool)
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("could not decode XML: %w", err)
		}
		ele, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch ele.Name.Local {
		case "Context":
			url = xmlAttr(ele, "url")

		case "Application":
			class := xmlAttr(ele, "class")
			kind, ok := stageOf(class)
			if !ok {
				continue
			}
			inst, err := strconv.Atoi(xmlAttr(ele, "instance"))
			if err != nil {
				return nil, xerrors.Errorf("could not parse instance of %q: %w", class, err)
			}
			id, err := strconv.Atoi(xmlAttr(ele, "id"))
			if err != nil {
				return nil, xerrors.Errorf("could not parse id of %q: %w", class, err)
			}
			act, err := NewActor(url, class, inst, id)
			if err != nil {
				return nil, err
			}
			if kind == Transport {
				topo.pt = append(topo.pt, act)
				continue
			}
			grp[kind] = append(grp[kind], act)
			if kind == LocalFilter && !seen[act.Host()] {
				seen[act.Host()] = true
				topo.hosts = append(topo.hosts, act.Host())
			}

		case "target":
			if kind, ok := stageOf(xmlAttr(ele, "class")); ok {
				topo.counts[kind]++
			}
		}
	}

	sortByInstance(topo.pt)
	for _, kind := range pipeline {
		acts := grp[kind]
		if len(acts) == 0 {
			continue
		}
		sortByInstance(acts)
		topo.stages = append(topo.stages, Stage{Kind: kind, Actors: acts})
	}
	return topo, nil
}

func xmlAttr(ele xml.StartElement, name string) string {
	for _, attr := range ele.Attr {
		if attr.Name.Local == name {
			return attr.Value
		}
	}
	return ""
}

func sortByInstance(acts []*Actor) {
	sort.SliceStable(acts, func(i, j int) bool {
		return acts[i].inst < acts[j].inst
	})
}

// Name returns the path of the partition file the topology was loaded
// from, if any.
func (topo *Topology) Name() string { return topo.name }

// Transport returns the peer-transport actors, sorted by instance.
func (topo *Topology) Transport() []*Actor { return topo.pt }

// Stages returns the non-empty pipeline stages in forward order
// (readout units first, global filters last).
func (topo *Topology) Stages() []Stage { return topo.stages }

// Stage returns the actors of the given pipeline stage, or nil if the
// topology has none of that kind.
func (topo *Topology) Stage(kind StageKind) []*Actor {
	if kind == Transport {
		return topo.pt
	}
	for _, stage := range topo.stages {
		if stage.Kind == kind {
			return stage.Actors
		}
	}
	return nil
}

// Actors returns every pipeline actor in forward stage order.
// Transport actors are not included.
func (topo *Topology) Actors() []*Actor {
	var acts []*Actor
	for _, stage := range topo.stages {
		acts = append(acts, stage.Actors...)
	}
	return acts
}

// TargetCount returns the number of i2o message targets declared for
// the given stage.
func (topo *Topology) TargetCount(kind StageKind) int { return topo.counts[kind] }

// FilterHosts returns the hosts running local filters, in the order
// they appear in the partition file, without duplicates.
func (topo *Topology) FilterHosts() []string { return topo.hosts }

// DAQState aggregates the per-actor states into one coarse DAQ state.
// Transport actors are inspected first: a halted transport means the
// DAQ is down, an enabled one means at least initialized.  The readout
// units then refine that: configured or running readout wins over a
// merely enabled transport.  Later actors override earlier ones.
func (topo *Topology) DAQState(ctx context.Context) (fsm.DAQState, error) {
	daq := fsm.DAQUnknown
	for _, act := range topo.pt {
		state, err := act.State(ctx)
		if err != nil {
			return fsm.DAQUnknown, err
		}
		switch state {
		case fsm.Halted:
			daq = fsm.DAQUnknown
		case fsm.Enabled:
			daq = fsm.DAQInitialized
			for _, ru := range topo.Stage(ReadoutUnit) {
				state, err := ru.State(ctx)
				if err != nil {
					return fsm.DAQUnknown, err
				}
				switch state {
				case fsm.Configured:
					daq = fsm.DAQConfigured
				case fsm.Running:
					daq = fsm.DAQRunning
				case fsm.Halted:
					daq = fsm.DAQInitialized
				}
			}
		}
	}
	return daq, nil
}

// Describe writes a human-readable summary of the topology to w.
func (topo *Topology) Describe(w io.Writer) {
	fmt.Fprintf(w, "=== topology %q ===\n", topo.name)
	fmt.Fprintf(w, "transport actors:     %d\n", len(topo.pt))
	for _, kind := range pipeline {
		fmt.Fprintf(w, "%v actors: %d (i2o targets: %d)\n", kind, len(topo.Stage(kind)), topo.counts[kind])
	}
	for _, stage := range topo.stages {
		for _, act := range stage.Actors {
			fmt.Fprintf(w, " %v %s\n", act, act.InfoURL())
		}
	}
}
