// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/go-daq/webdaq/dgtz"
	"golang.org/x/xerrors"
)

// WriteRUConf writes the readout-unit configuration: one Board line per
// digitizer with its link coordinates, and one BoardConf line pointing
// at the register dump under confDir, as seen from the readout hosts.
func WriteRUConf(w io.Writer, boards []dgtz.Board, confDir string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "NumberOfBoards %d\n\n", len(boards))
	for _, b := range boards {
		fmt.Fprintf(bw, "Board %s %d %s %d %d %d\n", b.Name, b.ID, b.VME, b.LinkType.ReadoutCode(), b.LinkNum, b.ID)
		fmt.Fprintf(bw, "BoardConf %d %s/%s.json\n", b.ID, confDir, b.FileStem())
	}
	if err := bw.Flush(); err != nil {
		return xerrors.Errorf("could not write readout configuration: %w", err)
	}
	return nil
}

// WriteLFConf writes the local-filter configuration: spectrum prefixes
// and board timing lines, closed by the graphite endpoint the filters
// publish their rates to.
func WriteLFConf(w io.Writer, boards []dgtz.Board) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "SaveDataDir .\n\n")
	for _, b := range boards {
		ts, sampling := lfTiming(b.Name)
		fmt.Fprintf(bw, "SpecPrefix %d %s\n", b.ID, b.Name)
		fmt.Fprintf(bw, "Board %d %s %s %d 0 %d %d\n", b.ID, b.Name, b.DPP.ConfName(), b.Channels, ts, sampling)
	}
	fmt.Fprintf(bw, "GraphiteServer graphite 2003\n")
	if err := bw.Flush(); err != nil {
		return xerrors.Errorf("could not write filter configuration: %w", err)
	}
	return nil
}

// lfTiming returns the timestamp and sampling scale factors of a board
// model, in ns per clock tick.
func lfTiming(model string) (ts, sampling int) {
	switch {
	case strings.Contains(model, "DT5781"), strings.Contains(model, "V1724"):
		return 10, 10
	case strings.Contains(model, "V1730"):
		return 2, 2
	case strings.Contains(model, "V1725"):
		return 4, 4
	}
	return 1, 1
}

// builderMask is the fixed input mask the builder units expect.
const builderMask = "0111_1110_0000_0000"

// WriteBUConf writes the builder-unit configuration.
func WriteBUConf(w io.Writer) error {
	if _, err := io.WriteString(w, builderMask); err != nil {
		return xerrors.Errorf("could not write builder configuration: %w", err)
	}
	return nil
}
