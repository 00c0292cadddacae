// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dgtz

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"golang.org/x/xerrors"
)

// Addresses of registers the control plane touches by name.
const (
	// RegFailureStatus latches board failures (PLL unlock, over
	// temperature).  Non-zero means the board needs attention.
	RegFailureStatus = 0x8178
	// RegBoardID carries the board identifier announced in the data
	// stream.
	RegBoardID = 0xEF08
)

// chanStride separates the per-channel copies of the registers below
// chanBound; the channel number is the offset divided by the stride.
const (
	chanBound  = 0x2000
	chanStride = 0x0100
)

// dppRegisters names the control registers dumped from a board.  The
// DPP-PHA and DPP-PSD firmwares expose the same control plane; they
// differ in the event payloads, not here.
var dppRegisters = map[uint32]string{
	0x1034: "Number of Events per Aggregate",
	0x1038: "Pre Trigger",
	0x1044: "Shaped Trigger Delay",
	0x1054: "RC-CR2 Smoothing Factor",
	0x1058: "Input Rise Time",
	0x105C: "Trapezoid Rise Time",
	0x1060: "Trapezoid Flat Top",
	0x1064: "Peaking Time",
	0x1068: "Decay Time",
	0x106C: "Trigger Threshold",
	0x1074: "Trigger Hold-Off Width",
	0x1078: "Peak Hold-Off",
	0x107C: "Baseline Hold-Off",
	0x1080: "DPP Algorithm Control",
	0x1084: "Shaped Trigger Width",
	0x1098: "DC Offset",
	0x10A0: "DPP Algorithm Control 2",
	0x10B8: "Trapezoid Baseline Offset",
	0x10C4: "Fine Gain",
	0x10D4: "Veto Width",
	0x8000: "Board Configuration",
	0x800C: "Aggregate Configuration",
	0x8020: "Record Length",
	0x8100: "Acquisition Control",
	0x810C: "Global Trigger Mask",
	0x8120: "Channel Enable Mask",
	0xEF08: "Board ID",
	0xEF1C: "Aggregate Number per BLT",
}

// Registers returns the dumpable control registers of the firmware
// family, or nil for an unknown family.
func (d DPP) Registers() map[uint32]string {
	switch d {
	case PHA, PSD:
		return dppRegisters
	}
	return nil
}

type dumpInfo struct {
	BoardName      string `json:"BoardName"`
	Model          string `json:"Model"`
	NbChannels     string `json:"NbChannels"`
	SerialNumber   string `json:"SerialNumber"`
	LinkNb         string `json:"LinkNb"`
	BoardNb        string `json:"BoardNb"`
	ConnectionType string `json:"ConnectionType"`
	Firmware       string `json:"Firmware"`
}

type dumpRegister struct {
	Name    string `json:"name"`
	Channel int    `json:"channel"`
	Address string `json:"address"`
	Value   string `json:"value"`
}

type dumpDoc struct {
	Info      dumpInfo                `json:"dgtzs"`
	Registers map[string]dumpRegister `json:"registers"`
}

// DumpConfig reads every control register of the board, plus the
// per-channel copies of the channel registers, and writes the JSON
// register document the readout software is seeded with.  Registers the
// board refuses to read are omitted from the document.  The Board ID
// entry is written from the board description rather than the hardware,
// so a fresh board dumps the identifier it was just assigned.
func DumpConfig(conn Conn, b Board, w io.Writer) error {
	regs := b.DPP.Registers()
	if regs == nil {
		return xerrors.Errorf("dgtz: unknown firmware %q of board %d", b.DPP, b.ID)
	}

	info, err := conn.Info()
	if err != nil {
		return xerrors.Errorf("could not inspect board %d: %w", b.ID, err)
	}

	doc := dumpDoc{
		Info: dumpInfo{
			BoardName:      info.Model,
			Model:          strconv.FormatUint(uint64(info.ModelCode), 10),
			NbChannels:     strconv.Itoa(info.Channels),
			SerialNumber:   strconv.FormatUint(uint64(info.SerialNumber), 10),
			LinkNb:         strconv.Itoa(b.LinkNum),
			BoardNb:        strconv.Itoa(b.ID),
			ConnectionType: strconv.Itoa(b.LinkType.Code()),
			Firmware:       info.ROCFirmware,
		},
		Registers: make(map[string]dumpRegister, len(regs)),
	}

	addrs := make([]uint32, 0, len(regs))
	for addr := range regs {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, addr := range addrs {
		name := regs[addr]
		if addr == RegBoardID {
			doc.set(addr, 0, name, uint32(b.ID))
			continue
		}
		v, err := conn.ReadRegister(addr)
		if err == nil {
			doc.set(addr, 0, name, v)
		}
		if addr >= chanBound {
			continue
		}
		for off := uint32(chanStride); off < uint32(info.Channels)*chanStride; off += chanStride {
			v, err := conn.ReadRegister(addr + off)
			if err != nil {
				continue
			}
			doc.set(addr+off, int(off/chanStride), name, v)
		}
	}

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return xerrors.Errorf("could not marshal register dump of board %d: %w", b.ID, err)
	}
	if _, err := w.Write(data); err != nil {
		return xerrors.Errorf("could not write register dump of board %d: %w", b.ID, err)
	}
	return nil
}

func (doc *dumpDoc) set(addr uint32, channel int, name string, v uint32) {
	doc.Registers[fmt.Sprintf("reg_%d", addr)] = dumpRegister{
		Name:    name,
		Channel: channel,
		Address: fmt.Sprintf("0x%04X", addr),
		Value:   fmt.Sprintf("0x%X", v),
	}
}

// WriteCalib seeds a calibration file with the identity calibration,
// one "offset gain" line per channel.
func WriteCalib(w io.Writer, channels int) error {
	for i := 0; i < channels; i++ {
		if _, err := io.WriteString(w, "0.0 1.0\n"); err != nil {
			return xerrors.Errorf("could not write calibration line %d: %w", i, err)
		}
	}
	return nil
}
