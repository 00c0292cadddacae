// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-daq/webdaq/dgtz"
)

func TestStartTime(t *testing.T) {
	stamp := time.Date(2020, 3, 1, 12, 30, 45, 0, time.Local)

	buf, err := json.Marshal(StartTime{Time: stamp})
	if err != nil {
		t.Fatalf("could not encode start time: %+v", err)
	}
	if got, want := string(buf), `"2020-03-01 12:30:45"`; got != want {
		t.Fatalf("invalid start time.\ngot = %s\nwant= %s\n", got, want)
	}

	buf, err = json.Marshal(StartTime{})
	if err != nil {
		t.Fatalf("could not encode zero start time: %+v", err)
	}
	if got, want := string(buf), "null"; got != want {
		t.Fatalf("invalid zero start time.\ngot = %s\nwant= %s\n", got, want)
	}

	for _, tt := range []struct {
		raw  string
		want time.Time
	}{
		{"null", time.Time{}},
		{"0", time.Time{}}, // legacy documents
		{`"2020-03-01 12:30:45"`, stamp},
	} {
		var st StartTime
		if err := json.Unmarshal([]byte(tt.raw), &st); err != nil {
			t.Fatalf("could not decode %s: %+v", tt.raw, err)
		}
		if !st.Equal(tt.want) {
			t.Fatalf("invalid start time for %s.\ngot = %v\nwant= %v\n", tt.raw, st.Time, tt.want)
		}
	}

	var st StartTime
	if err := json.Unmarshal([]byte(`"yesterday"`), &st); err == nil {
		t.Fatalf("expected an error for a malformed stamp")
	}
}

func TestSettings(t *testing.T) {
	dir, err := ioutil.TempDir("", "webdaq-settings-")
	if err != nil {
		t.Fatalf("could not create temporary directory: %+v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "settings.json")
	set, err := loadSettings(path)
	if err != nil {
		t.Fatalf("could not load missing settings: %+v", err)
	}
	if set.Boards == nil || len(set.Boards) != 0 {
		t.Fatalf("invalid default boards: %#v", set.Boards)
	}
	if set.Running || set.Save || set.Run != 0 {
		t.Fatalf("invalid default settings: %#v", set)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default settings document not written: %+v", err)
	}

	// legacy documents carry a numeric start time and no boards key.
	legacy := `{"running": false, "start_time": 0, "run": 4, "save": true, "limit_size": false, "file_size_limit": 0}`
	if err := ioutil.WriteFile(path, []byte(legacy), 0644); err != nil {
		t.Fatalf("could not write settings: %+v", err)
	}
	set, err = loadSettings(path)
	if err != nil {
		t.Fatalf("could not load legacy settings: %+v", err)
	}
	if got, want := set.Run, uint32(4); got != want {
		t.Fatalf("invalid run number.\ngot = %d\nwant= %d\n", got, want)
	}
	if !set.Save || !set.StartTime.IsZero() || set.Boards == nil {
		t.Fatalf("invalid legacy settings: %#v", set)
	}

	// a document that does not parse is an error, never replaced.
	if err := ioutil.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatalf("could not write settings: %+v", err)
	}
	if _, err := loadSettings(path); err == nil {
		t.Fatalf("expected an error for a corrupt settings document")
	}

	want := RunSettings{
		Running:   true,
		StartTime: StartTime{Time: time.Date(2020, 3, 1, 12, 30, 45, 0, time.Local)},
		Run:       7,
		Save:      true,
		LimitSize: true,
		SizeLimit: 512,
		Boards: []dgtz.Board{
			{ID: 0, Name: "V1730", LinkType: dgtz.Optical, LinkNum: 0, VME: "0x32100000", DPP: dgtz.PHA, Channels: 16},
		},
	}
	if err := saveSettings(path, want); err != nil {
		t.Fatalf("could not save settings: %+v", err)
	}
	got, err := loadSettings(path)
	if err != nil {
		t.Fatalf("could not reload settings: %+v", err)
	}
	if !got.StartTime.Equal(want.StartTime.Time) {
		t.Fatalf("invalid start time.\ngot = %v\nwant= %v\n", got.StartTime, want.StartTime)
	}
	got.StartTime, want.StartTime = StartTime{}, StartTime{}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid settings round-trip.\ngot = %#v\nwant= %#v\n", got, want)
	}

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatalf("could not read settings: %+v", err)
	}
	if !bytes.HasSuffix(raw, []byte("}\n")) {
		t.Fatalf("settings document does not end in a newline:\n%s", raw)
	}
	if !bytes.Contains(raw, []byte(`    "run": 7`)) {
		t.Fatalf("settings document not indented:\n%s", raw)
	}
}
