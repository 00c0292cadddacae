// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package webdaq drives the run lifecycle of an XDAQ-based data
// acquisition system: topology bring-up, stage-wide state transitions
// over the XDAQ SOAP control protocol, digitizer board bookkeeping,
// and board health monitoring with automatic run recovery.
package webdaq // import "github.com/go-daq/webdaq"
