// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command webdaq-simfarm runs a farm of simulated XDAQ executives and
// writes the matching topology file, to exercise the run-control shell
// without a real acquisition farm.
package main // import "github.com/go-daq/webdaq/cmd/webdaq-simfarm"

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/go-daq/webdaq/flags"
	"github.com/go-daq/webdaq/log"
	"github.com/go-daq/webdaq/sim"
)

func main() {
	cmd := flags.NewSimFarm()
	msg := log.NewMsgStream(cmd.Name, cmd.Level, log.NopSync(os.Stdout))

	farm := sim.NewFarm(cmd, msg)
	err := farm.Start()
	if err != nil {
		log.Fatalf("could not start farm: %+v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	msg.Infof("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = farm.Stop(ctx)
	if err != nil {
		log.Fatalf("could not stop farm: %+v", err)
	}
}
