// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim provides simulated XDAQ executives and simulated
// digitizer hardware, so the control plane can be exercised without a
// real acquisition farm.
package sim // import "github.com/go-daq/webdaq/sim"

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-daq/webdaq"
	"github.com/go-daq/webdaq/log"
	"golang.org/x/exp/rand"
	"golang.org/x/xerrors"
)

// Envelope scaffolding of XDAQ SOAP messages, as the executives emit it.
const (
	soapNS     = "urn:xdaq-soap:3.0"
	appURN     = "urn:xdaq-application:"
	soapHeader = `<SOAP-ENV:Envelope SOAP-ENV:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/" xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:SOAP-ENC="http://schemas.xmlsoap.org/soap/encoding/"><SOAP-ENV:Header></SOAP-ENV:Header><SOAP-ENV:Body>`
	soapFooter = `</SOAP-ENV:Body></SOAP-ENV:Envelope>`
)

// App is one simulated XDAQ application: the lifecycle state machine
// and parameter table of its production counterpart.  Its behavior can
// be scripted at any time through SetLatency, SetStick and SetReject.
type App struct {
	Class    string
	Instance int
	ID       int

	mu      sync.Mutex
	state   string
	params  map[string]string
	rnd     *rand.Rand
	latency time.Duration
	stick   bool
	reject  bool
}

// NewApp creates a halted application of the given class.
func NewApp(class string, instance, id int) *App {
	return &App{
		Class:    class,
		Instance: instance,
		ID:       id,
		state:    "Halted",
		params: map[string]string{
			"runNumber":              "0",
			"merge_window":           "200",
			"multiplicity":           "1",
			"cycleCounter":           "0",
			"outputFileSizeLimit_MB": "0",
			"writeDataFile":          "false",
			"outputFilepath":         "",
			"configFilepath":         "",
		},
		rnd: rand.New(rand.NewSource(uint64(id)*2654435761 + 1)),
	}
}

// State returns the current lifecycle state name.
func (app *App) State() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.state
}

// SetState forces the lifecycle state.
func (app *App) SetState(state string) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.state = state
}

// Param returns the value of the named parameter, or "" if the
// application does not export it.
func (app *App) Param(name string) string {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.params[name]
}

// SetParam assigns, or creates, the named parameter.
func (app *App) SetParam(name, value string) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.params[name] = value
}

// SetLatency sets the delay between a commanded transition and the
// state landing.
func (app *App) SetLatency(d time.Duration) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.latency = d
}

// SetStick makes the application accept transitions without ever
// completing them, or behave again.
func (app *App) SetStick(on bool) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.stick = on
}

// SetReject makes the application refuse transitions with an error,
// or accept them again.
func (app *App) SetReject(on bool) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.reject = on
}

// transport reports whether the application is a peer-transport one.
// Transport applications go Halted-Ready-Enabled; pipeline ones go
// Halted-Configured-Running.
func (app *App) transport() bool {
	return strings.Contains(app.Class, "pt::atcp")
}

// next returns the state the given command leads to.
func (app *App) next(verb string) (string, error) {
	switch verb {
	case "Configure":
		if app.transport() {
			return "Ready", nil
		}
		return "Configured", nil
	case "Enable":
		if app.transport() {
			return "Enabled", nil
		}
		return "Running", nil
	case "Halt":
		return "Halted", nil
	}
	return "", xerrors.Errorf("sim: unknown command %q", verb)
}

// apply commands a lifecycle transition.  The command is acknowledged
// right away; the state lands after the configured latency.
func (app *App) apply(verb string) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.reject {
		return xerrors.Errorf("sim: %s/%d refuses %s", app.Class, app.Instance, verb)
	}
	next, err := app.next(verb)
	if err != nil {
		return err
	}
	switch {
	case app.stick:
		// commanded but never lands
	case app.latency <= 0:
		app.state = next
	default:
		time.AfterFunc(app.latency, func() {
			app.mu.Lock()
			app.state = next
			app.mu.Unlock()
		})
	}
	return nil
}

// get answers a ParameterGet.  The state name and the bandwidth
// figures are computed, everything else comes from the table.
func (app *App) get(name string) (string, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	switch name {
	case "stateName":
		return app.state, nil
	case "outputBandw", "inputBandw", "fileBandw":
		return app.rate(name), nil
	}
	v, ok := app.params[name]
	if !ok {
		return "", xerrors.Errorf("sim: %s/%d has no parameter %q", app.Class, app.Instance, name)
	}
	return v, nil
}

// rate fabricates a bandwidth figure: zero while idle, a jittered
// nominal value while running.  Callers hold app.mu.
func (app *App) rate(name string) string {
	if app.state != "Running" {
		return "0.0"
	}
	nominal := 40.0
	if name == "fileBandw" {
		if app.params["writeDataFile"] != "true" {
			return "0.0"
		}
		nominal = 25.0
	}
	v := nominal + 5*app.rnd.NormFloat64()
	if v < 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// set answers a ParameterSet.  Unknown parameters are refused, as the
// production executives refuse them.
func (app *App) set(name, value string) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if name == "stateName" {
		return xerrors.Errorf("sim: parameter stateName is read-only")
	}
	if _, ok := app.params[name]; !ok {
		return xerrors.Errorf("sim: %s/%d has no parameter %q", app.Class, app.Instance, name)
	}
	app.params[name] = value
	return nil
}

// Server simulates one XDAQ executive: an HTTP endpoint hosting a set
// of applications, routing SOAP commands to them by the SOAPAction
// header.
type Server struct {
	msg log.MsgStream

	mu   sync.Mutex
	apps map[string]*App
	lis  net.Listener
	srv  *http.Server
}

// NewServer creates an executive with no applications.
func NewServer(msg log.MsgStream) *Server {
	return &Server{msg: msg, apps: make(map[string]*App)}
}

// Host adds an application to the executive.
func (srv *Server) Host(app *App) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.apps[appKey(app.Class, app.Instance)] = app
}

func appKey(class string, instance int) string {
	return class + "/" + strconv.Itoa(instance)
}

// Start listens on addr and serves until Stop.  An addr of "host:0"
// picks an ephemeral port; URL reports the resulting address.
func (srv *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return xerrors.Errorf("sim: could not listen on %s: %w", addr, err)
	}
	srv.mu.Lock()
	srv.lis = lis
	srv.srv = &http.Server{Handler: srv}
	srv.mu.Unlock()

	go func() {
		err := srv.srv.Serve(lis)
		if err != nil && err != http.ErrServerClosed {
			srv.msg.Errorf("sim: executive stopped: %+v", err)
		}
	}()
	return nil
}

// URL returns the executive URL actors should address.
func (srv *Server) URL() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.lis == nil {
		return ""
	}
	return "http://" + srv.lis.Addr().String()
}

// Stop shuts the executive down, waiting for in-flight requests.
func (srv *Server) Stop(ctx context.Context) error {
	srv.mu.Lock()
	hsrv := srv.srv
	srv.mu.Unlock()
	if hsrv == nil {
		return nil
	}
	return hsrv.Shutdown(ctx)
}

func (srv *Server) app(class string, instance int) (*App, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	app, ok := srv.apps[appKey(class, instance)]
	return app, ok
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	class, inst, err := webdaq.ParseTarget(r.Header.Get("SOAPAction"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	app, ok := srv.app(class, inst)
	if !ok {
		http.Error(w, fmt.Sprintf("no application %s/%d", class, inst), http.StatusNotFound)
		return
	}
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := dispatch(app, string(body))
	if err != nil {
		srv.msg.Debugf("sim: %s/%d: %+v", class, inst, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	io.WriteString(w, reply)
}

// dispatch parses one SOAP envelope and applies it to app.
func dispatch(app *App, body string) (string, error) {
	verb, err := soapVerb(body)
	if err != nil {
		return "", err
	}
	switch verb {
	case "ParameterGet":
		name, _, err := soapParam(body)
		if err != nil {
			return "", err
		}
		v, err := app.get(name)
		if err != nil {
			return "", err
		}
		return soapReply(app.Class, verb, name, v), nil

	case "ParameterSet":
		name, value, err := soapParam(body)
		if err != nil {
			return "", err
		}
		if err := app.set(name, value); err != nil {
			return "", err
		}
		return soapReply(app.Class, verb, name, value), nil

	default:
		if err := app.apply(verb); err != nil {
			return "", err
		}
		return soapAck(verb), nil
	}
}

// soapVerb extracts the xdaq command of an incoming envelope.
func soapVerb(body string) (string, error) {
	i := strings.Index(body, "<xdaq:")
	if i < 0 {
		return "", xerrors.Errorf("sim: no xdaq command in envelope")
	}
	rest := body[i+len("<xdaq:"):]
	j := strings.IndexAny(rest, " />")
	if j < 0 {
		return "", xerrors.Errorf("sim: malformed xdaq command")
	}
	return rest[:j], nil
}

// soapParam extracts the parameter name and value of a ParameterGet or
// ParameterSet envelope.  Get envelopes carry a self-closing parameter
// tag and yield an empty value.
func soapParam(body string) (name, value string, err error) {
	i := strings.Index(body, "<p:properties")
	if i < 0 {
		return "", "", xerrors.Errorf("sim: no properties in envelope")
	}
	rest := body[i:]
	j := strings.Index(rest, ">")
	if j < 0 {
		return "", "", xerrors.Errorf("sim: malformed properties")
	}
	rest = rest[j+1:]
	if !strings.HasPrefix(rest, "<p:") {
		return "", "", xerrors.Errorf("sim: no parameter in envelope")
	}
	rest = rest[len("<p:"):]
	k := strings.IndexAny(rest, " />")
	if k < 0 {
		return "", "", xerrors.Errorf("sim: malformed parameter")
	}
	name = rest[:k]

	end := strings.Index(rest, "</p:"+name+">")
	if end < 0 {
		return name, "", nil
	}
	gt := strings.LastIndex(rest[:end], ">")
	if gt < 0 {
		return "", "", xerrors.Errorf("sim: malformed parameter %q", name)
	}
	return name, rest[gt+1 : end], nil
}

// soapReply builds the response envelope echoing one parameter.
func soapReply(class, verb, name, value string) string {
	return soapHeader +
		`<xdaq:` + verb + `Response xmlns:xdaq="` + soapNS + `">` +
		`<p:properties xmlns:p="` + appURN + class + `" xsi:type="soapenc:Struct">` +
		`<p:` + name + ` xsi:type="soapenc:string">` + value + `</p:` + name + `>` +
		`</p:properties>` +
		`</xdaq:` + verb + `Response>` +
		soapFooter
}

// soapAck builds the response envelope acknowledging a transition.
func soapAck(verb string) string {
	return soapHeader +
		`<xdaq:` + verb + `Response xmlns:xdaq="` + soapNS + `"/>` +
		soapFooter
}
