// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSOAPEnvelopes(t *testing.T) {
	for _, tt := range []struct {
		name string
		msg  string
		want []string
	}{
		{
			name: "action",
			msg:  soapAction("Configure"),
			want: []string{
				`<xdaq:Configure xmlns:xdaq="urn:xdaq-soap:3.0"/>`,
			},
		},
		{
			name: "get",
			msg:  soapGet("ReadoutUnit", "stateName", "xsd:string"),
			want: []string{
				`<xdaq:ParameterGet xmlns:xdaq="urn:xdaq-soap:3.0">`,
				`<p:properties xmlns:p="urn:xdaq-application:ReadoutUnit" xsi:type="soapenc:Struct">`,
				`<p:stateName xsi:type="xsd:string"/>`,
			},
		},
		{
			name: "set",
			msg:  soapSet("ReadoutUnit", "runNumber", "xsd:unsignedInt", "42"),
			want: []string{
				`<xdaq:ParameterSet xmlns:xdaq="urn:xdaq-soap:3.0">`,
				`<p:runNumber xsi:type="xsd:unsignedInt">42</p:runNumber>`,
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasPrefix(tt.msg, soapHeader) {
				t.Fatalf("envelope does not open with the SOAP header:\n%s", tt.msg)
			}
			if !strings.HasSuffix(tt.msg, soapFooter) {
				t.Fatalf("envelope does not close with the SOAP footer:\n%s", tt.msg)
			}
			for _, want := range tt.want {
				if !strings.Contains(tt.msg, want) {
					t.Fatalf("envelope is missing %q:\n%s", want, tt.msg)
				}
			}
		})
	}
}

func TestSOAPValue(t *testing.T) {
	const reply = soapHeader +
		`<xdaq:ParameterGetResponse xmlns:xdaq="urn:xdaq-soap:3.0">` +
		`<p:properties xmlns:p="urn:xdaq-application:ReadoutUnit" xsi:type="soapenc:Struct">` +
		`<p:stateName xsi:type="soapenc:string">Running</p:stateName>` +
		`</p:properties>` +
		`</xdaq:ParameterGetResponse>` +
		soapFooter

	v, err := soapValue(reply, "stateName", scalarWindow)
	if err != nil {
		t.Fatalf("could not extract value: %+v", err)
	}
	if got, want := v, "Running"; got != want {
		t.Fatalf("invalid value.\ngot = %q\nwant= %q\n", got, want)
	}

	if _, err := soapValue(reply, "runNumber", scalarWindow); err == nil {
		t.Fatalf("expected an error for a missing parameter")
	}

	const path = "/home/xdaq/project/conf/LocalFilter.conf"
	long := strings.Replace(reply, ">Running</p:stateName>", ">"+path+"</p:stateName>", 1)

	if _, err := soapValue(long, "stateName", scalarWindow); err == nil {
		t.Fatalf("expected an error for a value beyond the scan window")
	}
	v, err = soapValue(long, "stateName", pathWindow)
	if err != nil {
		t.Fatalf("could not extract path value: %+v", err)
	}
	if got, want := v, path; got != want {
		t.Fatalf("invalid path value.\ngot = %q\nwant= %q\n", got, want)
	}

	// A close tag at the very beginning of the reply must not make the
	// backward scan run out of bounds.
	v, err = soapValue(">x</p:v>", "v", scalarWindow)
	if err != nil {
		t.Fatalf("could not extract head value: %+v", err)
	}
	if got, want := v, "x"; got != want {
		t.Fatalf("invalid head value.\ngot = %q\nwant= %q\n", got, want)
	}
}

func TestParseTarget(t *testing.T) {
	for _, tt := range []struct {
		header string
		class  string
		inst   int
		err    bool
	}{
		{header: "urn:xdaq-application:class=ReadoutUnit,instance=0", class: "ReadoutUnit", inst: 0},
		{header: "urn:xdaq-application:class=pt::atcp::PeerTransportATCP,instance=2", class: "pt::atcp::PeerTransportATCP", inst: 2},
		{header: `"urn:xdaq-application:class=LocalFilter,instance=1"`, class: "LocalFilter", inst: 1},
		{header: "urn:xdaq-application:instance=3,class=GlobalFilter", class: "GlobalFilter", inst: 3},
		{header: "urn:xdaq-application:instance=1", err: true},
		{header: "urn:xdaq-application:class=ReadoutUnit,instance=x", err: true},
		{header: "", err: true},
	} {
		t.Run(tt.header, func(t *testing.T) {
			class, inst, err := ParseTarget(tt.header)
			if tt.err {
				if err == nil {
					t.Fatalf("expected an error for %q", tt.header)
				}
				return
			}
			if err != nil {
				t.Fatalf("could not parse %q: %+v", tt.header, err)
			}
			if class != tt.class || inst != tt.inst {
				t.Fatalf("invalid target.\ngot = %s/%d\nwant= %s/%d\n", class, inst, tt.class, tt.inst)
			}
		})
	}
}

func TestSOAPPost(t *testing.T) {
	var (
		gotAction string
		gotCType  string
		gotCDesc  string
		gotBody   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		gotCType = r.Header.Get("Content-Type")
		gotCDesc = r.Header.Get("Content-Description")
		raw, _ := ioutil.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	reply, err := soapPost(context.Background(), srv.Client(), srv.URL, "ReadoutUnit", 1, soapAction("Halt"))
	if err != nil {
		t.Fatalf("could not post: %+v", err)
	}
	if got, want := reply, "ok"; got != want {
		t.Fatalf("invalid reply.\ngot = %q\nwant= %q\n", got, want)
	}
	if got, want := gotAction, "urn:xdaq-application:class=ReadoutUnit,instance=1"; got != want {
		t.Fatalf("invalid SOAPAction header.\ngot = %q\nwant= %q\n", got, want)
	}
	if got, want := gotCType, "text/xml"; got != want {
		t.Fatalf("invalid Content-Type header.\ngot = %q\nwant= %q\n", got, want)
	}
	if got, want := gotCDesc, "SOAP Message"; got != want {
		t.Fatalf("invalid Content-Description header.\ngot = %q\nwant= %q\n", got, want)
	}
	if got, want := gotBody, soapAction("Halt"); got != want {
		t.Fatalf("invalid request body.\ngot = %q\nwant= %q\n", got, want)
	}

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer fail.Close()

	if _, err := soapPost(context.Background(), fail.Client(), fail.URL, "ReadoutUnit", 0, soapAction("Halt")); err == nil {
		t.Fatalf("expected an error for a failing executive")
	}
}
