// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdaq // import "github.com/go-daq/webdaq"

import (
	"context"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/xerrors"
)

// soapNS is the SOAP namespace understood by XDAQ executives.
const soapNS = "urn:xdaq-soap:3.0"

// appURN prefixes the URN addressing one application within an executive.
const appURN = "urn:xdaq-application:"

const (
	soapHeader = `<SOAP-ENV:Envelope SOAP-ENV:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/" xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:SOAP-ENC="http://schemas.xmlsoap.org/soap/encoding/"><SOAP-ENV:Header></SOAP-ENV:Header><SOAP-ENV:Body>`
	soapFooter = `</SOAP-ENV:Body></SOAP-ENV:Envelope>`
)

// XSD type names of the parameters exported by XDAQ applications.
const (
	xsdString       = "xsd:string"
	xsdUnsignedInt  = "xsd:unsignedInt"
	xsdUnsignedLong = "xsd:unsignedLong"
	xsdBoolean      = "xsd:boolean"
)

// soapAction builds the envelope commanding a lifecycle transition
// (Configure, Enable or Halt).
func soapAction(action string) string {
	return soapHeader + `<xdaq:` + action + ` xmlns:xdaq="` + soapNS + `"/>` + soapFooter
}

// soapGet builds the envelope querying one exported parameter of an
// application of the given class.
func soapGet(class, name, typ string) string {
	return soapHeader +
		`<xdaq:ParameterGet xmlns:xdaq="` + soapNS + `">` +
		`<p:properties xmlns:p="` + appURN + class + `" xsi:type="soapenc:Struct">` +
		`<p:` + name + ` xsi:type="` + typ + `"/>` +
		`</p:properties>` +
		`</xdaq:ParameterGet>` +
		soapFooter
}

// soapSet builds the envelope assigning one exported parameter of an
// application of the given class.
func soapSet(class, name, typ, value string) string {
	return soapHeader +
		`<xdaq:ParameterSet xmlns:xdaq="` + soapNS + `">` +
		`<p:properties xmlns:p="` + appURN + class + `" xsi:type="soapenc:Struct">` +
		`<p:` + name + ` xsi:type="` + typ + `">` + value + `</p:` + name + `>` +
		`</p:properties>` +
		`</xdaq:ParameterSet>` +
		soapFooter
}

// soapValue extracts the value of the named parameter from a SOAP reply.
//
// XDAQ replies do not nest parameter elements, so the value is the text
// between the '>' closing the parameter's open tag and the matching close
// tag.  The open tag's attributes are bounded, so the backward scan for
// that '>' is limited to window bytes: 20 for scalar parameters, 60 for
// file paths.
func soapValue(reply, name string, window int) (string, error) {
	end := strings.Index(reply, "</p:"+name)
	if end < 0 {
		return "", xerrors.Errorf("webdaq: no %q parameter in SOAP reply", name)
	}
	lo := end - window
	if lo < 0 {
		lo = 0
	}
	beg := strings.LastIndex(reply[lo:end], ">")
	if beg < 0 {
		return "", xerrors.Errorf("webdaq: malformed %q parameter in SOAP reply", name)
	}
	return reply[lo+beg+1 : end], nil
}

// soapPost sends one SOAP message to the executive at url, addressed to the
// application identified by class and instance, and returns the raw reply.
func soapPost(ctx context.Context, cli *http.Client, url, class string, instance int, msg string) (string, error) {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(msg))
	if err != nil {
		return "", xerrors.Errorf("could not create SOAP request for %s: %w", url, err)
	}
	req.Header.Set("SOAPAction", appURN+"class="+class+",instance="+strconv.Itoa(instance))
	req.Header.Set("Content-Type", "text/xml")
	req.Header.Set("Content-Description", "SOAP Message")

	resp, err := ctxhttp.Do(ctx, cli, req)
	if err != nil {
		return "", xerrors.Errorf("could not send SOAP request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", xerrors.Errorf("could not read SOAP reply from %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Errorf("SOAP request to %s failed: %s", url, resp.Status)
	}
	return string(raw), nil
}

// ParseTarget parses the SOAPAction header value addressing one application
// within an executive, of the form "urn:xdaq-application:class=CLASS,instance=N".
// Servers standing in for XDAQ executives use it to route incoming commands.
func ParseTarget(header string) (class string, instance int, err error) {
	v := strings.TrimPrefix(strings.Trim(header, `"`), appURN)
	for _, tok := range strings.Split(v, ",") {
		switch {
		case strings.HasPrefix(tok, "class="):
			class = strings.TrimPrefix(tok, "class=")
		case strings.HasPrefix(tok, "instance="):
			instance, err = strconv.Atoi(strings.TrimPrefix(tok, "instance="))
			if err != nil {
				return "", 0, xerrors.Errorf("webdaq: invalid SOAPAction instance in %q: %w", header, err)
			}
		}
	}
	if class == "" {
		return "", 0, xerrors.Errorf("webdaq: no application class in SOAPAction %q", header)
	}
	return class, instance, nil
}
