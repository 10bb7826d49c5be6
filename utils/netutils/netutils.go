/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package netutils

import (
	"net"

	"github.com/pkg/errors"
)

// probeAddress is never actually contacted, dialing udp only selects the
// route and therefore the local interface.
const probeAddress = "8.8.8.8:80"

func IsInAddrAny(addr string) bool {
	switch addr {
	case "", "0.0.0.0", "::", "[::]", "::/0":
		return true
	}
	return false
}

func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", probeAddress)
	if err != nil {
		return nil, errors.Wrap(err, "failed to determine outbound interface")
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// GetAdvertiseAddress returns the address this instance is published under.
// An explicit bind address is used as-is.
func GetAdvertiseAddress(bindAddress string) (string, error) {
	if !IsInAddrAny(bindAddress) {
		return bindAddress, nil
	}

	outboundIP, err := GetOutboundIP()
	if err != nil {
		return "", err
	}

	return outboundIP.String(), nil
}
