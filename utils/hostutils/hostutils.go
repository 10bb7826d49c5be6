// Package hostutils contains helpers for working with host:port addresses
// as reported by replica set members.  Addresses are compared without
// regard to case since members report them the way they were configured.
package hostutils

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Key returns the canonical form of an address used for map keys.
func Key(addr string) string {
	return strings.ToLower(addr)
}

// Equal reports whether two addresses refer to the same member.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Index returns the position of addr in list, or -1.
func Index(list []string, addr string) int {
	for i, v := range list {
		if Equal(v, addr) {
			return i
		}
	}
	return -1
}

// Contains reports whether addr is present in list.
func Contains(list []string, addr string) bool {
	return Index(list, addr) >= 0
}

// Remove returns list without any entry equal to addr.
func Remove(list []string, addr string) []string {
	out := list[:0]
	for _, v := range list {
		if !Equal(v, addr) {
			out = append(out, v)
		}
	}
	return out
}

// RemoveDuplicates removes any duplicate entries from a list, keeping the
// first spelling seen for each address.
func RemoveDuplicates(in []string) []string {
	dupMap := make(map[string]bool)
	var out []string
	for _, v := range in {
		key := Key(v)
		if _, ok := dupMap[key]; !ok {
			dupMap[key] = true
			out = append(out, v)
		}
	}
	return out
}

// SplitHostPort parses an address into its host and numeric port.  A missing
// port falls back to defaultPort.
func SplitHostPort(addr string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		if !strings.Contains(err.Error(), "missing port") {
			return "", 0, err
		}
		host = strings.Trim(addr, "[]")
		portStr = strconv.Itoa(defaultPort)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in address %q: %w", addr, err)
	}

	return host, port, nil
}

// JoinHostPort is the inverse of SplitHostPort.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
