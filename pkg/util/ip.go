package util

import (
	"net"
	"strings"
)

// IsValidIPv4 checks if a string is a valid IPv4 address
func IsValidIPv4(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	return ip != nil && ip.To4() != nil
}

// IsValidIPv4CIDR checks if a string is a valid IPv4 CIDR notation
func IsValidIPv4CIDR(cidr string) bool {
	_, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	parts := strings.Split(cidr, "/")
	ip := net.ParseIP(parts[0])
	return ip != nil && ip.To4() != nil
}

// IsValidAddress accepts either a bare IPv4 address or IPv4 CIDR notation.
// Device registry addresses may carry a mask when a node sits behind a
// routed segment; traffic filters match either form.
func IsValidAddress(addr string) bool {
	if strings.Contains(addr, "/") {
		return IsValidIPv4CIDR(addr)
	}
	return IsValidIPv4(addr)
}
