// Package netaddr resolves the local outbound IPv4 address and the subnet
// broadcast address used by the presence protocol.
package netaddr

import (
	"errors"
	"fmt"
	"net"
)

const (
	// routeTarget is never contacted; connecting a UDP socket only selects a route.
	routeTarget = "8.8.8.8:1"
	// LimitedBroadcast is used whenever the subnet broadcast cannot be derived.
	LimitedBroadcast = "255.255.255.255"
)

// ErrNoRoute reports that no outbound IPv4 route exists.
var ErrNoRoute = errors.New("netaddr: no outbound ipv4 route")

// Pair is the address couple a node announces and broadcasts on.
type Pair struct {
	Preferred string
	Broadcast string
}

// interfaceAddrs is replaced in tests.
var interfaceAddrs = net.InterfaceAddrs

// PreferredOutboundAddress returns the local IPv4 address the OS would use
// for traffic leaving the host.
func PreferredOutboundAddress() (string, error) {
	conn, err := net.Dial("udp4", routeTarget)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoRoute, err)
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP.To4() == nil || local.IP.IsUnspecified() {
		return "", ErrNoRoute
	}
	return local.IP.To4().String(), nil
}

// BroadcastAddressFor returns the broadcast address of the subnet ip lives
// on, or LimitedBroadcast when the owning interface cannot be determined.
func BroadcastAddressFor(ip string) string {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return LimitedBroadcast
	}

	addrs, err := interfaceAddrs()
	if err != nil {
		return LimitedBroadcast
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || !ipNet.IP.Equal(parsed) {
			continue
		}
		if bcast := Broadcast(parsed, ipNet.Mask); bcast != nil {
			return bcast.String()
		}
		return LimitedBroadcast
	}
	return LimitedBroadcast
}

// Broadcast computes (ip & mask) | ^mask. It returns nil for non-IPv4
// input or a mask that is not four bytes wide after normalization.
func Broadcast(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return nil
	}
	if ones, bits := mask.Size(); bits == 0 || ones == 0 {
		return nil
	}

	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = (ip4[i] & mask[i]) | ^mask[i]
	}
	return out
}

// Resolve returns the preferred address and its broadcast counterpart.
func Resolve() (Pair, error) {
	ip, err := PreferredOutboundAddress()
	if err != nil {
		return Pair{Broadcast: LimitedBroadcast}, err
	}
	return Pair{Preferred: ip, Broadcast: BroadcastAddressFor(ip)}, nil
}
