// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netinfo discovers the IPv4 settings of the host interface the
// BACnet/IP network port is reported against.
package netinfo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// ErrNoInterface is returned when no usable IPv4 interface exists.
var ErrNoInterface = errors.New("netinfo: no usable IPv4 interface")

const (
	defaultRoutePath      = "/proc/net/route"
	defaultResolvConfPath = "/etc/resolv.conf"
)

// Info holds the IPv4 settings of one interface. Unknown fields are nil.
type Info struct {
	Interface  string
	IP         net.IP
	SubnetMask net.IP
	Gateway    net.IP
	DNSServers []net.IP
}

// Collector gathers interface settings.
type Collector interface {
	Collect(ctx context.Context) (Info, error)
}

// Host reads the settings of the local machine.
type Host struct {
	// Interface restricts discovery to one interface name. Empty selects
	// the first usable one.
	Interface      string
	RoutePath      string
	ResolvConfPath string
}

// NewHost creates a host collector
func NewHost(iface string) *Host {
	return &Host{
		Interface:      iface,
		RoutePath:      defaultRoutePath,
		ResolvConfPath: defaultResolvConfPath,
	}
}

// Collect returns the address and mask of the selected interface, its
// default gateway and the resolver name servers. Gateway and DNS lookups are
// best effort and leave their fields empty on failure.
func (h *Host) Collect(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	info, err := h.selectInterface()
	if err != nil {
		return Info{}, err
	}

	if f, err := os.Open(h.RoutePath); err == nil {
		info.Gateway, _ = ParseDefaultGateway(f, info.Interface)
		f.Close()
	}

	if f, err := os.Open(h.ResolvConfPath); err == nil {
		info.DNSServers, _ = ParseNameServers(f)
		f.Close()
	}

	return info, nil
}

func (h *Host) selectInterface() (Info, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Info{}, fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if h.Interface != "" && iface.Name != h.Interface {
			continue
		}
		if h.Interface == "" && !usable(iface) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			return Info{
				Interface:  iface.Name,
				IP:         ipnet.IP.To4(),
				SubnetMask: maskToIPv4(ipnet.Mask),
			}, nil
		}
	}

	if h.Interface != "" {
		return Info{}, fmt.Errorf("%w: %s", ErrNoInterface, h.Interface)
	}
	return Info{}, ErrNoInterface
}

// usable skips loopback, down and container bridge interfaces.
func usable(iface net.Interface) bool {
	if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
		return false
	}
	for _, prefix := range []string{"veth", "docker", "br-", "cni", "flannel"} {
		if strings.HasPrefix(iface.Name, prefix) {
			return false
		}
	}
	return true
}

func maskToIPv4(mask net.IPMask) net.IP {
	switch len(mask) {
	case net.IPv4len:
		return net.IP(append([]byte(nil), mask...))
	case net.IPv6len:
		return net.IP(append([]byte(nil), mask[12:]...))
	}
	return nil
}

// ParseDefaultGateway reads a /proc/net/route table and returns the gateway
// of the default route, preferring routes bound to iface.
func ParseDefaultGateway(r io.Reader, iface string) (net.IP, error) {
	var fallback net.IP
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		gw, err := parseHexIPv4(fields[2])
		if err != nil {
			continue
		}
		if iface == "" || fields[0] == iface {
			return gw, nil
		}
		if fallback == nil {
			fallback = gw
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, errors.New("netinfo: no default route")
}

// parseHexIPv4 decodes the little-endian hex address format of procfs.
func parseHexIPv4(s string) (net.IP, error) {
	if len(s) != 8 {
		return nil, fmt.Errorf("netinfo: bad route address %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("netinfo: bad route address %q: %w", s, err)
	}
	return net.IPv4(byte(v), byte(v>>8), byte(v>>16), byte(v>>24)).To4(), nil
}

// ParseNameServers returns the IPv4 name servers of a resolv.conf file in
// file order.
func ParseNameServers(r io.Reader) ([]net.IP, error) {
	cfg, err := dns.ClientConfigFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse resolv.conf: %w", err)
	}
	servers := make([]net.IP, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if ip := net.ParseIP(s).To4(); ip != nil {
			servers = append(servers, ip)
		}
	}
	return servers, nil
}

// Static is a collector returning fixed settings.
type Static struct {
	Info Info
}

// Collect returns the fixed settings
func (s Static) Collect(ctx context.Context) (Info, error) {
	return s.Info, nil
}

// Override layers non-empty fields of Static over the Base collector. When
// Static names an address the Base failure is ignored.
type Override struct {
	Base   Collector
	Static Info
}

// Collect merges both sources
func (o Override) Collect(ctx context.Context) (Info, error) {
	var info Info
	var err error
	if o.Base != nil {
		info, err = o.Base.Collect(ctx)
	}
	if o.Static.Interface != "" {
		info.Interface = o.Static.Interface
	}
	if o.Static.IP != nil {
		info.IP = o.Static.IP.To4()
		err = nil
	}
	if o.Static.SubnetMask != nil {
		info.SubnetMask = o.Static.SubnetMask.To4()
	}
	if o.Static.Gateway != nil {
		info.Gateway = o.Static.Gateway.To4()
	}
	if len(o.Static.DNSServers) > 0 {
		info.DNSServers = make([]net.IP, 0, len(o.Static.DNSServers))
		for _, s := range o.Static.DNSServers {
			if ip := s.To4(); ip != nil {
				info.DNSServers = append(info.DNSServers, ip)
			}
		}
	}
	return info, err
}
