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

// Package registry holds the model served by the BACnet engine: the main
// device, its IPv4 network port, the virtual networks and their devices.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/edgeo-scada/bacnet-vdevices/bacnet"
	"github.com/edgeo-scada/bacnet-vdevices/internal/netinfo"
)

// ErrInvalidConfig wraps every configuration rejected by Initialize.
var ErrInvalidConfig = errors.New("registry: invalid configuration")

// Config describes the model to build.
type Config struct {
	DeviceInstance    uint32
	DeviceName        string
	DeviceDescription string

	NetworkPortInstance uint32
	NetworkPortName     string
	UDPPort             uint16

	NetworkCount      int
	NetworkStart      uint16
	NetworkOffset     uint16
	DevicesPerNetwork int
	DeviceStart       uint32
}

// DefaultConfig returns the stock container layout: three virtual networks
// of ten devices each behind device 389999.
func DefaultConfig() Config {
	return Config{
		DeviceInstance:      389999,
		DeviceName:          "Virtual Devices Container",
		DeviceDescription:   "Chipkin test BACnet IP Virtual Devices Server device",
		NetworkPortInstance: 1,
		NetworkPortName:     "Network Port for Ipv4",
		UDPPort:             bacnet.DefaultPort,
		NetworkCount:        3,
		NetworkStart:        1000,
		NetworkOffset:       1000,
		DevicesPerNetwork:   10,
		DeviceStart:         100000,
	}
}

// MainDevice is the device hosted on the local network.
type MainDevice struct {
	Instance     uint32
	ObjectName   string
	Description  string
	SystemStatus bacnet.DeviceStatus
}

// NetworkPort is the IPv4 network-port object of the main device. Address
// fields are four octets, or empty when unknown.
type NetworkPort struct {
	Instance         uint32
	ObjectName       string
	UDPPort          uint16
	IPAddress        []byte
	IPDefaultGateway []byte
	IPSubnetMask     []byte
	IPDNSServers     [][]byte
	BroadcastAddress []byte
}

// VirtualNetwork is a routed network number and the devices behind it.
type VirtualNetwork struct {
	Number       uint16
	PortInstance uint32
	Devices      []*VirtualDevice
}

// VirtualDevice is one routed device.
type VirtualDevice struct {
	Instance     uint32
	Network      uint16
	ObjectName   string
	Description  string
	SystemStatus bacnet.DeviceStatus
}

// AnalogInput is the single analog input of a virtual device.
type AnalogInput struct {
	Instance     uint32
	ObjectName   string
	PresentValue float32
	Reliability  bacnet.Reliability
}

// PortKind tells which network-port object an instance refers to.
type PortKind uint8

const (
	PortUnknown PortKind = iota
	PortMain
	PortVirtualNetwork
	PortVirtualDevice
)

func (k PortKind) String() string {
	switch k {
	case PortMain:
		return "main"
	case PortVirtualNetwork:
		return "virtual-network"
	case PortVirtualDevice:
		return "virtual-device"
	}
	return "unknown"
}

// PortRef identifies a network-port object.
type PortRef struct {
	Kind    PortKind
	Network uint16
	Device  uint32
}

// Registry owns the model. It is built once at startup and read from the
// engine loop only.
type Registry struct {
	collector netinfo.Collector
	logger    *slog.Logger
	colors    colorWheel
	ticks     uint64

	main         MainDevice
	port         NetworkPort
	networks     []*VirtualNetwork
	devices      map[uint32]*VirtualDevice
	analogInputs map[uint32]*AnalogInput
	portNetworks map[uint32]uint16
}

// New creates an empty registry. A nil collector leaves the network port
// addresses unknown.
func New(collector netinfo.Collector, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		collector:    collector,
		logger:       logger,
		devices:      make(map[uint32]*VirtualDevice),
		analogInputs: make(map[uint32]*AnalogInput),
		portNetworks: make(map[uint32]uint16),
	}
}

// Initialize builds the whole model from cfg, replacing any previous one.
// On error the previous model is kept.
func (r *Registry) Initialize(ctx context.Context, cfg Config) error {
	layout, err := planLayout(cfg)
	if err != nil {
		return err
	}

	main := MainDevice{
		Instance:     cfg.DeviceInstance,
		ObjectName:   cfg.DeviceName,
		Description:  cfg.DeviceDescription,
		SystemStatus: bacnet.DeviceStatusOperational,
	}

	port := NetworkPort{
		Instance:   cfg.NetworkPortInstance,
		ObjectName: cfg.NetworkPortName,
		UDPPort:    cfg.UDPPort,
	}
	r.populatePort(ctx, &port)

	networks := make([]*VirtualNetwork, 0, len(layout))
	devices := make(map[uint32]*VirtualDevice, len(layout)*cfg.DevicesPerNetwork)
	analogInputs := make(map[uint32]*AnalogInput, len(layout)*cfg.DevicesPerNetwork)
	portNetworks := make(map[uint32]uint16, len(layout))

	for netIdx, plan := range layout {
		vn := &VirtualNetwork{
			Number:       plan.number,
			PortInstance: plan.portInstance,
			Devices:      make([]*VirtualDevice, 0, len(plan.devices)),
		}
		for devIdx, instance := range plan.devices {
			color := r.colors.next()
			dev := &VirtualDevice{
				Instance:     instance,
				Network:      plan.number,
				ObjectName:   "Virtual Device " + color,
				Description:  "Example virtual device",
				SystemStatus: bacnet.DeviceStatusOperational,
			}
			vn.Devices = append(vn.Devices, dev)
			devices[instance] = dev
			analogInputs[instance] = &AnalogInput{
				Instance:     1,
				ObjectName:   "Analog Input " + color,
				PresentValue: float32(netIdx*100 + devIdx + 1),
				Reliability:  bacnet.ReliabilityNoFaultDetected,
			}
		}
		networks = append(networks, vn)
		portNetworks[plan.portInstance] = plan.number
	}

	r.main = main
	r.port = port
	r.networks = networks
	r.devices = devices
	r.analogInputs = analogInputs
	r.portNetworks = portNetworks

	r.logger.Info("registry initialized",
		slog.Uint64("device", uint64(main.Instance)),
		slog.Int("networks", len(networks)),
		slog.Int("virtual_devices", len(devices)),
		slog.String("ip", net.IP(port.IPAddress).String()))
	return nil
}

type networkPlan struct {
	number       uint16
	portInstance uint32
	devices      []uint32
}

// planLayout computes network numbers, port instances and device instances
// and rejects layouts that collide or leave the 22-bit instance range.
func planLayout(cfg Config) ([]networkPlan, error) {
	switch {
	case cfg.DeviceInstance > bacnet.MaxInstance:
		return nil, fmt.Errorf("%w: device instance %d exceeds %d", ErrInvalidConfig, cfg.DeviceInstance, bacnet.MaxInstance)
	case cfg.NetworkPortInstance > bacnet.MaxInstance:
		return nil, fmt.Errorf("%w: network port instance %d exceeds %d", ErrInvalidConfig, cfg.NetworkPortInstance, bacnet.MaxInstance)
	case cfg.NetworkCount < 0 || cfg.DevicesPerNetwork < 0:
		return nil, fmt.Errorf("%w: negative network or device count", ErrInvalidConfig)
	case cfg.NetworkCount > 1 && cfg.NetworkOffset == 0:
		return nil, fmt.Errorf("%w: network offset must be positive", ErrInvalidConfig)
	}

	seen := map[uint32]string{cfg.DeviceInstance: "main device"}
	ports := map[uint32]bool{cfg.NetworkPortInstance: true}
	plans := make([]networkPlan, 0, cfg.NetworkCount)

	for n := 0; n < cfg.NetworkCount; n++ {
		number := uint64(cfg.NetworkStart) + uint64(n)*uint64(cfg.NetworkOffset)
		if number == 0 || number >= bacnet.GlobalBroadcastNetwork {
			return nil, fmt.Errorf("%w: network number %d out of range", ErrInvalidConfig, number)
		}
		portInstance := number * 10
		if portInstance > bacnet.MaxInstance {
			return nil, fmt.Errorf("%w: port instance %d of network %d exceeds %d", ErrInvalidConfig, portInstance, number, bacnet.MaxInstance)
		}
		if ports[uint32(portInstance)] {
			return nil, fmt.Errorf("%w: port instance %d of network %d already used", ErrInvalidConfig, portInstance, number)
		}
		ports[uint32(portInstance)] = true

		plan := networkPlan{
			number:       uint16(number),
			portInstance: uint32(portInstance),
			devices:      make([]uint32, 0, cfg.DevicesPerNetwork),
		}
		for d := 0; d < cfg.DevicesPerNetwork; d++ {
			instance := uint64(cfg.DeviceStart) + uint64(n)*uint64(cfg.DeviceStart) + uint64(d)
			if instance > bacnet.MaxInstance {
				return nil, fmt.Errorf("%w: device instance %d exceeds %d", ErrInvalidConfig, instance, bacnet.MaxInstance)
			}
			if owner, ok := seen[uint32(instance)]; ok {
				return nil, fmt.Errorf("%w: device instance %d of network %d collides with %s", ErrInvalidConfig, instance, number, owner)
			}
			seen[uint32(instance)] = fmt.Sprintf("network %d", number)
			plan.devices = append(plan.devices, uint32(instance))
		}
		plans = append(plans, plan)
	}

	for port := range ports {
		if owner, ok := seen[port]; ok && port != cfg.NetworkPortInstance {
			return nil, fmt.Errorf("%w: port instance %d collides with device instance of %s", ErrInvalidConfig, port, owner)
		}
	}
	return plans, nil
}

func (r *Registry) populatePort(ctx context.Context, port *NetworkPort) {
	if r.collector == nil {
		return
	}
	info, err := r.collector.Collect(ctx)
	if err != nil {
		r.logger.Warn("network info unavailable, addresses left empty", slog.String("error", err.Error()))
		return
	}

	port.IPAddress = octets(info.IP)
	port.IPSubnetMask = octets(info.SubnetMask)
	port.IPDefaultGateway = octets(info.Gateway)
	for _, server := range info.DNSServers {
		if o := octets(server); o != nil {
			port.IPDNSServers = append(port.IPDNSServers, o)
		}
	}
	if port.IPAddress != nil {
		port.BroadcastAddress = make([]byte, 4)
		for i := range port.BroadcastAddress {
			var mask byte
			if port.IPSubnetMask != nil {
				mask = port.IPSubnetMask[i]
			}
			port.BroadcastAddress[i] = port.IPAddress[i] | ^mask
		}
	}
}

func octets(ip net.IP) []byte {
	if ip4 := ip.To4(); ip4 != nil {
		return append([]byte(nil), ip4...)
	}
	return nil
}

// Tick is called once per engine loop iteration.
func (r *Registry) Tick() {
	r.ticks++
}

// Ticks returns the number of loop iterations seen.
func (r *Registry) Ticks() uint64 {
	return r.ticks
}

// MainDevice returns the main device
func (r *Registry) MainDevice() MainDevice {
	return r.main
}

// NetworkPort returns the main device network port. Callers must not modify
// the returned slices.
func (r *Registry) NetworkPort() *NetworkPort {
	return &r.port
}

// SubnetMask returns the configured mask, empty when unknown.
func (r *Registry) SubnetMask() []byte {
	return r.port.IPSubnetMask
}

// Networks returns the virtual networks in creation order
func (r *Registry) Networks() []*VirtualNetwork {
	return r.networks
}

// VirtualDevice returns the virtual device with the given instance
func (r *Registry) VirtualDevice(instance uint32) (*VirtualDevice, bool) {
	dev, ok := r.devices[instance]
	return dev, ok
}

// AnalogInput returns the analog input owned by a virtual device
func (r *Registry) AnalogInput(deviceInstance uint32) (*AnalogInput, bool) {
	ai, ok := r.analogInputs[deviceInstance]
	return ai, ok
}

// DeviceCount returns the number of virtual devices
func (r *Registry) DeviceCount() int {
	return len(r.devices)
}

// ClassifyNetworkPort resolves which network-port object the pair
// (device, object instance) designates.
func (r *Registry) ClassifyNetworkPort(deviceInstance, objectInstance uint32) PortRef {
	if deviceInstance == r.main.Instance {
		if objectInstance == r.port.Instance {
			return PortRef{Kind: PortMain}
		}
		if number, ok := r.portNetworks[objectInstance]; ok {
			return PortRef{Kind: PortVirtualNetwork, Network: number}
		}
		return PortRef{Kind: PortUnknown}
	}
	if _, ok := r.devices[deviceInstance]; ok {
		return PortRef{Kind: PortVirtualDevice, Device: deviceInstance}
	}
	return PortRef{Kind: PortUnknown}
}
