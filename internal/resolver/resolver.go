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

// Package resolver answers the property reads the BACnet engine delegates
// to the application, looking values up in the registry.
package resolver

import (
	"fmt"

	"github.com/edgeo-scada/bacnet-vdevices/bacnet"
	"github.com/edgeo-scada/bacnet-vdevices/internal/registry"
)

// Resolver implements bacnet.PropertyProvider over a registry.
type Resolver struct {
	reg *registry.Registry
}

var _ bacnet.PropertyProvider = (*Resolver)(nil)

// New creates a resolver reading from reg.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// GetCharacterString resolves object-name and description.
func (r *Resolver) GetCharacterString(req bacnet.PropertyRequest, dst []byte) (int, error) {
	var value string
	var err error
	switch req.Property {
	case bacnet.PropertyObjectName:
		value, err = r.objectName(req)
	case bacnet.PropertyDescription:
		value, err = r.description(req)
	default:
		return 0, notFound(req)
	}
	if err != nil {
		return 0, err
	}
	return copyOut(dst, []byte(value))
}

// GetEnumerated resolves system-status and reliability.
func (r *Resolver) GetEnumerated(req bacnet.PropertyRequest) (uint32, error) {
	switch req.Property {
	case bacnet.PropertySystemStatus:
		if req.ObjectType != bacnet.ObjectTypeDevice {
			return 0, notFound(req)
		}
		if req.DeviceInstance == r.reg.MainDevice().Instance {
			return uint32(r.reg.MainDevice().SystemStatus), nil
		}
		dev, ok := r.reg.VirtualDevice(req.DeviceInstance)
		if !ok {
			return 0, unknownObject(req)
		}
		return uint32(dev.SystemStatus), nil
	case bacnet.PropertyReliability:
		ai, err := r.analogInput(req)
		if err != nil {
			return 0, err
		}
		return uint32(ai.Reliability), nil
	}
	return 0, notFound(req)
}

// GetOctetString resolves the IPv4 addresses of the main network port. The
// DNS server list is 1-indexed; its size is served by GetUnsigned.
func (r *Resolver) GetOctetString(req bacnet.PropertyRequest, dst []byte) (int, error) {
	switch req.Property {
	case bacnet.PropertyIPAddress, bacnet.PropertyIPDefaultGateway, bacnet.PropertyIPSubnetMask, bacnet.PropertyIPDNSServer:
	default:
		return 0, notFound(req)
	}
	port, err := r.mainPort(req)
	if err != nil {
		return 0, err
	}

	switch req.Property {
	case bacnet.PropertyIPAddress:
		return copyOut(dst, port.IPAddress)
	case bacnet.PropertyIPDefaultGateway:
		return copyOut(dst, port.IPDefaultGateway)
	case bacnet.PropertyIPSubnetMask:
		return copyOut(dst, port.IPSubnetMask)
	}

	if !req.UseArrayIndex || req.ArrayIndex == 0 || req.ArrayIndex > uint32(len(port.IPDNSServers)) {
		return 0, fmt.Errorf("%w: dns server %d of %d", bacnet.ErrInvalidArrayIndex, req.ArrayIndex, len(port.IPDNSServers))
	}
	return copyOut(dst, port.IPDNSServers[req.ArrayIndex-1])
}

// GetReal resolves present-value of analog inputs.
func (r *Resolver) GetReal(req bacnet.PropertyRequest) (float32, error) {
	if req.Property != bacnet.PropertyPresentValue {
		return 0, notFound(req)
	}
	ai, err := r.analogInput(req)
	if err != nil {
		return 0, err
	}
	return ai.PresentValue, nil
}

// GetUnsigned resolves the UDP port and the DNS server list size.
func (r *Resolver) GetUnsigned(req bacnet.PropertyRequest) (uint32, error) {
	switch req.Property {
	case bacnet.PropertyBACnetIPUDPPort:
		port, err := r.mainPort(req)
		if err != nil {
			return 0, err
		}
		return uint32(port.UDPPort), nil
	case bacnet.PropertyIPDNSServer:
		port, err := r.mainPort(req)
		if err != nil {
			return 0, err
		}
		if !req.UseArrayIndex || req.ArrayIndex != 0 {
			return 0, fmt.Errorf("%w: dns server list size needs index 0", bacnet.ErrInvalidArrayIndex)
		}
		return uint32(len(port.IPDNSServers)), nil
	}
	return 0, notFound(req)
}

func (r *Resolver) objectName(req bacnet.PropertyRequest) (string, error) {
	main := r.reg.MainDevice()
	switch req.ObjectType {
	case bacnet.ObjectTypeDevice:
		if req.DeviceInstance == main.Instance && req.ObjectInstance == main.Instance {
			return main.ObjectName, nil
		}
		if req.ObjectInstance != req.DeviceInstance {
			return "", unknownObject(req)
		}
		dev, ok := r.reg.VirtualDevice(req.DeviceInstance)
		if !ok {
			return "", unknownObject(req)
		}
		return dev.ObjectName, nil
	case bacnet.ObjectTypeAnalogInput:
		ai, err := r.analogInput(req)
		if err != nil {
			return "", err
		}
		return ai.ObjectName, nil
	case bacnet.ObjectTypeNetworkPort:
		ref := r.reg.ClassifyNetworkPort(req.DeviceInstance, req.ObjectInstance)
		switch ref.Kind {
		case registry.PortMain:
			return r.reg.NetworkPort().ObjectName, nil
		case registry.PortVirtualNetwork:
			return fmt.Sprintf("Network Port for virtual network %d", ref.Network), nil
		case registry.PortVirtualDevice:
			return fmt.Sprintf("Network Port of virtual device %d", ref.Device), nil
		}
	}
	return "", unknownObject(req)
}

func (r *Resolver) description(req bacnet.PropertyRequest) (string, error) {
	if req.ObjectType != bacnet.ObjectTypeDevice {
		return "", notFound(req)
	}
	main := r.reg.MainDevice()
	if req.DeviceInstance == main.Instance {
		return main.Description, nil
	}
	dev, ok := r.reg.VirtualDevice(req.DeviceInstance)
	if !ok {
		return "", unknownObject(req)
	}
	return dev.Description, nil
}

func (r *Resolver) analogInput(req bacnet.PropertyRequest) (*registry.AnalogInput, error) {
	if req.ObjectType != bacnet.ObjectTypeAnalogInput {
		return nil, notFound(req)
	}
	ai, ok := r.reg.AnalogInput(req.DeviceInstance)
	if !ok || ai.Instance != req.ObjectInstance {
		return nil, unknownObject(req)
	}
	return ai, nil
}

// mainPort returns the IPv4 port when req addresses it. Only the main
// device port carries IP addressing; the virtual ports exist but have no
// such properties.
func (r *Resolver) mainPort(req bacnet.PropertyRequest) (*registry.NetworkPort, error) {
	if req.ObjectType != bacnet.ObjectTypeNetworkPort {
		return nil, notFound(req)
	}
	switch r.reg.ClassifyNetworkPort(req.DeviceInstance, req.ObjectInstance).Kind {
	case registry.PortMain:
		return r.reg.NetworkPort(), nil
	case registry.PortUnknown:
		return nil, unknownObject(req)
	}
	return nil, notFound(req)
}

// copyOut writes value into dst or fails without touching dst.
func copyOut(dst, value []byte) (int, error) {
	if len(value) > len(dst) {
		return 0, fmt.Errorf("%w: %d bytes, capacity %d", bacnet.ErrValueTooLong, len(value), len(dst))
	}
	return copy(dst, value), nil
}

func notFound(req bacnet.PropertyRequest) error {
	return fmt.Errorf("%w: %s of %s,%d on device %d", bacnet.ErrPropertyNotFound,
		req.Property, req.ObjectType, req.ObjectInstance, req.DeviceInstance)
}

func unknownObject(req bacnet.PropertyRequest) error {
	return fmt.Errorf("%w: %s,%d on device %d", bacnet.ErrUnknownObject,
		req.ObjectType, req.ObjectInstance, req.DeviceInstance)
}
