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

package resolver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/bacnet-vdevices/bacnet"
	"github.com/edgeo-scada/bacnet-vdevices/internal/netinfo"
	"github.com/edgeo-scada/bacnet-vdevices/internal/registry"
)

const mainInstance = 389999

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	collector := netinfo.Static{Info: netinfo.Info{
		IP:         net.IPv4(10, 0, 0, 5),
		SubnetMask: net.IPv4(255, 255, 0, 0),
		Gateway:    net.IPv4(10, 0, 0, 1),
		DNSServers: []net.IP{net.IPv4(10, 0, 0, 53), net.IPv4(9, 9, 9, 9)},
	}}
	reg := registry.New(collector, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, reg.Initialize(context.Background(), registry.DefaultConfig()))
	return New(reg)
}

func req(device uint32, objectType bacnet.ObjectType, instance uint32, prop bacnet.PropertyIdentifier) bacnet.PropertyRequest {
	return bacnet.PropertyRequest{
		DeviceInstance: device,
		ObjectType:     objectType,
		ObjectInstance: instance,
		Property:       prop,
	}
}

func indexed(r bacnet.PropertyRequest, index uint32) bacnet.PropertyRequest {
	r.UseArrayIndex = true
	r.ArrayIndex = index
	return r
}

func readString(t *testing.T, res *Resolver, r bacnet.PropertyRequest) (string, error) {
	t.Helper()
	buf := make([]byte, 256)
	n, err := res.GetCharacterString(r, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func TestObjectName(t *testing.T) {
	res := newResolver(t)

	tests := []struct {
		name string
		req  bacnet.PropertyRequest
		want string
	}{
		{"main device", req(mainInstance, bacnet.ObjectTypeDevice, mainInstance, bacnet.PropertyObjectName), "Virtual Devices Container"},
		{"main port", req(mainInstance, bacnet.ObjectTypeNetworkPort, 1, bacnet.PropertyObjectName), "Network Port for Ipv4"},
		{"per-network port", req(mainInstance, bacnet.ObjectTypeNetworkPort, 30000, bacnet.PropertyObjectName), "Network Port for virtual network 3000"},
		{"virtual device", req(100000, bacnet.ObjectTypeDevice, 100000, bacnet.PropertyObjectName), "Virtual Device Bronze"},
		{"per-device port", req(200004, bacnet.ObjectTypeNetworkPort, 1, bacnet.PropertyObjectName), "Network Port of virtual device 200004"},
		{"analog input", req(100001, bacnet.ObjectTypeAnalogInput, 1, bacnet.PropertyObjectName), "Analog Input Chartreuse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readString(t, res, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObjectNameUnknownObjects(t *testing.T) {
	res := newResolver(t)

	for _, r := range []bacnet.PropertyRequest{
		req(42, bacnet.ObjectTypeDevice, 42, bacnet.PropertyObjectName),
		req(100000, bacnet.ObjectTypeAnalogInput, 2, bacnet.PropertyObjectName),
		req(mainInstance, bacnet.ObjectTypeAnalogInput, 1, bacnet.PropertyObjectName),
		req(mainInstance, bacnet.ObjectTypeNetworkPort, 7, bacnet.PropertyObjectName),
		req(mainInstance, bacnet.ObjectTypeBinaryInput, 1, bacnet.PropertyObjectName),
	} {
		_, err := readString(t, res, r)
		assert.ErrorIs(t, err, bacnet.ErrUnknownObject, "%+v", r)
	}
}

func TestDescription(t *testing.T) {
	res := newResolver(t)

	got, err := readString(t, res, req(mainInstance, bacnet.ObjectTypeDevice, mainInstance, bacnet.PropertyDescription))
	require.NoError(t, err)
	assert.Equal(t, "Chipkin test BACnet IP Virtual Devices Server device", got)

	got, err = readString(t, res, req(300001, bacnet.ObjectTypeDevice, 300001, bacnet.PropertyDescription))
	require.NoError(t, err)
	assert.Equal(t, "Example virtual device", got)

	_, err = readString(t, res, req(300001, bacnet.ObjectTypeAnalogInput, 1, bacnet.PropertyDescription))
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)

	_, err = readString(t, res, req(mainInstance, bacnet.ObjectTypeNetworkPort, 1, bacnet.PropertyDescription))
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)
}

func TestCharacterStringCapacity(t *testing.T) {
	res := newResolver(t)
	r := req(mainInstance, bacnet.ObjectTypeDevice, mainInstance, bacnet.PropertyObjectName)

	small := []byte("untouched")
	n, err := res.GetCharacterString(r, small)
	assert.ErrorIs(t, err, bacnet.ErrValueTooLong)
	assert.Zero(t, n)
	assert.Equal(t, "untouched", string(small), "nothing is written on failure")

	exact := make([]byte, len("Virtual Devices Container"))
	n, err = res.GetCharacterString(r, exact)
	require.NoError(t, err)
	assert.Equal(t, len(exact), n)
}

func TestUnsupportedProperty(t *testing.T) {
	res := newResolver(t)
	r := req(mainInstance, bacnet.ObjectTypeDevice, mainInstance, bacnet.PropertyVendorIdentifier)

	_, err := res.GetCharacterString(r, make([]byte, 16))
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)
	_, err = res.GetEnumerated(r)
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)
	_, err = res.GetOctetString(r, make([]byte, 16))
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)
	_, err = res.GetReal(r)
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)
	_, err = res.GetUnsigned(r)
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)
}

func TestEnumerated(t *testing.T) {
	res := newResolver(t)

	v, err := res.GetEnumerated(req(mainInstance, bacnet.ObjectTypeDevice, mainInstance, bacnet.PropertySystemStatus))
	require.NoError(t, err)
	assert.Equal(t, uint32(bacnet.DeviceStatusOperational), v)

	v, err = res.GetEnumerated(req(100003, bacnet.ObjectTypeDevice, 100003, bacnet.PropertySystemStatus))
	require.NoError(t, err)
	assert.Equal(t, uint32(bacnet.DeviceStatusOperational), v)

	v, err = res.GetEnumerated(req(100003, bacnet.ObjectTypeAnalogInput, 1, bacnet.PropertyReliability))
	require.NoError(t, err)
	assert.Equal(t, uint32(bacnet.ReliabilityNoFaultDetected), v)

	_, err = res.GetEnumerated(req(999, bacnet.ObjectTypeDevice, 999, bacnet.PropertySystemStatus))
	assert.ErrorIs(t, err, bacnet.ErrUnknownObject)

	_, err = res.GetEnumerated(req(100003, bacnet.ObjectTypeAnalogInput, 1, bacnet.PropertySystemStatus))
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)

	_, err = res.GetEnumerated(req(100003, bacnet.ObjectTypeDevice, 100003, bacnet.PropertyReliability))
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)

	_, err = res.GetEnumerated(req(mainInstance, bacnet.ObjectTypeAnalogInput, 1, bacnet.PropertyReliability))
	assert.ErrorIs(t, err, bacnet.ErrUnknownObject)
}

func TestPresentValue(t *testing.T) {
	res := newResolver(t)

	tests := []struct {
		device uint32
		want   float32
	}{
		{100000, 1},
		{100009, 10},
		{200000, 101},
		{300004, 205},
	}
	for _, tt := range tests {
		v, err := res.GetReal(req(tt.device, bacnet.ObjectTypeAnalogInput, 1, bacnet.PropertyPresentValue))
		require.NoError(t, err)
		assert.Equal(t, tt.want, v, "device %d", tt.device)
	}

	_, err := res.GetReal(req(400000, bacnet.ObjectTypeAnalogInput, 1, bacnet.PropertyPresentValue))
	assert.ErrorIs(t, err, bacnet.ErrUnknownObject)

	_, err = res.GetReal(req(mainInstance, bacnet.ObjectTypeDevice, mainInstance, bacnet.PropertyPresentValue))
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)
}

func TestNetworkPortAddresses(t *testing.T) {
	res := newResolver(t)
	buf := make([]byte, 16)

	tests := []struct {
		prop bacnet.PropertyIdentifier
		want []byte
	}{
		{bacnet.PropertyIPAddress, []byte{10, 0, 0, 5}},
		{bacnet.PropertyIPSubnetMask, []byte{255, 255, 0, 0}},
		{bacnet.PropertyIPDefaultGateway, []byte{10, 0, 0, 1}},
	}
	for _, tt := range tests {
		n, err := res.GetOctetString(req(mainInstance, bacnet.ObjectTypeNetworkPort, 1, tt.prop), buf)
		require.NoError(t, err)
		assert.Equal(t, tt.want, buf[:n], tt.prop.String())
	}

	port, err := res.GetUnsigned(req(mainInstance, bacnet.ObjectTypeNetworkPort, 1, bacnet.PropertyBACnetIPUDPPort))
	require.NoError(t, err)
	assert.Equal(t, uint32(47808), port)

	_, err = res.GetOctetString(req(mainInstance, bacnet.ObjectTypeNetworkPort, 10000, bacnet.PropertyIPAddress), buf)
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound, "virtual ports carry no IP address")

	_, err = res.GetUnsigned(req(100000, bacnet.ObjectTypeNetworkPort, 1, bacnet.PropertyBACnetIPUDPPort))
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound, "virtual device ports carry no UDP port")

	_, err = res.GetOctetString(req(mainInstance, bacnet.ObjectTypeDevice, mainInstance, bacnet.PropertyIPAddress), buf)
	assert.ErrorIs(t, err, bacnet.ErrPropertyNotFound)

	_, err = res.GetOctetString(req(mainInstance, bacnet.ObjectTypeNetworkPort, 7, bacnet.PropertyIPAddress), buf)
	assert.ErrorIs(t, err, bacnet.ErrUnknownObject)

	_, err = res.GetOctetString(req(mainInstance, bacnet.ObjectTypeNetworkPort, 1, bacnet.PropertyIPAddress), buf[:3])
	assert.ErrorIs(t, err, bacnet.ErrValueTooLong)
}

func TestDNSServerArray(t *testing.T) {
	res := newResolver(t)
	dns := req(mainInstance, bacnet.ObjectTypeNetworkPort, 1, bacnet.PropertyIPDNSServer)
	buf := make([]byte, 16)

	size, err := res.GetUnsigned(indexed(dns, 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), size)

	n, err := res.GetOctetString(indexed(dns, 1), buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 0, 53}, buf[:n])

	n, err = res.GetOctetString(indexed(dns, 2), buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9}, buf[:n])

	_, err = res.GetOctetString(indexed(dns, 3), buf)
	assert.ErrorIs(t, err, bacnet.ErrInvalidArrayIndex)

	_, err = res.GetOctetString(indexed(dns, 0), buf)
	assert.ErrorIs(t, err, bacnet.ErrInvalidArrayIndex, "index 0 is only a size query")

	_, err = res.GetOctetString(dns, buf)
	assert.ErrorIs(t, err, bacnet.ErrInvalidArrayIndex)

	_, err = res.GetUnsigned(indexed(dns, 1))
	assert.ErrorIs(t, err, bacnet.ErrInvalidArrayIndex)
}
