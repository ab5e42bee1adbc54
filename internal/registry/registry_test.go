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

package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/bacnet-vdevices/bacnet"
	"github.com/edgeo-scada/bacnet-vdevices/internal/netinfo"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hostInfo() netinfo.Static {
	return netinfo.Static{Info: netinfo.Info{
		Interface:  "eth0",
		IP:         net.IPv4(192, 168, 1, 20),
		SubnetMask: net.IPv4(255, 255, 255, 0),
		Gateway:    net.IPv4(192, 168, 1, 1),
		DNSServers: []net.IP{net.IPv4(8, 8, 8, 8), net.IPv4(1, 1, 1, 1)},
	}}
}

type failingCollector struct{}

func (failingCollector) Collect(ctx context.Context) (netinfo.Info, error) {
	return netinfo.Info{}, errors.New("no interfaces")
}

func TestInitializeDefaultLayout(t *testing.T) {
	reg := New(hostInfo(), discardLogger())
	require.NoError(t, reg.Initialize(context.Background(), DefaultConfig()))

	main := reg.MainDevice()
	assert.Equal(t, uint32(389999), main.Instance)
	assert.Equal(t, "Virtual Devices Container", main.ObjectName)
	assert.Equal(t, bacnet.DeviceStatusOperational, main.SystemStatus)

	networks := reg.Networks()
	require.Len(t, networks, 3)
	assert.Equal(t, 30, reg.DeviceCount())

	for i, want := range []struct {
		number uint16
		port   uint32
		first  uint32
	}{
		{1000, 10000, 100000},
		{2000, 20000, 200000},
		{3000, 30000, 300000},
	} {
		vn := networks[i]
		assert.Equal(t, want.number, vn.Number)
		assert.Equal(t, want.port, vn.PortInstance)
		require.Len(t, vn.Devices, 10)
		assert.Equal(t, want.first, vn.Devices[0].Instance)
		assert.Equal(t, want.first+9, vn.Devices[9].Instance)
		for _, dev := range vn.Devices {
			assert.Equal(t, want.number, dev.Network)
			assert.Equal(t, "Example virtual device", dev.Description)
		}
	}
}

func TestInitializeNamesAndValues(t *testing.T) {
	reg := New(hostInfo(), discardLogger())
	require.NoError(t, reg.Initialize(context.Background(), DefaultConfig()))

	dev, ok := reg.VirtualDevice(100000)
	require.True(t, ok)
	assert.Equal(t, "Virtual Device Bronze", dev.ObjectName)

	ai, ok := reg.AnalogInput(100000)
	require.True(t, ok)
	assert.Equal(t, uint32(1), ai.Instance)
	assert.Equal(t, "Analog Input Bronze", ai.ObjectName)
	assert.Equal(t, float32(1), ai.PresentValue)
	assert.Equal(t, bacnet.ReliabilityNoFaultDetected, ai.Reliability)

	dev, ok = reg.VirtualDevice(100001)
	require.True(t, ok)
	assert.Equal(t, "Virtual Device Chartreuse", dev.ObjectName)

	ai, ok = reg.AnalogInput(200002)
	require.True(t, ok)
	assert.Equal(t, float32(103), ai.PresentValue)

	_, ok = reg.VirtualDevice(389999)
	assert.False(t, ok)
	_, ok = reg.AnalogInput(123)
	assert.False(t, ok)
}

func TestColorRotationSurvivesReinitialize(t *testing.T) {
	reg := New(hostInfo(), discardLogger())
	require.NoError(t, reg.Initialize(context.Background(), DefaultConfig()))
	require.NoError(t, reg.Initialize(context.Background(), DefaultConfig()))

	dev, ok := reg.VirtualDevice(100000)
	require.True(t, ok)
	assert.Equal(t, "Virtual Device Grapefruit", dev.ObjectName)

	dev, ok = reg.VirtualDevice(100002)
	require.True(t, ok)
	assert.Equal(t, "Virtual Device Amber", dev.ObjectName, "rotation wraps after the last colour")
	assert.Equal(t, 30, reg.DeviceCount())
}

func TestInitializeReplacesState(t *testing.T) {
	reg := New(hostInfo(), discardLogger())
	require.NoError(t, reg.Initialize(context.Background(), DefaultConfig()))

	cfg := DefaultConfig()
	cfg.NetworkCount = 1
	cfg.DevicesPerNetwork = 2
	require.NoError(t, reg.Initialize(context.Background(), cfg))

	assert.Len(t, reg.Networks(), 1)
	assert.Equal(t, 2, reg.DeviceCount())
	_, ok := reg.VirtualDevice(200000)
	assert.False(t, ok)
	_, ok = reg.AnalogInput(200000)
	assert.False(t, ok)
	assert.Equal(t, PortUnknown, reg.ClassifyNetworkPort(389999, 20000).Kind)
}

func TestNetworkPortAddresses(t *testing.T) {
	reg := New(hostInfo(), discardLogger())
	require.NoError(t, reg.Initialize(context.Background(), DefaultConfig()))

	port := reg.NetworkPort()
	assert.Equal(t, uint32(1), port.Instance)
	assert.Equal(t, "Network Port for Ipv4", port.ObjectName)
	assert.Equal(t, uint16(47808), port.UDPPort)
	assert.Equal(t, []byte{192, 168, 1, 20}, port.IPAddress)
	assert.Equal(t, []byte{255, 255, 255, 0}, port.IPSubnetMask)
	assert.Equal(t, []byte{192, 168, 1, 1}, port.IPDefaultGateway)
	assert.Equal(t, [][]byte{{8, 8, 8, 8}, {1, 1, 1, 1}}, port.IPDNSServers)
	assert.Equal(t, []byte{192, 168, 1, 255}, port.BroadcastAddress)
	assert.Equal(t, []byte{255, 255, 255, 0}, reg.SubnetMask())
}

func TestNetworkInfoFailureIsTolerated(t *testing.T) {
	reg := New(failingCollector{}, discardLogger())
	require.NoError(t, reg.Initialize(context.Background(), DefaultConfig()))

	port := reg.NetworkPort()
	assert.Empty(t, port.IPAddress)
	assert.Empty(t, port.IPSubnetMask)
	assert.Empty(t, port.IPDefaultGateway)
	assert.Empty(t, port.IPDNSServers)
	assert.Empty(t, reg.SubnetMask())
	assert.Equal(t, 30, reg.DeviceCount())
}

func TestInitializeRejectsInvalidLayouts(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{
			name:   "main device instance out of range",
			modify: func(c *Config) { c.DeviceInstance = bacnet.MaxInstance + 1 },
		},
		{
			name:   "virtual device collides with main device",
			modify: func(c *Config) { c.DeviceInstance = 100005 },
		},
		{
			name:   "virtual device instance out of range",
			modify: func(c *Config) { c.DeviceStart = 3000000 },
		},
		{
			name:   "network number zero",
			modify: func(c *Config) { c.NetworkStart = 0 },
		},
		{
			name: "network number reaches broadcast",
			modify: func(c *Config) {
				c.NetworkStart = 60000
				c.NetworkOffset = 5535
				c.NetworkCount = 2
			},
		},
		{
			name: "port instance collides with a device",
			modify: func(c *Config) {
				c.NetworkStart = 10000
				c.NetworkCount = 1
			},
		},
		{
			name: "devices of two networks overlap",
			modify: func(c *Config) {
				c.DeviceStart = 5
				c.DevicesPerNetwork = 10
			},
		},
		{
			name:   "zero offset repeats network numbers",
			modify: func(c *Config) { c.NetworkOffset = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)

			reg := New(hostInfo(), discardLogger())
			err := reg.Initialize(context.Background(), cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestFailedInitializeKeepsPreviousModel(t *testing.T) {
	reg := New(hostInfo(), discardLogger())
	require.NoError(t, reg.Initialize(context.Background(), DefaultConfig()))

	cfg := DefaultConfig()
	cfg.DeviceStart = 3000000
	require.Error(t, reg.Initialize(context.Background(), cfg))

	assert.Equal(t, 30, reg.DeviceCount())
	_, ok := reg.VirtualDevice(300009)
	assert.True(t, ok)
}

func TestClassifyNetworkPort(t *testing.T) {
	reg := New(hostInfo(), discardLogger())
	require.NoError(t, reg.Initialize(context.Background(), DefaultConfig()))

	tests := []struct {
		name   string
		device uint32
		object uint32
		want   PortRef
	}{
		{"main port", 389999, 1, PortRef{Kind: PortMain}},
		{"per-network port", 389999, 20000, PortRef{Kind: PortVirtualNetwork, Network: 2000}},
		{"unknown port on main device", 389999, 5, PortRef{Kind: PortUnknown}},
		{"per-device port", 100001, 1, PortRef{Kind: PortVirtualDevice, Device: 100001}},
		{"unknown device", 42, 1, PortRef{Kind: PortUnknown}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reg.ClassifyNetworkPort(tt.device, tt.object))
		})
	}
}

func TestTick(t *testing.T) {
	reg := New(nil, discardLogger())
	for i := 0; i < 5; i++ {
		reg.Tick()
	}
	assert.Equal(t, uint64(5), reg.Ticks())
}
