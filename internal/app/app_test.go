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

package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/bacnet-vdevices/bacnet"
	"github.com/edgeo-scada/bacnet-vdevices/internal/config"
	"github.com/edgeo-scada/bacnet-vdevices/internal/console"
	"github.com/edgeo-scada/bacnet-vdevices/internal/netinfo"
)

type datagram struct {
	addr *net.UDPAddr
	data []byte
}

type fakeTransport struct {
	inbound chan datagram

	mu   sync.Mutex
	sent []datagram
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan datagram, 8)}
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }
func (f *fakeTransport) Close() error                   { return nil }
func (f *fakeTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: bacnet.DefaultPort}
}

func (f *fakeTransport) ReceiveInto(ctx context.Context, buf []byte) (int, *net.UDPAddr, error) {
	select {
	case d := <-f.inbound:
		return copy(buf, d.data), d.addr, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeTransport) Send(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, datagram{addr: addr, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) packets() []datagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datagram(nil), f.sent...)
}

type fakeSource struct {
	commands chan console.Command
}

func (s *fakeSource) Commands() <-chan console.Command {
	return s.commands
}

func (s *fakeSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

var hostInfo = netinfo.Info{
	Interface:  "eth0",
	IP:         net.IPv4(192, 168, 1, 20).To4(),
	SubnetMask: net.IPv4(255, 255, 255, 0).To4(),
	Gateway:    net.IPv4(192, 168, 1, 1).To4(),
	DNSServers: []net.IP{net.IPv4(8, 8, 8, 8).To4()},
}

func newTestApp(t *testing.T, cfg config.Config, opts ...Option) (*App, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{
		WithTransport(ft),
		WithCollector(netinfo.Static{Info: hostInfo}),
		WithOutput(io.Discard),
	}, opts...)
	return New(cfg, logger, opts...), ft
}

func decodeNPDU(t *testing.T, data []byte) *bacnet.NPDU {
	t.Helper()
	_, err := bacnet.DecodeBVLC(data)
	require.NoError(t, err)
	npdu, _, err := bacnet.DecodeNPDU(data[bacnet.BVLCHeaderLength:])
	require.NoError(t, err)
	return npdu
}

func TestStartAnnouncesEveryDevice(t *testing.T) {
	a, ft := newTestApp(t, config.Default())
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()

	sent := ft.packets()
	require.Len(t, sent, 32, "31 I-Am plus I-Am-Router-To-Network")
	for _, d := range sent {
		assert.Equal(t, "192.168.1.255:47808", d.addr.String())
	}

	npdu := decodeNPDU(t, sent[0].data)
	apdu, err := bacnet.DecodeAPDU(npdu.Data)
	require.NoError(t, err)
	iam, err := bacnet.DecodeIAm(apdu.Data)
	require.NoError(t, err)
	assert.Equal(t, bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 389999), iam.Device)

	npdu = decodeNPDU(t, sent[1].data)
	assert.Equal(t, uint16(1000), npdu.SrcNet)
	assert.Equal(t, bacnet.VirtualMAC(100000), npdu.SrcAddr)

	npdu = decodeNPDU(t, sent[31].data)
	require.True(t, npdu.IsNetworkMessage())
	networks, err := bacnet.DecodeNetworkList(npdu.Data)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1000, 2000, 3000}, networks)

	assert.Equal(t, int64(31), a.Metrics().Devices.Value())
	assert.Equal(t, 30, a.Registry().DeviceCount())
}

func TestStartWithoutVirtualNetworks(t *testing.T) {
	cfg := config.Default()
	cfg.Networks = 0
	a, ft := newTestApp(t, cfg)
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()

	assert.Len(t, ft.packets(), 1)
}

func TestStartRejectsInvalidLayout(t *testing.T) {
	cfg := config.Default()
	cfg.NetworkOffset = 0
	a, ft := newTestApp(t, cfg)
	assert.Error(t, a.Start(context.Background()))
	assert.Empty(t, ft.packets())
}

func TestServeAnswersReadProperty(t *testing.T) {
	a, ft := newTestApp(t, config.Default())
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()
	announced := len(ft.packets())

	ai := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1)
	data := bacnet.EncodeReadPropertyRequest(bacnet.ReadPropertyRequest{ObjectID: ai, PropertyID: bacnet.PropertyPresentValue})
	npdu := bacnet.EncodeRoutedNPDU(&bacnet.Address{Net: 2000, Addr: bacnet.VirtualMAC(200005)}, nil, 255, true, bacnet.NPDUControlPriorityNormal)
	packet := bacnet.EncodePacket(bacnet.BVLCOriginalUnicastNPDU, npdu,
		bacnet.EncodeConfirmedRequest(3, bacnet.ServiceReadProperty, data, 0, 5))
	client := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50).To4(), Port: 47809}
	ft.inbound <- datagram{addr: client, data: packet}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return len(ft.packets()) > announced
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	reply := ft.packets()[announced]
	assert.Equal(t, client.String(), reply.addr.String())

	rnpdu := decodeNPDU(t, reply.data)
	assert.Equal(t, uint16(2000), rnpdu.SrcNet)
	apdu, err := bacnet.DecodeAPDU(rnpdu.Data)
	require.NoError(t, err)
	require.Equal(t, bacnet.PDUTypeComplexAck, apdu.Type)
	_, values, err := bacnet.DecodeReadPropertyAck(apdu.Data)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{float32(106)}, values)

	assert.Positive(t, a.Metrics().LoopIterations.Value())
}

func TestServeDistinguishesUnknownPropertyFromUnknownObject(t *testing.T) {
	a, ft := newTestApp(t, config.Default())
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()
	announced := len(ft.packets())

	virtual := &bacnet.Address{Net: 1000, Addr: bacnet.VirtualMAC(100000)}
	tests := []struct {
		name   string
		dest   *bacnet.Address
		object bacnet.ObjectIdentifier
		prop   bacnet.PropertyIdentifier
		class  bacnet.ErrorClass
		code   bacnet.ErrorCode
	}{
		{"present-value on main device", nil, bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 389999),
			bacnet.PropertyPresentValue, bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty},
		{"ip-address on virtual network port", nil, bacnet.NewObjectIdentifier(bacnet.ObjectTypeNetworkPort, 10000),
			bacnet.PropertyIPAddress, bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty},
		{"system-status on main port", nil, bacnet.NewObjectIdentifier(bacnet.ObjectTypeNetworkPort, 1),
			bacnet.PropertySystemStatus, bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty},
		{"description on analog input", virtual, bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1),
			bacnet.PropertyDescription, bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty},
		{"udp port on virtual device port", virtual, bacnet.NewObjectIdentifier(bacnet.ObjectTypeNetworkPort, 1),
			bacnet.PropertyBACnetIPUDPPort, bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty},
		{"unregistered main port", nil, bacnet.NewObjectIdentifier(bacnet.ObjectTypeNetworkPort, 7),
			bacnet.PropertyObjectName, bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject},
	}

	client := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50).To4(), Port: 47809}
	for i, tt := range tests {
		var npdu []byte
		if tt.dest == nil {
			npdu = bacnet.EncodeNPDU(true, bacnet.NPDUControlPriorityNormal)
		} else {
			npdu = bacnet.EncodeRoutedNPDU(tt.dest, nil, 255, true, bacnet.NPDUControlPriorityNormal)
		}
		data := bacnet.EncodeReadPropertyRequest(bacnet.ReadPropertyRequest{ObjectID: tt.object, PropertyID: tt.prop})
		ft.inbound <- datagram{addr: client, data: bacnet.EncodePacket(bacnet.BVLCOriginalUnicastNPDU, npdu,
			bacnet.EncodeConfirmedRequest(uint8(i), bacnet.ServiceReadProperty, data, 0, 5))}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return len(ft.packets()) >= announced+len(tests)
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	replies := make(map[uint8]*bacnet.APDU)
	for _, reply := range ft.packets()[announced:] {
		apdu, err := bacnet.DecodeAPDU(decodeNPDU(t, reply.data).Data)
		require.NoError(t, err)
		replies[apdu.InvokeID] = apdu
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apdu, ok := replies[uint8(i)]
			require.True(t, ok)
			require.Equal(t, bacnet.PDUTypeError, apdu.Type)
			berr, err := bacnet.DecodeError(apdu.Data)
			require.NoError(t, err)
			assert.Equal(t, tt.class, berr.Class)
			assert.Equal(t, tt.code, berr.Code)
		})
	}
}

func TestRunStopsOnQuit(t *testing.T) {
	src := &fakeSource{commands: make(chan console.Command, 2)}
	src.commands <- console.CommandHelp
	src.commands <- console.CommandQuit

	var out bytes.Buffer
	a, _ := newTestApp(t, config.Default(), WithCommandSource(src), WithOutput(&out))
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Serve(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on quit")
	}
	assert.Contains(t, out.String(), "q, quit")
}
