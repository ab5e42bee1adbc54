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

package netinfo

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routeTable = `Iface	Destination	Gateway 	Flags	RefCnt	Use	Metric	Mask		MTU	Window	IRTT
wlan0	00000000	FE01A8C0	0003	0	0	600	00000000	0	0	0
eth0	0001A8C0	00000000	0001	0	0	0	00FFFFFF	0	0	0
eth0	00000000	0101A8C0	0003	0	0	100	00000000	0	0	0
`

func TestParseDefaultGateway(t *testing.T) {
	gw, err := ParseDefaultGateway(strings.NewReader(routeTable), "eth0")
	require.NoError(t, err)
	assert.Equal(t, net.IPv4(192, 168, 1, 1).To4(), gw)

	gw, err = ParseDefaultGateway(strings.NewReader(routeTable), "")
	require.NoError(t, err)
	assert.Equal(t, net.IPv4(192, 168, 1, 254).To4(), gw, "first default route wins without an interface")

	gw, err = ParseDefaultGateway(strings.NewReader(routeTable), "eth9")
	require.NoError(t, err)
	assert.Equal(t, net.IPv4(192, 168, 1, 254).To4(), gw, "falls back to any default route")

	_, err = ParseDefaultGateway(strings.NewReader("Iface\tDestination\tGateway\n"), "eth0")
	assert.Error(t, err)
}

func TestParseNameServers(t *testing.T) {
	conf := `# generated
search example.org
nameserver 10.0.0.53
nameserver fd00::1
nameserver 1.1.1.1
options ndots:2
`
	servers, err := ParseNameServers(strings.NewReader(conf))
	require.NoError(t, err)
	assert.Equal(t, []net.IP{net.IPv4(10, 0, 0, 53).To4(), net.IPv4(1, 1, 1, 1).To4()}, servers)
}

func TestHostCollectReadsFiles(t *testing.T) {
	dir := t.TempDir()
	resolv := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(resolv, []byte("nameserver 8.8.4.4\n"), 0o644))

	h := NewHost("")
	h.RoutePath = filepath.Join(dir, "missing-route")
	h.ResolvConfPath = resolv

	info, err := h.Collect(context.Background())
	if errors.Is(err, ErrNoInterface) {
		t.Skip("no usable IPv4 interface on this host")
	}
	require.NoError(t, err)
	assert.NotNil(t, info.IP.To4())
	assert.Nil(t, info.Gateway)
	assert.Equal(t, []net.IP{net.IPv4(8, 8, 4, 4).To4()}, info.DNSServers)
}

func TestHostCollectUnknownInterface(t *testing.T) {
	_, err := NewHost("does-not-exist0").Collect(context.Background())
	assert.ErrorIs(t, err, ErrNoInterface)
}

type failing struct{}

func (failing) Collect(ctx context.Context) (Info, error) {
	return Info{}, errors.New("boom")
}

func TestOverride(t *testing.T) {
	base := Static{Info: Info{
		Interface:  "eth0",
		IP:         net.IPv4(10, 1, 1, 1),
		SubnetMask: net.IPv4(255, 0, 0, 0),
		DNSServers: []net.IP{net.IPv4(10, 1, 1, 53)},
	}}

	info, err := Override{Base: base, Static: Info{Gateway: net.IPv4(10, 1, 1, 254)}}.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, net.IPv4(10, 1, 1, 1), info.IP)
	assert.Equal(t, net.IPv4(10, 1, 1, 254).To4(), info.Gateway)
	assert.Len(t, info.DNSServers, 1)

	_, err = Override{Base: failing{}}.Collect(context.Background())
	assert.Error(t, err)

	info, err = Override{Base: failing{}, Static: Info{IP: net.IPv4(172, 16, 0, 9)}}.Collect(context.Background())
	require.NoError(t, err, "a static address replaces discovery")
	assert.Equal(t, net.IPv4(172, 16, 0, 9).To4(), info.IP)
}
