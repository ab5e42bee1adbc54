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

package bacnet

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/edgeo-scada/bacnet-vdevices/bacnet/internal/transport"
)

// ConnectionLength is the size of a BACnet/IP connection string: four IPv4
// octets followed by the big-endian UDP port.
const ConnectionLength = 6

// DatagramTransport is the datagram socket the Bridge drives.
type DatagramTransport interface {
	Open(ctx context.Context) error
	Close() error
	LocalAddr() net.Addr
	ReceiveInto(ctx context.Context, buf []byte) (int, *net.UDPAddr, error)
	Send(ctx context.Context, addr *net.UDPAddr, data []byte) error
}

// LinkConfig supplies the subnet mask used to derive broadcast addresses.
type LinkConfig interface {
	SubnetMask() []byte
}

// Link is the datalink pair the Server uses to move datagrams.
type Link interface {
	ReceiveInbound(ctx context.Context, msg, conn []byte) (n, connLen int, network NetworkType)
	SendOutbound(ctx context.Context, msg, conn []byte, network NetworkType, broadcast bool) int
}

// Bridge adapts a UDP socket to the Link contract of the Server.
type Bridge struct {
	transport DatagramTransport
	link      LinkConfig
	opts      *serverOptions
	logger    *slog.Logger
	metrics   *Metrics
}

// NewBridge creates a bridge over an existing transport
func NewBridge(t DatagramTransport, link LinkConfig, opts ...Option) *Bridge {
	o := applyOptions(opts)
	return &Bridge{
		transport: t,
		link:      link,
		opts:      o,
		logger:    o.logger,
		metrics:   o.metrics,
	}
}

// NewUDPBridge creates a bridge bound to localAddr once Open is called
func NewUDPBridge(localAddr string, link LinkConfig, opts ...Option) *Bridge {
	return NewBridge(transport.NewUDPTransport(localAddr), link, opts...)
}

// Open binds the underlying socket
func (b *Bridge) Open(ctx context.Context) error {
	if err := b.transport.Open(ctx); err != nil {
		return err
	}
	b.logger.Info("BACnet/IP socket bound", slog.String("addr", addrString(b.transport.LocalAddr())))
	return nil
}

// Close releases the underlying socket
func (b *Bridge) Close() error {
	return b.transport.Close()
}

// LocalAddr returns the bound socket address
func (b *Bridge) LocalAddr() net.Addr {
	return b.transport.LocalAddr()
}

// ReceiveInbound polls the socket once. On data it copies the payload into
// msg, writes the sender connection string into conn and returns the payload
// length. It returns n == 0 when nothing arrived within the poll timeout or
// the arguments cannot hold a datagram.
func (b *Bridge) ReceiveInbound(ctx context.Context, msg, conn []byte) (int, int, NetworkType) {
	if len(msg) == 0 || len(conn) < ConnectionLength {
		return 0, 0, NetworkTypeIP
	}

	pollCtx, cancel := context.WithTimeout(ctx, b.opts.pollTimeout)
	defer cancel()

	n, addr, err := b.transport.ReceiveInto(pollCtx, msg)
	if err != nil {
		if !transport.IsTimeout(err) && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			b.metrics.ReceiveFailures.Inc()
			b.logger.Warn("receive failed", slog.String("error", err.Error()))
		}
		return 0, 0, NetworkTypeIP
	}
	if n == 0 {
		return 0, 0, NetworkTypeIP
	}

	ip := addr.IP.To4()
	if ip == nil {
		b.metrics.PacketsDropped.Inc()
		b.logger.Debug("dropping non-IPv4 datagram", slog.String("from", addr.String()))
		return 0, 0, NetworkTypeIP
	}
	copy(conn[:4], ip)
	encodeUint16(conn[4:6], uint16(addr.Port))

	b.metrics.PacketsReceived.Inc()
	b.metrics.BytesReceived.Add(int64(n))
	b.metrics.RecordActivity()
	b.logger.Debug("datagram received", slog.String("from", addr.String()), slog.Int("bytes", n))

	return n, ConnectionLength, NetworkTypeIP
}

// SendOutbound sends msg to the connection string conn. When broadcast is
// set the destination address is the subnet broadcast derived from conn and
// the configured mask. It returns the number of bytes sent, 0 on failure.
func (b *Bridge) SendOutbound(ctx context.Context, msg, conn []byte, network NetworkType, broadcast bool) int {
	if len(msg) == 0 || len(conn) < ConnectionLength || network != NetworkTypeIP {
		b.metrics.SendFailures.Inc()
		b.logger.Debug("outbound message rejected",
			slog.Int("bytes", len(msg)),
			slog.Int("conn_len", len(conn)),
			slog.Int("network", int(network)))
		return 0
	}

	ip := net.IPv4(conn[0], conn[1], conn[2], conn[3]).To4()
	if broadcast {
		ip = BroadcastAddress(conn[:4], b.mask())
	}
	addr := &net.UDPAddr{IP: ip, Port: int(decodeUint16(conn[4:6]))}

	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := b.transport.Send(sendCtx, addr, msg); err != nil {
		b.metrics.SendFailures.Inc()
		b.logger.Warn("send failed", slog.String("to", addr.String()), slog.String("error", err.Error()))
		return 0
	}

	b.metrics.PacketsSent.Inc()
	b.metrics.BytesSent.Add(int64(len(msg)))
	b.logger.Debug("datagram sent", slog.String("to", addr.String()), slog.Int("bytes", len(msg)), slog.Bool("broadcast", broadcast))
	return len(msg)
}

func (b *Bridge) mask() []byte {
	if b.link == nil {
		return nil
	}
	return b.link.SubnetMask()
}

// BroadcastAddress derives a directed broadcast address: every octet of conn
// that falls outside the mask becomes 255. Missing mask octets count as zero.
func BroadcastAddress(conn, mask []byte) net.IP {
	ip := make(net.IP, 4)
	for i := 0; i < 4 && i < len(conn); i++ {
		var m byte
		if i < len(mask) {
			m = mask[i]
		}
		if conn[i]&m == 0 {
			ip[i] = 255
		} else {
			ip[i] = conn[i]
		}
	}
	return ip
}

// ConnectionString builds the 6-byte connection string for ip and port.
func ConnectionString(ip net.IP, port uint16) []byte {
	conn := make([]byte, ConnectionLength)
	copy(conn[:4], ip.To4())
	encodeUint16(conn[4:], port)
	return conn
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
