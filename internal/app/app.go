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

// Package app wires the registry, the property resolver and the BACnet
// engine together and runs the server loop.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/bacnet-vdevices/bacnet"
	"github.com/edgeo-scada/bacnet-vdevices/internal/config"
	"github.com/edgeo-scada/bacnet-vdevices/internal/console"
	"github.com/edgeo-scada/bacnet-vdevices/internal/netinfo"
	"github.com/edgeo-scada/bacnet-vdevices/internal/registry"
	"github.com/edgeo-scada/bacnet-vdevices/internal/resolver"
)

// CommandSource delivers operator commands to the loop.
type CommandSource interface {
	Commands() <-chan console.Command
	Run(ctx context.Context) error
}

// Option configures an App.
type Option func(*App)

// WithTransport replaces the UDP socket, mainly for tests.
func WithTransport(t bacnet.DatagramTransport) Option {
	return func(a *App) {
		a.transport = t
	}
}

// WithCollector replaces the host network collector.
func WithCollector(c netinfo.Collector) Option {
	return func(a *App) {
		a.collector = c
	}
}

// WithCommandSource attaches an operator console.
func WithCommandSource(src CommandSource) Option {
	return func(a *App) {
		a.source = src
	}
}

// WithOutput sets where help text is printed.
func WithOutput(w io.Writer) Option {
	return func(a *App) {
		a.out = w
	}
}

// App is the virtual devices server.
type App struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *bacnet.Metrics
	transport bacnet.DatagramTransport
	collector netinfo.Collector
	source    CommandSource
	out       io.Writer

	reg    *registry.Registry
	bridge *bacnet.Bridge
	server *bacnet.Server
}

// New creates the server from cfg. Nothing is bound until Start.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *App {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: bacnet.NewMetrics(),
		out:     os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.collector == nil {
		a.collector = cfg.Collector()
	}

	a.reg = registry.New(a.collector, logger)
	engineOpts := []bacnet.Option{
		bacnet.WithLogger(logger),
		bacnet.WithMetrics(a.metrics),
		bacnet.WithPollTimeout(cfg.PollTimeout),
	}
	if a.transport != nil {
		a.bridge = bacnet.NewBridge(a.transport, a.reg, engineOpts...)
	} else {
		a.bridge = bacnet.NewUDPBridge(cfg.ListenAddress(), a.reg, engineOpts...)
	}
	a.server = bacnet.NewServer(a.bridge, resolver.New(a.reg), engineOpts...)
	return a
}

// Registry returns the served model
func (a *App) Registry() *registry.Registry {
	return a.reg
}

// Metrics returns the engine metrics
func (a *App) Metrics() *bacnet.Metrics {
	return a.metrics
}

// LocalAddr returns the bound socket address
func (a *App) LocalAddr() net.Addr {
	return a.bridge.LocalAddr()
}

// Start builds the model, binds the socket, registers every device with the
// engine and announces them on the local network.
func (a *App) Start(ctx context.Context) error {
	if err := a.reg.Initialize(ctx, a.cfg.Registry()); err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}
	if err := a.bridge.Open(ctx); err != nil {
		return fmt.Errorf("bind udp %s: %w", a.cfg.ListenAddress(), err)
	}
	if err := a.register(); err != nil {
		a.bridge.Close()
		return fmt.Errorf("register devices: %w", err)
	}
	a.announce(ctx)
	return nil
}

func (a *App) register() error {
	main := a.reg.MainDevice()
	port := a.reg.NetworkPort()

	if err := a.server.AddDevice(main.Instance); err != nil {
		return err
	}
	if err := a.server.SetServiceEnabled(main.Instance, bacnet.ServiceReadPropertyMultiple, true); err != nil {
		return err
	}
	if err := a.server.SetPropertyEnabled(main.Instance, bacnet.ObjectTypeDevice, main.Instance, bacnet.PropertyDescription, true); err != nil {
		return err
	}
	if err := a.server.AddNetworkPortObject(main.Instance, port.Instance, bacnet.NetworkPortTypeIPv4, bacnet.ProtocolLevelBACnetApplication); err != nil {
		return err
	}

	for _, vn := range a.reg.Networks() {
		if err := a.server.AddVirtualNetwork(main.Instance, vn.Number, vn.PortInstance); err != nil {
			return err
		}
		for _, dev := range vn.Devices {
			if err := a.registerVirtualDevice(dev); err != nil {
				return fmt.Errorf("device %d: %w", dev.Instance, err)
			}
		}
	}

	a.logger.Info("devices registered",
		slog.Uint64("device", uint64(main.Instance)),
		slog.Int("virtual_networks", len(a.reg.Networks())),
		slog.Int("virtual_devices", a.reg.DeviceCount()))
	return nil
}

func (a *App) registerVirtualDevice(dev *registry.VirtualDevice) error {
	if err := a.server.AddDeviceToVirtualNetwork(dev.Instance, dev.Network); err != nil {
		return err
	}
	if err := a.server.SetServiceEnabled(dev.Instance, bacnet.ServiceReadPropertyMultiple, true); err != nil {
		return err
	}
	if err := a.server.SetPropertyEnabled(dev.Instance, bacnet.ObjectTypeDevice, dev.Instance, bacnet.PropertyDescription, true); err != nil {
		return err
	}
	ai, ok := a.reg.AnalogInput(dev.Instance)
	if !ok {
		return fmt.Errorf("%w: analog input of device %d", bacnet.ErrUnknownObject, dev.Instance)
	}
	if err := a.server.AddObject(dev.Instance, bacnet.ObjectTypeAnalogInput, ai.Instance); err != nil {
		return err
	}
	return a.server.SetPropertyByObjectTypeEnabled(dev.Instance, bacnet.ObjectTypeAnalogInput, bacnet.PropertyReliability, true)
}

// announce broadcasts I-Am for every device and I-Am-Router-To-Network.
// Failures are logged and startup continues.
func (a *App) announce(ctx context.Context) {
	conn := a.broadcastConn()

	main := a.reg.MainDevice()
	if err := a.server.SendIAm(ctx, main.Instance, conn, true); err != nil {
		a.logger.Warn("I-Am broadcast failed", slog.Uint64("device", uint64(main.Instance)), slog.String("error", err.Error()))
	}
	for _, vn := range a.reg.Networks() {
		for _, dev := range vn.Devices {
			if err := a.server.SendIAm(ctx, dev.Instance, conn, true); err != nil {
				a.logger.Warn("I-Am broadcast failed", slog.Uint64("device", uint64(dev.Instance)), slog.String("error", err.Error()))
			}
		}
	}
	if len(a.reg.Networks()) == 0 {
		return
	}
	if err := a.server.SendIAmRouterToNetwork(ctx, conn, true); err != nil {
		a.logger.Warn("I-Am-Router-To-Network broadcast failed", slog.String("error", err.Error()))
	}
}

// broadcastConn is the connection string of the local port. The bridge turns
// it into the subnet broadcast address.
func (a *App) broadcastConn() []byte {
	port := a.reg.NetworkPort()
	ip := net.IPv4zero
	if len(port.IPAddress) == net.IPv4len {
		ip = net.IP(port.IPAddress)
	}
	return bacnet.ConnectionString(ip, port.UDPPort)
}

// Run drives the server loop until ctx is done or a quit command arrives.
func (a *App) Run(ctx context.Context) error {
	var commands <-chan console.Command
	if a.source != nil {
		commands = a.source.Commands()
		console.PrintHelp(a.out)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		a.server.Loop(ctx)

		select {
		case cmd := <-commands:
			if a.handleCommand(cmd) {
				return nil
			}
		default:
		}

		a.reg.Tick()
		a.metrics.LoopIterations.Inc()
		runtime.Gosched()
	}
}

func (a *App) handleCommand(cmd console.Command) (quit bool) {
	switch cmd {
	case console.CommandQuit:
		a.logger.Info("quit requested")
		return true
	case console.CommandHelp:
		console.PrintHelp(a.out)
	}
	return false
}

// Serve runs the loop and the command source together. It returns when
// either stops or ctx is done.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if a.source != nil {
		g.Go(func() error {
			return a.source.Run(gctx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return a.Run(gctx)
	})
	return g.Wait()
}

// Close releases the socket and logs the traffic summary.
func (a *App) Close() error {
	err := a.bridge.Close()

	snap := a.metrics.Snapshot()
	a.logger.Info("server stopped",
		slog.Duration("uptime", snap.Uptime),
		slog.Int64("packets_received", snap.PacketsReceived),
		slog.Int64("packets_sent", snap.PacketsSent),
		slog.Int64("requests_served", snap.RequestsServed),
		slog.Int64("requests_failed", snap.RequestsFailed),
		slog.Int64("who_is_received", snap.WhoIsReceived),
		slog.Int64("loop_iterations", snap.LoopIterations))
	return err
}
