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

// Package config loads the server settings from viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"

	"github.com/edgeo-scada/bacnet-vdevices/bacnet"
	"github.com/edgeo-scada/bacnet-vdevices/internal/netinfo"
	"github.com/edgeo-scada/bacnet-vdevices/internal/registry"
)

// Viper keys.
const (
	KeyUDPPort           = "udp-port"
	KeyDeviceInstance    = "device-instance"
	KeyDeviceName        = "device-name"
	KeyDeviceDescription = "device-description"
	KeyNetworks          = "networks"
	KeyNetworkStart      = "network-start"
	KeyNetworkOffset     = "network-offset"
	KeyDevicesPerNetwork = "devices-per-network"
	KeyDeviceStart       = "device-start"
	KeyPollTimeout       = "poll-timeout"
	KeyInterface         = "interface"
	KeyIP                = "ip"
	KeySubnetMask        = "subnet-mask"
	KeyGateway           = "gateway"
	KeyDNS               = "dns"
	KeyNoConsole         = "no-console"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid value")

// Config holds every server setting.
type Config struct {
	UDPPort           uint16        `mapstructure:"udp-port"`
	DeviceInstance    uint32        `mapstructure:"device-instance"`
	DeviceName        string        `mapstructure:"device-name"`
	DeviceDescription string        `mapstructure:"device-description"`
	Networks          int           `mapstructure:"networks"`
	NetworkStart      uint16        `mapstructure:"network-start"`
	NetworkOffset     uint16        `mapstructure:"network-offset"`
	DevicesPerNetwork int           `mapstructure:"devices-per-network"`
	DeviceStart       uint32        `mapstructure:"device-start"`
	PollTimeout       time.Duration `mapstructure:"poll-timeout"`

	// Host network overrides. Empty values are discovered.
	Interface  string   `mapstructure:"interface"`
	IP         string   `mapstructure:"ip"`
	SubnetMask string   `mapstructure:"subnet-mask"`
	Gateway    string   `mapstructure:"gateway"`
	DNS        []string `mapstructure:"dns"`

	NoConsole bool `mapstructure:"no-console"`
}

// Default returns the stock settings.
func Default() Config {
	rc := registry.DefaultConfig()
	return Config{
		UDPPort:           rc.UDPPort,
		DeviceInstance:    rc.DeviceInstance,
		DeviceName:        rc.DeviceName,
		DeviceDescription: rc.DeviceDescription,
		Networks:          rc.NetworkCount,
		NetworkStart:      rc.NetworkStart,
		NetworkOffset:     rc.NetworkOffset,
		DevicesPerNetwork: rc.DevicesPerNetwork,
		DeviceStart:       rc.DeviceStart,
		PollTimeout:       10 * time.Millisecond,
	}
}

// SetDefaults registers Default on v so unset keys fall back to it.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyUDPPort, d.UDPPort)
	v.SetDefault(KeyDeviceInstance, d.DeviceInstance)
	v.SetDefault(KeyDeviceName, d.DeviceName)
	v.SetDefault(KeyDeviceDescription, d.DeviceDescription)
	v.SetDefault(KeyNetworks, d.Networks)
	v.SetDefault(KeyNetworkStart, d.NetworkStart)
	v.SetDefault(KeyNetworkOffset, d.NetworkOffset)
	v.SetDefault(KeyDevicesPerNetwork, d.DevicesPerNetwork)
	v.SetDefault(KeyDeviceStart, d.DeviceStart)
	v.SetDefault(KeyPollTimeout, d.PollTimeout)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and address syntax. Layout collisions are checked
// by the registry.
func (c Config) Validate() error {
	switch {
	case c.UDPPort == 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyUDPPort)
	case c.DeviceInstance > bacnet.MaxInstance:
		return fmt.Errorf("%w: %s %d exceeds %d", ErrInvalid, KeyDeviceInstance, c.DeviceInstance, bacnet.MaxInstance)
	case c.DeviceName == "":
		return fmt.Errorf("%w: %s is empty", ErrInvalid, KeyDeviceName)
	case c.Networks < 0:
		return fmt.Errorf("%w: %s is negative", ErrInvalid, KeyNetworks)
	case c.DevicesPerNetwork < 0:
		return fmt.Errorf("%w: %s is negative", ErrInvalid, KeyDevicesPerNetwork)
	case c.PollTimeout <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyPollTimeout)
	}

	for key, value := range map[string]string{KeyIP: c.IP, KeySubnetMask: c.SubnetMask, KeyGateway: c.Gateway} {
		if value != "" && parseIPv4(value) == nil {
			return fmt.Errorf("%w: %s %q is not an IPv4 address", ErrInvalid, key, value)
		}
	}
	for _, server := range c.DNS {
		if parseIPv4(server) == nil {
			return fmt.Errorf("%w: %s %q is not an IPv4 address", ErrInvalid, KeyDNS, server)
		}
	}
	return nil
}

// Registry returns the registry layout.
func (c Config) Registry() registry.Config {
	rc := registry.DefaultConfig()
	rc.DeviceInstance = c.DeviceInstance
	rc.DeviceName = c.DeviceName
	rc.DeviceDescription = c.DeviceDescription
	rc.UDPPort = c.UDPPort
	rc.NetworkCount = c.Networks
	rc.NetworkStart = c.NetworkStart
	rc.NetworkOffset = c.NetworkOffset
	rc.DevicesPerNetwork = c.DevicesPerNetwork
	rc.DeviceStart = c.DeviceStart
	return rc
}

// Collector returns the host network collector with the static overrides
// applied.
func (c Config) Collector() netinfo.Collector {
	static := netinfo.Info{
		Interface:  c.Interface,
		IP:         parseIPv4(c.IP),
		SubnetMask: parseIPv4(c.SubnetMask),
		Gateway:    parseIPv4(c.Gateway),
	}
	for _, server := range c.DNS {
		if ip := parseIPv4(server); ip != nil {
			static.DNSServers = append(static.DNSServers, ip)
		}
	}
	return netinfo.Override{Base: netinfo.NewHost(c.Interface), Static: static}
}

// ListenAddress is the UDP address the server binds.
func (c Config) ListenAddress() string {
	return fmt.Sprintf("0.0.0.0:%d", c.UDPPort)
}

func parseIPv4(s string) net.IP {
	if s == "" {
		return nil
	}
	return net.ParseIP(s).To4()
}
