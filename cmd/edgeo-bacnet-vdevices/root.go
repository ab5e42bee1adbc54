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

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/bacnet-vdevices/bacnet"
	"github.com/edgeo-scada/bacnet-vdevices/internal/config"
)

var (
	cfgFile   string
	outputFmt string
	verbose   bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "edgeo-bacnet-vdevices",
	Short: "A BACnet/IP server hosting routed virtual devices",
	Long: `edgeo-bacnet-vdevices runs a BACnet/IP device that routes to a set of
virtual networks, each populated with virtual devices carrying an analog input.

Examples:
  # Serve the default layout (3 networks of 10 devices) on UDP 47808
  edgeo-bacnet-vdevices serve

  # Serve 5 networks of 20 devices on another port
  edgeo-bacnet-vdevices serve --networks 5 --devices-per-network 20 --udp-port 47809

  # Print the devices that would be served
  edgeo-bacnet-vdevices dump -o yaml`,

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Setup logger
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel(),
		}))

		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	d := config.Default()
	flags := rootCmd.PersistentFlags()

	// Global flags
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.edgeo-bacnet-vdevices.yaml)")
	flags.StringVarP(&outputFmt, "output", "o", "table", "Output format (table, json, csv, yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// Device layout
	flags.Uint16P(config.KeyUDPPort, "p", bacnet.DefaultPort, "BACnet/IP UDP port")
	flags.Uint32P(config.KeyDeviceInstance, "d", d.DeviceInstance, "Main device instance")
	flags.String(config.KeyDeviceName, d.DeviceName, "Main device object name")
	flags.String(config.KeyDeviceDescription, d.DeviceDescription, "Main device description")
	flags.Int(config.KeyNetworks, d.Networks, "Number of virtual networks")
	flags.Uint16(config.KeyNetworkStart, d.NetworkStart, "First virtual network number")
	flags.Uint16(config.KeyNetworkOffset, d.NetworkOffset, "Distance between virtual network numbers")
	flags.Int(config.KeyDevicesPerNetwork, d.DevicesPerNetwork, "Virtual devices per network")
	flags.Uint32(config.KeyDeviceStart, d.DeviceStart, "Base instance of virtual devices")
	flags.Duration(config.KeyPollTimeout, d.PollTimeout, "Receive poll timeout")

	// Host network overrides
	flags.String(config.KeyInterface, "", "Network interface reported by the network port (default: first IPv4 interface)")
	flags.String(config.KeyIP, "", "IPv4 address reported by the network port")
	flags.String(config.KeySubnetMask, "", "Subnet mask reported by the network port")
	flags.String(config.KeyGateway, "", "Default gateway reported by the network port")
	flags.StringSlice(config.KeyDNS, nil, "DNS servers reported by the network port")

	// Bind flags to viper
	for _, key := range []string{
		config.KeyUDPPort, config.KeyDeviceInstance, config.KeyDeviceName, config.KeyDeviceDescription,
		config.KeyNetworks, config.KeyNetworkStart, config.KeyNetworkOffset, config.KeyDevicesPerNetwork,
		config.KeyDeviceStart, config.KeyPollTimeout, config.KeyInterface, config.KeyIP,
		config.KeySubnetMask, config.KeyGateway, config.KeyDNS,
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}
	viper.BindPFlag("output", flags.Lookup("output"))
	viper.BindPFlag("verbose", flags.Lookup("verbose"))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".edgeo-bacnet-vdevices")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BACNET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadConfig decodes the merged flags, environment and config file.
func loadConfig() (config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("edgeo-bacnet-vdevices version 1.0.0")
	},
}
