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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/bacnet-vdevices/internal/app"
	"github.com/edgeo-scada/bacnet-vdevices/internal/config"
	"github.com/edgeo-scada/bacnet-vdevices/internal/console"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the virtual devices server",
	Long: `Serve binds the BACnet/IP port, announces the main device, every virtual
device and the virtual networks, then answers requests until stopped.

Console keys:
  h   Show help
  q   Quit

Examples:
  # Serve with defaults
  edgeo-bacnet-vdevices serve

  # Serve without a console, e.g. under a service manager
  edgeo-bacnet-vdevices serve --no-console

  # Report a fixed address on the network port
  edgeo-bacnet-vdevices serve --ip 192.168.1.20 --subnet-mask 255.255.255.0 --gateway 192.168.1.1`,

	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool(config.KeyNoConsole, false, "Disable the interactive console")
	viper.BindPFlag(config.KeyNoConsole, serveCmd.Flags().Lookup(config.KeyNoConsole))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger
	var opts []app.Option
	if !cfg.NoConsole {
		con, err := console.New()
		if err != nil {
			return err
		}
		defer con.Close()

		log = slog.New(slog.NewTextHandler(con.Stderr(), &slog.HandlerOptions{
			Level: logLevel(),
		}))
		opts = append(opts, app.WithCommandSource(con), app.WithOutput(con.Stdout()))
	}

	server := app.New(cfg, log, opts...)
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer server.Close()

	fmt.Fprintf(os.Stderr, "Serving %d virtual devices on %s\n", server.Registry().DeviceCount(), server.LocalAddr())

	return server.Serve(ctx)
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
