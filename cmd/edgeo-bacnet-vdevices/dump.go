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
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet-vdevices/bacnet"
	"github.com/edgeo-scada/bacnet-vdevices/internal/registry"
	"github.com/edgeo-scada/bacnet-vdevices/internal/resolver"
)

var (
	dumpFile string
	dumpType string
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the devices and objects the server would host",
	Long: `Dump builds the device layout from the current configuration and prints
every device and object with its resolved properties. No socket is bound.

Examples:
  # Table of all objects
  edgeo-bacnet-vdevices dump

  # YAML document of a custom layout
  edgeo-bacnet-vdevices dump --networks 2 --devices-per-network 4 -o yaml

  # CSV to a file
  edgeo-bacnet-vdevices dump -o csv -f layout.csv

  # Only the analog inputs
  edgeo-bacnet-vdevices dump --type ai`,

	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpFile, "file", "f", "", "Output file (default: stdout)")
	dumpCmd.Flags().StringVarP(&dumpType, "type", "t", "", "Only objects of this type (device, ai, np)")
}

// DumpObject is one served object and its resolved properties.
type DumpObject struct {
	Type       bacnet.ObjectType `json:"-" yaml:"-"`
	Device     uint32            `json:"device" yaml:"device"`
	Network    uint16            `json:"network,omitempty" yaml:"network,omitempty"`
	ObjectID   string            `json:"object_id" yaml:"object_id"`
	Name       string            `json:"name" yaml:"name"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// DumpResult is the whole layout.
type DumpResult struct {
	Timestamp time.Time    `json:"timestamp" yaml:"timestamp"`
	Devices   int          `json:"virtual_devices" yaml:"virtual_devices"`
	Objects   []DumpObject `json:"objects" yaml:"objects"`
}

func runDump(cmd *cobra.Command, args []string) error {
	format, err := ParseOutputFormat(outputFmt)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var only *bacnet.ObjectType
	if dumpType != "" {
		t, ok := bacnet.ParseObjectType(dumpType)
		if !ok {
			return fmt.Errorf("unknown object type %q", dumpType)
		}
		only = &t
	}

	reg := registry.New(cfg.Collector(), logger)
	if err := reg.Initialize(context.Background(), cfg.Registry()); err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}
	result := buildDump(reg, resolver.New(reg))
	if only != nil {
		result.Objects = filterObjects(result.Objects, *only)
	}

	formatter := NewFormatter(format)
	if dumpFile != "" {
		out, err := os.Create(dumpFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer out.Close()
		formatter.SetWriter(out)
	}

	switch format {
	case FormatJSON, FormatYAML:
		return formatter.PrintDocument(result)
	case FormatCSV:
		return formatter.PrintCSV(dumpHeaders, dumpRows(result))
	default:
		formatter.PrintTable(dumpHeaders, dumpRows(result))
		return nil
	}
}

var dumpHeaders = []string{"device", "network", "object", "name", "properties"}

func dumpRows(result DumpResult) [][]string {
	rows := make([][]string, 0, len(result.Objects))
	for _, obj := range result.Objects {
		network := ""
		if obj.Network != 0 {
			network = fmt.Sprintf("%d", obj.Network)
		}
		props := ""
		for _, key := range sortedKeys(obj.Properties) {
			if props != "" {
				props += " "
			}
			props += key + "=" + obj.Properties[key]
		}
		rows = append(rows, []string{fmt.Sprintf("%d", obj.Device), network, obj.ObjectID, obj.Name, props})
	}
	return rows
}

// buildDump reads every object through the resolver, the same path the
// engine uses to answer ReadProperty.
func buildDump(reg *registry.Registry, res *resolver.Resolver) DumpResult {
	main := reg.MainDevice()
	port := reg.NetworkPort()
	result := DumpResult{
		Timestamp: time.Now(),
		Devices:   reg.DeviceCount(),
	}

	result.Objects = append(result.Objects, dumpObject(res, main.Instance, 0, bacnet.ObjectTypeDevice, main.Instance,
		map[string]bacnet.PropertyIdentifier{"description": bacnet.PropertyDescription},
		map[string]bacnet.PropertyIdentifier{"system-status": bacnet.PropertySystemStatus}))

	portObj := dumpObject(res, main.Instance, 0, bacnet.ObjectTypeNetworkPort, port.Instance, nil, nil)
	portObj.Properties["ip-address"] = ipString(port.IPAddress)
	portObj.Properties["subnet-mask"] = ipString(port.IPSubnetMask)
	portObj.Properties["gateway"] = ipString(port.IPDefaultGateway)
	portObj.Properties["broadcast"] = ipString(port.BroadcastAddress)
	portObj.Properties["udp-port"] = fmt.Sprintf("%d", port.UDPPort)
	dns := ""
	for i, server := range port.IPDNSServers {
		if i > 0 {
			dns += ","
		}
		dns += ipString(server)
	}
	portObj.Properties["dns"] = dns
	result.Objects = append(result.Objects, portObj)

	for _, vn := range reg.Networks() {
		result.Objects = append(result.Objects, dumpObject(res, main.Instance, vn.Number, bacnet.ObjectTypeNetworkPort, vn.PortInstance, nil, nil))
	}

	for _, vn := range reg.Networks() {
		for _, dev := range vn.Devices {
			result.Objects = append(result.Objects, dumpObject(res, dev.Instance, vn.Number, bacnet.ObjectTypeDevice, dev.Instance,
				map[string]bacnet.PropertyIdentifier{"description": bacnet.PropertyDescription},
				map[string]bacnet.PropertyIdentifier{"system-status": bacnet.PropertySystemStatus}))
			result.Objects = append(result.Objects, dumpObject(res, dev.Instance, vn.Number, bacnet.ObjectTypeNetworkPort, 1, nil, nil))

			ai := dumpObject(res, dev.Instance, vn.Number, bacnet.ObjectTypeAnalogInput, 1, nil,
				map[string]bacnet.PropertyIdentifier{"reliability": bacnet.PropertyReliability})
			pv, err := res.GetReal(propertyRequest(dev.Instance, bacnet.ObjectTypeAnalogInput, 1, bacnet.PropertyPresentValue))
			if err == nil {
				ai.Properties["present-value"] = fmt.Sprintf("%g", pv)
			}
			result.Objects = append(result.Objects, ai)
		}
	}
	return result
}

func dumpObject(res *resolver.Resolver, device uint32, network uint16, objectType bacnet.ObjectType, instance uint32,
	strs, enums map[string]bacnet.PropertyIdentifier) DumpObject {
	obj := DumpObject{
		Type:       objectType,
		Device:     device,
		Network:    network,
		ObjectID:   bacnet.NewObjectIdentifier(objectType, instance).String(),
		Properties: make(map[string]string),
	}

	buf := make([]byte, bacnet.MaxAPDULength)
	n, err := res.GetCharacterString(propertyRequest(device, objectType, instance, bacnet.PropertyObjectName), buf)
	if err != nil {
		obj.Name = describeError(err)
	} else {
		obj.Name = string(buf[:n])
	}
	for key, prop := range strs {
		if n, err := res.GetCharacterString(propertyRequest(device, objectType, instance, prop), buf); err == nil {
			obj.Properties[key] = string(buf[:n])
		}
	}
	for key, prop := range enums {
		v, err := res.GetEnumerated(propertyRequest(device, objectType, instance, prop))
		if err != nil {
			continue
		}
		switch prop {
		case bacnet.PropertySystemStatus:
			obj.Properties[key] = bacnet.DeviceStatus(v).String()
		case bacnet.PropertyReliability:
			obj.Properties[key] = bacnet.Reliability(v).String()
		default:
			obj.Properties[key] = fmt.Sprintf("%d", v)
		}
	}
	return obj
}

func filterObjects(objects []DumpObject, objectType bacnet.ObjectType) []DumpObject {
	kept := objects[:0]
	for _, obj := range objects {
		if obj.Type == objectType {
			kept = append(kept, obj)
		}
	}
	return kept
}

func describeError(err error) string {
	switch {
	case bacnet.IsUnknownObject(err):
		return "<unknown object>"
	case bacnet.IsPropertyNotFound(err):
		return "<no name>"
	default:
		return "<" + err.Error() + ">"
	}
}

func propertyRequest(device uint32, objectType bacnet.ObjectType, instance uint32, prop bacnet.PropertyIdentifier) bacnet.PropertyRequest {
	return bacnet.PropertyRequest{
		DeviceInstance: device,
		ObjectType:     objectType,
		ObjectInstance: instance,
		Property:       prop,
	}
}

func ipString(b []byte) string {
	if len(b) != net.IPv4len {
		return ""
	}
	return net.IP(b).String()
}
