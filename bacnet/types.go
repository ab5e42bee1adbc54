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

// Package bacnet provides the BACnet/IP codec, transport bridge and a small
// protocol engine able to host a main device plus routed virtual devices.
package bacnet

import (
	"encoding/binary"
	"fmt"
)

// DefaultPort is the standard BACnet/IP UDP port
const DefaultPort = 47808

// MaxAPDULength is the maximum APDU length for BACnet/IP
const MaxAPDULength = 1476

// MaxInstance is the largest valid 22-bit object instance. Also used as the
// wildcard device instance in ReadProperty requests.
const MaxInstance = 0x3FFFFF

// DefaultVendorID is reported in I-Am and the vendor-identifier property.
const DefaultVendorID = 389

// Broadcast network number used in NPDU destinations.
const GlobalBroadcastNetwork = 0xFFFF

// BVLC Types (BACnet Virtual Link Control)
type BVLCType uint8

const (
	BVLCTypeBACnetIP BVLCType = 0x81
)

// BVLC Functions
type BVLCFunction uint8

const (
	BVLCResult                       BVLCFunction = 0x00
	BVLCForwardedNPDU                BVLCFunction = 0x04
	BVLCRegisterForeignDevice        BVLCFunction = 0x05
	BVLCDistributeBroadcastToNetwork BVLCFunction = 0x09
	BVLCOriginalUnicastNPDU          BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU        BVLCFunction = 0x0B
)

// NPDU Network Layer Protocol Control Information
type NPDUControl uint8

const (
	NPDUControlNetworkLayerMessage NPDUControl = 0x80
	NPDUControlDestSpecifier       NPDUControl = 0x20
	NPDUControlSourceSpecifier     NPDUControl = 0x08
	NPDUControlExpectingReply      NPDUControl = 0x04
	NPDUControlPriorityNormal      NPDUControl = 0x00
	NPDUControlPriorityMask        NPDUControl = 0x03
)

// Network Layer Message Types
type NetworkMessageType uint8

const (
	NetworkMessageWhoIsRouterToNetwork   NetworkMessageType = 0x00
	NetworkMessageIAmRouterToNetwork     NetworkMessageType = 0x01
	NetworkMessageRejectMessageToNetwork NetworkMessageType = 0x03
)

func (m NetworkMessageType) String() string {
	switch m {
	case NetworkMessageWhoIsRouterToNetwork:
		return "who-is-router-to-network"
	case NetworkMessageIAmRouterToNetwork:
		return "i-am-router-to-network"
	case NetworkMessageRejectMessageToNetwork:
		return "reject-message-to-network"
	}
	return fmt.Sprintf("network-message(%d)", uint8(m))
}

// PDU Types (Application Layer)
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

// Confirmed Service Choices
type ConfirmedServiceChoice uint8

const (
	ServiceSubscribeCOV               ConfirmedServiceChoice = 5
	ServiceReadProperty               ConfirmedServiceChoice = 12
	ServiceReadPropertyMultiple       ConfirmedServiceChoice = 14
	ServiceWriteProperty              ConfirmedServiceChoice = 15
	ServiceWritePropertyMultiple      ConfirmedServiceChoice = 16
	ServiceDeviceCommunicationControl ConfirmedServiceChoice = 17
	ServiceReinitializeDevice         ConfirmedServiceChoice = 20
)

func (s ConfirmedServiceChoice) String() string {
	switch s {
	case ServiceSubscribeCOV:
		return "subscribe-cov"
	case ServiceReadProperty:
		return "read-property"
	case ServiceReadPropertyMultiple:
		return "read-property-multiple"
	case ServiceWriteProperty:
		return "write-property"
	case ServiceWritePropertyMultiple:
		return "write-property-multiple"
	case ServiceDeviceCommunicationControl:
		return "device-communication-control"
	case ServiceReinitializeDevice:
		return "reinitialize-device"
	}
	return fmt.Sprintf("confirmed-service(%d)", uint8(s))
}

// Unconfirmed Service Choices
type UnconfirmedServiceChoice uint8

const (
	ServiceIAm    UnconfirmedServiceChoice = 0
	ServiceIHave  UnconfirmedServiceChoice = 1
	ServiceWhoHas UnconfirmedServiceChoice = 7
	ServiceWhoIs  UnconfirmedServiceChoice = 8
)

func (s UnconfirmedServiceChoice) String() string {
	switch s {
	case ServiceIAm:
		return "i-am"
	case ServiceIHave:
		return "i-have"
	case ServiceWhoHas:
		return "who-has"
	case ServiceWhoIs:
		return "who-is"
	}
	return fmt.Sprintf("unconfirmed-service(%d)", uint8(s))
}

// ObjectType represents BACnet object types
type ObjectType uint16

const (
	ObjectTypeAnalogInput  ObjectType = 0
	ObjectTypeAnalogOutput ObjectType = 1
	ObjectTypeAnalogValue  ObjectType = 2
	ObjectTypeBinaryInput  ObjectType = 3
	ObjectTypeDevice       ObjectType = 8
	ObjectTypeNetworkPort  ObjectType = 56
)

func (o ObjectType) String() string {
	names := map[ObjectType]string{
		ObjectTypeAnalogInput:  "analog-input",
		ObjectTypeAnalogOutput: "analog-output",
		ObjectTypeAnalogValue:  "analog-value",
		ObjectTypeBinaryInput:  "binary-input",
		ObjectTypeDevice:       "device",
		ObjectTypeNetworkPort:  "network-port",
	}
	if name, ok := names[o]; ok {
		return name
	}
	return fmt.Sprintf("vendor-specific(%d)", o)
}

// ParseObjectType parses a string to ObjectType
func ParseObjectType(s string) (ObjectType, bool) {
	types := map[string]ObjectType{
		"analog-input": ObjectTypeAnalogInput,
		"ai":           ObjectTypeAnalogInput,
		"device":       ObjectTypeDevice,
		"dev":          ObjectTypeDevice,
		"network-port": ObjectTypeNetworkPort,
		"np":           ObjectTypeNetworkPort,
	}
	if t, ok := types[s]; ok {
		return t, true
	}
	return 0, false
}

// PropertyIdentifier represents BACnet property identifiers
type PropertyIdentifier uint32

const (
	PropertyAll                   PropertyIdentifier = 8
	PropertyDescription           PropertyIdentifier = 28
	PropertyMaxApduLengthAccepted PropertyIdentifier = 62
	PropertyObjectIdentifier      PropertyIdentifier = 75
	PropertyObjectList            PropertyIdentifier = 76
	PropertyObjectName            PropertyIdentifier = 77
	PropertyObjectType            PropertyIdentifier = 79
	PropertyOptional              PropertyIdentifier = 80
	PropertyPresentValue          PropertyIdentifier = 85
	PropertyProtocolVersion       PropertyIdentifier = 98
	PropertyReliability           PropertyIdentifier = 103
	PropertyRequired              PropertyIdentifier = 105
	PropertySegmentationSupported PropertyIdentifier = 107
	PropertySystemStatus          PropertyIdentifier = 112
	PropertyVendorIdentifier      PropertyIdentifier = 120
	PropertyProtocolRevision      PropertyIdentifier = 139
	PropertyIPAddress             PropertyIdentifier = 400
	PropertyIPDefaultGateway      PropertyIdentifier = 401
	PropertyIPDNSServer           PropertyIdentifier = 406
	PropertyIPSubnetMask          PropertyIdentifier = 411
	PropertyBACnetIPUDPPort       PropertyIdentifier = 412
	PropertyNetworkType           PropertyIdentifier = 427
	PropertyProtocolLevel         PropertyIdentifier = 482
)

func (p PropertyIdentifier) String() string {
	names := map[PropertyIdentifier]string{
		PropertyAll:                   "all",
		PropertyDescription:           "description",
		PropertyMaxApduLengthAccepted: "max-apdu-length-accepted",
		PropertyObjectIdentifier:      "object-identifier",
		PropertyObjectList:            "object-list",
		PropertyObjectName:            "object-name",
		PropertyObjectType:            "object-type",
		PropertyOptional:              "optional",
		PropertyPresentValue:          "present-value",
		PropertyProtocolVersion:       "protocol-version",
		PropertyReliability:           "reliability",
		PropertyRequired:              "required",
		PropertySegmentationSupported: "segmentation-supported",
		PropertySystemStatus:          "system-status",
		PropertyVendorIdentifier:      "vendor-identifier",
		PropertyProtocolRevision:      "protocol-revision",
		PropertyIPAddress:             "ip-address",
		PropertyIPDefaultGateway:      "ip-default-gateway",
		PropertyIPDNSServer:           "ip-dns-server",
		PropertyIPSubnetMask:          "ip-subnet-mask",
		PropertyBACnetIPUDPPort:       "bacnet-ip-udp-port",
		PropertyNetworkType:           "network-type",
		PropertyProtocolLevel:         "protocol-level",
	}
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("property(%d)", p)
}

// ObjectIdentifier represents a BACnet object identifier (type + instance)
type ObjectIdentifier struct {
	Type     ObjectType
	Instance uint32
}

// NewObjectIdentifier creates a new ObjectIdentifier
func NewObjectIdentifier(objectType ObjectType, instance uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     objectType,
		Instance: instance,
	}
}

// Encode encodes the object identifier to a 4-byte value
func (o ObjectIdentifier) Encode() uint32 {
	return (uint32(o.Type) << 22) | (o.Instance & MaxInstance)
}

// DecodeObjectIdentifier decodes a 4-byte value to an ObjectIdentifier
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType((value >> 22) & 0x3FF),
		Instance: value & MaxInstance,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type.String(), o.Instance)
}

// Reliability represents the BACnet reliability
type Reliability uint8

const (
	ReliabilityNoFaultDetected Reliability = 0
	ReliabilityNoSensor        Reliability = 1
	ReliabilityOverRange       Reliability = 2
	ReliabilityUnderRange      Reliability = 3
	ReliabilityUnreliableOther Reliability = 7
)

func (r Reliability) String() string {
	names := map[Reliability]string{
		ReliabilityNoFaultDetected: "no-fault-detected",
		ReliabilityNoSensor:        "no-sensor",
		ReliabilityOverRange:       "over-range",
		ReliabilityUnderRange:      "under-range",
		ReliabilityUnreliableOther: "unreliable-other",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("reliability(%d)", r)
}

// Segmentation represents the BACnet segmentation capability
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	names := map[Segmentation]string{
		SegmentationBoth:     "segmented-both",
		SegmentationTransmit: "segmented-transmit",
		SegmentationReceive:  "segmented-receive",
		SegmentationNone:     "no-segmentation",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("segmentation(%d)", s)
}

// DeviceStatus represents the BACnet device status
type DeviceStatus uint8

const (
	DeviceStatusOperational         DeviceStatus = 0
	DeviceStatusOperationalReadOnly DeviceStatus = 1
	DeviceStatusNonOperational      DeviceStatus = 4
)

func (d DeviceStatus) String() string {
	names := map[DeviceStatus]string{
		DeviceStatusOperational:         "operational",
		DeviceStatusOperationalReadOnly: "operational-read-only",
		DeviceStatusNonOperational:      "non-operational",
	}
	if name, ok := names[d]; ok {
		return name
	}
	return fmt.Sprintf("device-status(%d)", d)
}

// NetworkType identifies the datalink a message travelled on.
type NetworkType uint8

const (
	NetworkTypeIP NetworkType = 0
)

// Network-port object network-type and protocol-level values.
const (
	NetworkPortTypeIPv4            = 5
	NetworkPortTypeVirtual         = 7
	ProtocolLevelBACnetApplication = 2
)

// Address represents a BACnet address
type Address struct {
	Net  uint16
	Addr []byte
}

// IsBroadcast reports whether the address targets every station of Net.
func (a *Address) IsBroadcast() bool {
	return a != nil && len(a.Addr) == 0
}

// ReadPropertyRequest represents a ReadProperty request
type ReadPropertyRequest struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
}

// Tag types for BACnet encoding
type TagClass uint8

const (
	TagClassApplication TagClass = 0
	TagClassContext     TagClass = 1
)

type ApplicationTag uint8

const (
	TagNull            ApplicationTag = 0
	TagBoolean         ApplicationTag = 1
	TagUnsignedInt     ApplicationTag = 2
	TagSignedInt       ApplicationTag = 3
	TagReal            ApplicationTag = 4
	TagDouble          ApplicationTag = 5
	TagOctetString     ApplicationTag = 6
	TagCharacterString ApplicationTag = 7
	TagBitString       ApplicationTag = 8
	TagEnumerated      ApplicationTag = 9
	TagDate            ApplicationTag = 10
	TagTime            ApplicationTag = 11
	TagObjectID        ApplicationTag = 12
)

// Helper functions for encoding
func encodeUint16(buf []byte, v uint16) {
	binary.BigEndian.PutUint16(buf, v)
}

func decodeUint16(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

func decodeUint32(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}
