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
	"fmt"
	"log/slog"
	"net"
)

// maxDatagramLength bounds a BACnet/IP datagram (BVLC + NPDU).
const maxDatagramLength = 1500

// Protocol version and revision reported by every device.
const (
	protocolVersion  = 1
	protocolRevision = 14
)

// PropertyRequest identifies one property read handed to a PropertyProvider.
type PropertyRequest struct {
	DeviceInstance uint32
	ObjectType     ObjectType
	ObjectInstance uint32
	Property       PropertyIdentifier
	UseArrayIndex  bool
	ArrayIndex     uint32
}

// PropertyProvider supplies the values of the properties the Server does
// not own. Buffers are caller owned: len(dst) is the capacity and the
// returned count is the number of elements written. Implementations return
// ErrPropertyNotFound, ErrUnknownObject, ErrInvalidArrayIndex or
// ErrValueTooLong and leave dst untouched on failure.
type PropertyProvider interface {
	GetCharacterString(req PropertyRequest, dst []byte) (int, error)
	GetEnumerated(req PropertyRequest) (uint32, error)
	GetOctetString(req PropertyRequest, dst []byte) (int, error)
	GetReal(req PropertyRequest) (float32, error)
	GetUnsigned(req PropertyRequest) (uint32, error)
}

// Datatypes of the properties resolved through the PropertyProvider.
var providedProperties = map[PropertyIdentifier]ApplicationTag{
	PropertyObjectName:       TagCharacterString,
	PropertyDescription:      TagCharacterString,
	PropertySystemStatus:     TagEnumerated,
	PropertyReliability:      TagEnumerated,
	PropertyPresentValue:     TagReal,
	PropertyIPAddress:        TagOctetString,
	PropertyIPDefaultGateway: TagOctetString,
	PropertyIPSubnetMask:     TagOctetString,
	PropertyIPDNSServer:      TagOctetString,
	PropertyBACnetIPUDPPort:  TagUnsignedInt,
}

var arrayProperties = map[PropertyIdentifier]bool{
	PropertyObjectList:  true,
	PropertyIPDNSServer: true,
}

// Optional properties are only served once enabled for the object or its type.
var optionalProperties = map[ObjectType]map[PropertyIdentifier]bool{
	ObjectTypeDevice:      {PropertyDescription: true},
	ObjectTypeAnalogInput: {PropertyReliability: true},
}

type portInfo struct {
	networkType   uint8
	protocolLevel uint8
}

type serverDevice struct {
	instance      uint32
	network       uint16
	objects       []ObjectIdentifier
	ports         map[uint32]portInfo
	services      map[ConfirmedServiceChoice]bool
	enabled       map[ObjectIdentifier]map[PropertyIdentifier]bool
	enabledByType map[ObjectType]map[PropertyIdentifier]bool
}

func newServerDevice(instance uint32, network uint16) *serverDevice {
	return &serverDevice{
		instance:      instance,
		network:       network,
		objects:       []ObjectIdentifier{NewObjectIdentifier(ObjectTypeDevice, instance)},
		ports:         make(map[uint32]portInfo),
		services:      map[ConfirmedServiceChoice]bool{ServiceReadProperty: true},
		enabled:       make(map[ObjectIdentifier]map[PropertyIdentifier]bool),
		enabledByType: make(map[ObjectType]map[PropertyIdentifier]bool),
	}
}

func (d *serverDevice) identifier() ObjectIdentifier {
	return d.objects[0]
}

func (d *serverDevice) hasObject(oid ObjectIdentifier) bool {
	for _, o := range d.objects {
		if o == oid {
			return true
		}
	}
	return false
}

func (d *serverDevice) propertyEnabled(oid ObjectIdentifier, prop PropertyIdentifier) bool {
	return d.enabled[oid][prop] || d.enabledByType[oid.Type][prop]
}

type virtualNetwork struct {
	number       uint16
	portInstance uint32
	devices      []uint32
}

// replyPath is where an answer goes: the datalink connection string and,
// for requesters behind another router, their network address.
type replyPath struct {
	conn []byte
	dest *Address
}

// Server hosts a main device and the virtual devices routed behind it.
// It is not safe for concurrent use; Loop and the registration calls must
// run on one goroutine.
type Server struct {
	link     Link
	provider PropertyProvider
	opts     *serverOptions
	logger   *slog.Logger
	metrics  *Metrics

	main     *serverDevice
	devices  map[uint32]*serverDevice
	order    []uint32
	networks map[uint16]*virtualNetwork
	netOrder []uint16

	rxBuf   []byte
	connBuf []byte
}

// NewServer creates a protocol engine moving datagrams through link and
// resolving property values through provider.
func NewServer(link Link, provider PropertyProvider, opts ...Option) *Server {
	o := applyOptions(opts)
	return &Server{
		link:     link,
		provider: provider,
		opts:     o,
		logger:   o.logger,
		metrics:  o.metrics,
		devices:  make(map[uint32]*serverDevice),
		networks: make(map[uint16]*virtualNetwork),
		rxBuf:    make([]byte, maxDatagramLength),
		connBuf:  make([]byte, ConnectionLength),
	}
}

// Metrics returns the server metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// DeviceCount returns the number of registered devices, main included
func (s *Server) DeviceCount() int {
	return len(s.devices)
}

// AddDevice registers the main device hosted on the local network.
func (s *Server) AddDevice(instance uint32) error {
	if instance > MaxInstance {
		return fmt.Errorf("device %d: instance exceeds %d", instance, MaxInstance)
	}
	if s.main != nil {
		return fmt.Errorf("%w: main device %d already registered", ErrDeviceExists, s.main.instance)
	}
	if _, ok := s.devices[instance]; ok {
		return fmt.Errorf("%w: %d", ErrDeviceExists, instance)
	}
	s.main = newServerDevice(instance, 0)
	s.registerDevice(s.main)
	return nil
}

// AddNetworkPortObject adds a network-port object to a device
func (s *Server) AddNetworkPortObject(deviceInstance, objectInstance uint32, networkType, protocolLevel uint8) error {
	dev, ok := s.devices[deviceInstance]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, deviceInstance)
	}
	if err := s.addObject(dev, NewObjectIdentifier(ObjectTypeNetworkPort, objectInstance)); err != nil {
		return err
	}
	dev.ports[objectInstance] = portInfo{networkType: networkType, protocolLevel: protocolLevel}
	return nil
}

// AddVirtualNetwork declares a virtual network routed by the main device
// and adds its network-port object portInstance to the main device.
func (s *Server) AddVirtualNetwork(mainInstance uint32, network uint16, portInstance uint32) error {
	if s.main == nil || s.main.instance != mainInstance {
		return fmt.Errorf("%w: main device %d", ErrDeviceNotFound, mainInstance)
	}
	if network == 0 || network == GlobalBroadcastNetwork {
		return fmt.Errorf("%w: %d", ErrInvalidNetwork, network)
	}
	if _, ok := s.networks[network]; ok {
		return fmt.Errorf("%w: %d", ErrNetworkExists, network)
	}
	if err := s.AddNetworkPortObject(mainInstance, portInstance, NetworkPortTypeVirtual, ProtocolLevelBACnetApplication); err != nil {
		return fmt.Errorf("network %d: %w", network, err)
	}
	s.networks[network] = &virtualNetwork{number: network, portInstance: portInstance}
	s.netOrder = append(s.netOrder, network)
	return nil
}

// AddDeviceToVirtualNetwork creates a virtual device reachable through the
// given virtual network. The device gets its own network-port object 1.
func (s *Server) AddDeviceToVirtualNetwork(instance uint32, network uint16) error {
	if instance > MaxInstance {
		return fmt.Errorf("device %d: instance exceeds %d", instance, MaxInstance)
	}
	vn, ok := s.networks[network]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNetworkNotFound, network)
	}
	if _, ok := s.devices[instance]; ok {
		return fmt.Errorf("%w: %d", ErrDeviceExists, instance)
	}
	dev := newServerDevice(instance, network)
	s.registerDevice(dev)
	vn.devices = append(vn.devices, instance)
	return s.AddNetworkPortObject(instance, 1, NetworkPortTypeVirtual, ProtocolLevelBACnetApplication)
}

// AddObject adds an object to a registered device
func (s *Server) AddObject(deviceInstance uint32, objectType ObjectType, objectInstance uint32) error {
	dev, ok := s.devices[deviceInstance]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, deviceInstance)
	}
	return s.addObject(dev, NewObjectIdentifier(objectType, objectInstance))
}

// SetServiceEnabled toggles an optional confirmed service for a device
func (s *Server) SetServiceEnabled(deviceInstance uint32, service ConfirmedServiceChoice, enabled bool) error {
	dev, ok := s.devices[deviceInstance]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, deviceInstance)
	}
	dev.services[service] = enabled
	return nil
}

// SetPropertyEnabled toggles an optional property of one object
func (s *Server) SetPropertyEnabled(deviceInstance uint32, objectType ObjectType, objectInstance uint32, prop PropertyIdentifier, enabled bool) error {
	dev, ok := s.devices[deviceInstance]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, deviceInstance)
	}
	oid := NewObjectIdentifier(objectType, objectInstance)
	if !dev.hasObject(oid) {
		return fmt.Errorf("%w: %s on device %d", ErrUnknownObject, oid, deviceInstance)
	}
	if dev.enabled[oid] == nil {
		dev.enabled[oid] = make(map[PropertyIdentifier]bool)
	}
	dev.enabled[oid][prop] = enabled
	return nil
}

// SetPropertyByObjectTypeEnabled toggles an optional property for every
// object of a type on a device
func (s *Server) SetPropertyByObjectTypeEnabled(deviceInstance uint32, objectType ObjectType, prop PropertyIdentifier, enabled bool) error {
	dev, ok := s.devices[deviceInstance]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, deviceInstance)
	}
	if dev.enabledByType[objectType] == nil {
		dev.enabledByType[objectType] = make(map[PropertyIdentifier]bool)
	}
	dev.enabledByType[objectType][prop] = enabled
	return nil
}

// SendIAm announces a device to conn
func (s *Server) SendIAm(ctx context.Context, deviceInstance uint32, conn []byte, broadcast bool) error {
	dev, ok := s.devices[deviceInstance]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, deviceInstance)
	}
	return s.sendIAm(ctx, dev, replyPath{conn: conn}, broadcast)
}

// SendIAmRouterToNetwork announces every virtual network to conn
func (s *Server) SendIAmRouterToNetwork(ctx context.Context, conn []byte, broadcast bool) error {
	return s.sendIAmRouter(ctx, conn, s.netOrder, broadcast)
}

// Loop polls the link once and handles at most one datagram.
func (s *Server) Loop(ctx context.Context) {
	n, connLen, network := s.link.ReceiveInbound(ctx, s.rxBuf, s.connBuf)
	if n == 0 || network != NetworkTypeIP || connLen < ConnectionLength {
		return
	}
	conn := append([]byte(nil), s.connBuf[:ConnectionLength]...)
	s.handlePacket(ctx, s.rxBuf[:n], conn)
}

func (s *Server) registerDevice(dev *serverDevice) {
	s.devices[dev.instance] = dev
	s.order = append(s.order, dev.instance)
	s.metrics.Devices.Set(int64(len(s.devices)))
}

func (s *Server) addObject(dev *serverDevice, oid ObjectIdentifier) error {
	if oid.Instance > MaxInstance {
		return fmt.Errorf("object %s: instance exceeds %d", oid, MaxInstance)
	}
	if dev.hasObject(oid) {
		return fmt.Errorf("%w: %s on device %d", ErrObjectExists, oid, dev.instance)
	}
	dev.objects = append(dev.objects, oid)
	return nil
}

func (s *Server) handlePacket(ctx context.Context, data, conn []byte) {
	start := s.opts.clock()

	bvlc, err := DecodeBVLC(data)
	if err != nil {
		s.drop("bad BVLC", conn, err)
		return
	}

	path := replyPath{conn: conn}
	npduData := data[BVLCHeaderLength:]
	switch bvlc.Function {
	case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU:
	case BVLCForwardedNPDU:
		if len(npduData) < ConnectionLength {
			s.drop("short forwarded NPDU", conn, ErrInvalidBVLC)
			return
		}
		path.conn = append([]byte(nil), npduData[:ConnectionLength]...)
		npduData = npduData[ConnectionLength:]
	default:
		s.drop("unsupported BVLC function", conn, fmt.Errorf("function %02x", uint8(bvlc.Function)))
		return
	}

	npdu, _, err := DecodeNPDU(npduData)
	if err != nil {
		s.drop("bad NPDU", conn, err)
		return
	}
	if npdu.HasSource() {
		path.dest = &Address{Net: npdu.SrcNet, Addr: npdu.SrcAddr}
	}

	if npdu.IsNetworkMessage() {
		s.handleNetworkMessage(ctx, npdu, path)
		return
	}

	apdu, err := DecodeAPDU(npdu.Data)
	if err != nil {
		s.drop("bad APDU", conn, err)
		return
	}

	targets := s.route(npdu)
	if len(targets) == 0 {
		s.logger.Debug("no device addressed",
			slog.Int("dnet", int(npdu.DestNet)),
			slog.String("dadr", fmt.Sprintf("%x", npdu.DestAddr)))
		return
	}

	switch apdu.Type {
	case PDUTypeUnconfirmedRequest:
		s.handleUnconfirmed(ctx, apdu, targets, path)
	case PDUTypeConfirmedRequest:
		if len(targets) != 1 {
			s.drop("confirmed request to a broadcast address", conn, nil)
			return
		}
		s.handleConfirmed(ctx, apdu, targets[0], path)
		s.metrics.RequestLatency.Record(s.opts.clock().Sub(start))
	default:
		s.logger.Debug("ignoring APDU", slog.Int("type", int(apdu.Type)))
	}
}

func (s *Server) drop(reason string, conn []byte, err error) {
	s.metrics.PacketsDropped.Inc()
	attrs := []any{slog.String("reason", reason), slog.String("from", connString(conn))}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.Debug("datagram dropped", attrs...)
}

// route resolves the NPDU destination to the devices it addresses.
func (s *Server) route(npdu *NPDU) []*serverDevice {
	if !npdu.HasDest() {
		if s.main == nil {
			return nil
		}
		return []*serverDevice{s.main}
	}
	if npdu.DestNet == GlobalBroadcastNetwork {
		devices := make([]*serverDevice, 0, len(s.order))
		for _, instance := range s.order {
			devices = append(devices, s.devices[instance])
		}
		return devices
	}
	vn, ok := s.networks[npdu.DestNet]
	if !ok {
		return nil
	}
	if len(npdu.DestAddr) == 0 {
		devices := make([]*serverDevice, 0, len(vn.devices))
		for _, instance := range vn.devices {
			devices = append(devices, s.devices[instance])
		}
		return devices
	}
	instance, ok := InstanceFromMAC(npdu.DestAddr)
	if !ok {
		return nil
	}
	dev, ok := s.devices[instance]
	if !ok || dev.network != vn.number {
		return nil
	}
	return []*serverDevice{dev}
}

func (s *Server) handleNetworkMessage(ctx context.Context, npdu *NPDU, path replyPath) {
	switch npdu.MessageType {
	case NetworkMessageWhoIsRouterToNetwork:
		s.metrics.WhoIsRouterReceived.Inc()
		networks := s.netOrder
		if len(npdu.Data) >= 2 {
			want := decodeUint16(npdu.Data)
			if _, ok := s.networks[want]; !ok {
				return
			}
			networks = []uint16{want}
		}
		if len(networks) == 0 {
			return
		}
		if err := s.sendIAmRouter(ctx, path.conn, networks, true); err != nil {
			s.logger.Warn("I-Am-Router-To-Network failed", slog.String("error", err.Error()))
		}
	default:
		s.logger.Debug("ignoring network message", slog.String("type", npdu.MessageType.String()))
	}
}

func (s *Server) handleUnconfirmed(ctx context.Context, apdu *APDU, targets []*serverDevice, path replyPath) {
	switch UnconfirmedServiceChoice(apdu.Service) {
	case ServiceWhoIs:
		s.metrics.WhoIsReceived.Inc()
		low, high, ranged, err := DecodeWhoIs(apdu.Data)
		if err != nil {
			s.drop("bad Who-Is", path.conn, err)
			return
		}
		for _, dev := range targets {
			if ranged && (dev.instance < low || dev.instance > high) {
				continue
			}
			if err := s.sendIAm(ctx, dev, path, true); err != nil {
				s.logger.Warn("I-Am failed", slog.Uint64("device", uint64(dev.instance)), slog.String("error", err.Error()))
			}
		}
	default:
		s.logger.Debug("ignoring unconfirmed service", slog.String("service", UnconfirmedServiceChoice(apdu.Service).String()))
	}
}

func (s *Server) handleConfirmed(ctx context.Context, apdu *APDU, dev *serverDevice, path replyPath) {
	service := ConfirmedServiceChoice(apdu.Service)

	var reply []byte
	switch {
	case apdu.Segmented:
		s.metrics.RequestsAborted.Inc()
		reply = EncodeAbortPDU(apdu.InvokeID, true, AbortReasonSegmentationNotSupported)
	case service == ServiceReadProperty:
		reply = s.serveReadProperty(apdu, dev)
	case service == ServiceReadPropertyMultiple && dev.services[service]:
		reply = s.serveReadPropertyMultiple(apdu, dev)
	default:
		s.metrics.RequestsRejected.Inc()
		reply = EncodeRejectPDU(apdu.InvokeID, RejectReasonUnrecognizedService)
	}

	if len(reply) > apdu.MaxAPDULengthAccepted() || len(reply) > int(s.opts.maxAPDULength) {
		s.metrics.RequestsAborted.Inc()
		reply = EncodeAbortPDU(apdu.InvokeID, true, AbortReasonSegmentationNotSupported)
	}

	s.logger.Debug("confirmed request",
		slog.Uint64("device", uint64(dev.instance)),
		slog.String("service", service.String()),
		slog.Int("invoke_id", int(apdu.InvokeID)),
		slog.Int("reply_bytes", len(reply)))

	if err := s.send(ctx, dev, path, reply, false); err != nil {
		s.logger.Warn("reply failed", slog.Uint64("device", uint64(dev.instance)), slog.String("error", err.Error()))
	}
}

func (s *Server) serveReadProperty(apdu *APDU, dev *serverDevice) []byte {
	req, err := DecodeReadPropertyRequest(apdu.Data)
	if err != nil {
		s.metrics.RequestsRejected.Inc()
		return EncodeRejectPDU(apdu.InvokeID, RejectReasonMissingRequiredParameter)
	}
	req.ObjectID = dev.resolveWildcard(req.ObjectID)

	value, berr := s.readProperty(dev, req)
	if berr != nil {
		s.metrics.RequestsFailed.Inc()
		s.logger.Debug("read-property failed",
			slog.Uint64("device", uint64(dev.instance)),
			slog.String("object", req.ObjectID.String()),
			slog.String("property", req.PropertyID.String()),
			slog.String("error", berr.Error()))
		return EncodeErrorPDU(apdu.InvokeID, ServiceReadProperty, berr)
	}
	s.metrics.RequestsServed.Inc()
	return EncodeComplexAck(apdu.InvokeID, ServiceReadProperty, EncodeReadPropertyAck(req, value))
}

func (s *Server) serveReadPropertyMultiple(apdu *APDU, dev *serverDevice) []byte {
	reqs, err := DecodeReadPropertyMultipleRequest(apdu.Data)
	if err != nil {
		s.metrics.RequestsRejected.Inc()
		return EncodeRejectPDU(apdu.InvokeID, RejectReasonMissingRequiredParameter)
	}

	data := make([]byte, 0, 128)
	for i := 0; i < len(reqs); {
		oid := reqs[i].ObjectID
		results := make([]PropertyResult, 0, 4)
		values := make([][]byte, 0, 4)
		for ; i < len(reqs) && reqs[i].ObjectID == oid; i++ {
			req := reqs[i]
			req.ObjectID = dev.resolveWildcard(oid)
			value, berr := s.readProperty(dev, req)
			results = append(results, PropertyResult{
				ObjectID:   req.ObjectID,
				PropertyID: req.PropertyID,
				ArrayIndex: req.ArrayIndex,
				Error:      berr,
			})
			values = append(values, value)
		}
		data = append(data, EncodeReadAccessResult(dev.resolveWildcard(oid), results, values)...)
	}
	s.metrics.RequestsServed.Inc()
	return EncodeComplexAck(apdu.InvokeID, ServiceReadPropertyMultiple, data)
}

// resolveWildcard maps the device wildcard instance onto the device itself.
func (d *serverDevice) resolveWildcard(oid ObjectIdentifier) ObjectIdentifier {
	if oid.Type == ObjectTypeDevice && oid.Instance == MaxInstance {
		return d.identifier()
	}
	return oid
}

// readProperty returns the application-tagged encoding of one property.
func (s *Server) readProperty(dev *serverDevice, req ReadPropertyRequest) ([]byte, *BACnetError) {
	oid := req.ObjectID
	if !dev.hasObject(oid) {
		return nil, NewBACnetError(ErrorClassObject, ErrorCodeUnknownObject)
	}
	if req.ArrayIndex != nil && !arrayProperties[req.PropertyID] {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodePropertyIsNotAnArray)
	}

	switch req.PropertyID {
	case PropertyObjectIdentifier:
		return EncodeObjectIdentifierTag(oid), nil
	case PropertyObjectType:
		return EncodeEnumeratedTag(uint32(oid.Type)), nil
	}

	switch oid.Type {
	case ObjectTypeDevice:
		if value, ok, berr := s.readDeviceProperty(dev, req); ok {
			return value, berr
		}
	case ObjectTypeNetworkPort:
		port := dev.ports[oid.Instance]
		switch req.PropertyID {
		case PropertyNetworkType:
			return EncodeEnumeratedTag(uint32(port.networkType)), nil
		case PropertyProtocolLevel:
			return EncodeEnumeratedTag(uint32(port.protocolLevel)), nil
		}
	}

	if optionalProperties[oid.Type][req.PropertyID] && !dev.propertyEnabled(oid, req.PropertyID) {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	return s.readProvided(dev, req)
}

func (s *Server) readDeviceProperty(dev *serverDevice, req ReadPropertyRequest) ([]byte, bool, *BACnetError) {
	switch req.PropertyID {
	case PropertyObjectList:
		if req.ArrayIndex == nil {
			value := make([]byte, 0, 5*len(dev.objects))
			for _, oid := range dev.objects {
				value = append(value, EncodeObjectIdentifierTag(oid)...)
			}
			return value, true, nil
		}
		idx := *req.ArrayIndex
		if idx == 0 {
			return EncodeUnsignedTag(uint32(len(dev.objects))), true, nil
		}
		if idx > uint32(len(dev.objects)) {
			return nil, true, NewBACnetError(ErrorClassProperty, ErrorCodeInvalidArrayIndex)
		}
		return EncodeObjectIdentifierTag(dev.objects[idx-1]), true, nil
	case PropertyVendorIdentifier:
		return EncodeUnsignedTag(uint32(s.opts.vendorID)), true, nil
	case PropertyProtocolVersion:
		return EncodeUnsignedTag(protocolVersion), true, nil
	case PropertyProtocolRevision:
		return EncodeUnsignedTag(protocolRevision), true, nil
	case PropertyMaxApduLengthAccepted:
		return EncodeUnsignedTag(uint32(s.opts.maxAPDULength)), true, nil
	case PropertySegmentationSupported:
		return EncodeEnumeratedTag(uint32(s.opts.segmentation)), true, nil
	}
	return nil, false, nil
}

func (s *Server) readProvided(dev *serverDevice, req ReadPropertyRequest) ([]byte, *BACnetError) {
	tag, ok := providedProperties[req.PropertyID]
	if !ok || s.provider == nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}

	preq := PropertyRequest{
		DeviceInstance: dev.instance,
		ObjectType:     req.ObjectID.Type,
		ObjectInstance: req.ObjectID.Instance,
		Property:       req.PropertyID,
	}
	if req.ArrayIndex != nil {
		preq.UseArrayIndex = true
		preq.ArrayIndex = *req.ArrayIndex
	}

	if !arrayProperties[req.PropertyID] {
		return s.readProvidedValue(preq, tag)
	}
	if preq.UseArrayIndex {
		if preq.ArrayIndex == 0 {
			size, err := s.provider.GetUnsigned(preq)
			if err != nil {
				return nil, toBACnetError(err)
			}
			return EncodeUnsignedTag(size), nil
		}
		return s.readProvidedValue(preq, tag)
	}

	sizeReq := preq
	sizeReq.UseArrayIndex = true
	sizeReq.ArrayIndex = 0
	size, err := s.provider.GetUnsigned(sizeReq)
	if err != nil {
		return nil, toBACnetError(err)
	}
	var value []byte
	for k := uint32(1); k <= size; k++ {
		element := preq
		element.UseArrayIndex = true
		element.ArrayIndex = k
		encoded, berr := s.readProvidedValue(element, tag)
		if berr != nil {
			return nil, berr
		}
		value = append(value, encoded...)
	}
	return value, nil
}

func (s *Server) readProvidedValue(preq PropertyRequest, tag ApplicationTag) ([]byte, *BACnetError) {
	switch tag {
	case TagCharacterString:
		str, err := s.readCharacterString(preq)
		if err != nil {
			return nil, toBACnetError(err)
		}
		return EncodeCharacterStringTag(str), nil
	case TagOctetString:
		buf := make([]byte, s.opts.maxAPDULength)
		n, err := s.provider.GetOctetString(preq, buf)
		if err != nil {
			return nil, toBACnetError(err)
		}
		return EncodeOctetStringTag(buf[:n]), nil
	case TagEnumerated:
		v, err := s.provider.GetEnumerated(preq)
		if err != nil {
			return nil, toBACnetError(err)
		}
		return EncodeEnumeratedTag(v), nil
	case TagReal:
		v, err := s.provider.GetReal(preq)
		if err != nil {
			return nil, toBACnetError(err)
		}
		return EncodeRealTag(v), nil
	case TagUnsignedInt:
		v, err := s.provider.GetUnsigned(preq)
		if err != nil {
			return nil, toBACnetError(err)
		}
		return EncodeUnsignedTag(v), nil
	}
	return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
}

// readCharacterString asks the provider with the configured buffer and
// retries once with a full APDU sized buffer when the value does not fit.
func (s *Server) readCharacterString(preq PropertyRequest) ([]byte, error) {
	buf := make([]byte, s.opts.stringBufferSize)
	n, err := s.provider.GetCharacterString(preq, buf)
	if errors.Is(err, ErrValueTooLong) && len(buf) < int(s.opts.maxAPDULength) {
		buf = make([]byte, s.opts.maxAPDULength)
		n, err = s.provider.GetCharacterString(preq, buf)
	}
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (s *Server) sendIAm(ctx context.Context, dev *serverDevice, path replyPath, broadcast bool) error {
	apdu := EncodeUnconfirmedRequest(ServiceIAm, EncodeIAm(IAm{
		Device:        dev.identifier(),
		MaxAPDULength: uint32(s.opts.maxAPDULength),
		Segmentation:  s.opts.segmentation,
		VendorID:      uint32(s.opts.vendorID),
	}))
	if err := s.send(ctx, dev, path, apdu, broadcast); err != nil {
		return err
	}
	s.metrics.IAmSent.Inc()
	return nil
}

func (s *Server) sendIAmRouter(ctx context.Context, conn []byte, networks []uint16, broadcast bool) error {
	npdu := EncodeNetworkMessageNPDU(nil, NetworkMessageIAmRouterToNetwork, EncodeNetworkList(networks))
	function := BVLCOriginalUnicastNPDU
	if broadcast {
		function = BVLCOriginalBroadcastNPDU
	}
	packet := EncodePacket(function, npdu, nil)
	if s.link.SendOutbound(ctx, packet, conn, NetworkTypeIP, broadcast) == 0 {
		return fmt.Errorf("%w: I-Am-Router-To-Network to %s", ErrSendFailed, connString(conn))
	}
	s.metrics.IAmRouterToNetworkSent.Inc()
	return nil
}

// send frames an APDU from dev. Virtual devices identify themselves with
// their network number and MAC in the NPDU source.
func (s *Server) send(ctx context.Context, dev *serverDevice, path replyPath, apdu []byte, broadcast bool) error {
	var src *Address
	if dev != nil && dev.network != 0 {
		src = &Address{Net: dev.network, Addr: VirtualMAC(dev.instance)}
	}
	npdu := EncodeRoutedNPDU(path.dest, src, 255, false, NPDUControlPriorityNormal)

	function := BVLCOriginalUnicastNPDU
	if broadcast {
		function = BVLCOriginalBroadcastNPDU
	}
	packet := EncodePacket(function, npdu, apdu)
	if s.link.SendOutbound(ctx, packet, path.conn, NetworkTypeIP, broadcast) == 0 {
		return fmt.Errorf("%w: %d bytes to %s", ErrSendFailed, len(packet), connString(path.conn))
	}
	return nil
}

// VirtualMAC is the 3-byte network address of a virtual device: its
// instance, big-endian.
func VirtualMAC(instance uint32) []byte {
	return []byte{byte(instance >> 16), byte(instance >> 8), byte(instance)}
}

// InstanceFromMAC reverses VirtualMAC.
func InstanceFromMAC(mac []byte) (uint32, bool) {
	if len(mac) != 3 {
		return 0, false
	}
	return uint32(mac[0])<<16 | uint32(mac[1])<<8 | uint32(mac[2]), true
}

func connString(conn []byte) string {
	if len(conn) < ConnectionLength {
		return fmt.Sprintf("%x", conn)
	}
	addr := net.UDPAddr{IP: net.IP(conn[:4]), Port: int(decodeUint16(conn[4:6]))}
	return addr.String()
}
