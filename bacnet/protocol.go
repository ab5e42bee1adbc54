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
	"encoding/binary"
	"fmt"
	"math"
)

// BVLCHeaderLength is the size of the BACnet/IP virtual link header.
const BVLCHeaderLength = 4

// BVLC Header (BACnet Virtual Link Control)
type BVLCHeader struct {
	Type     BVLCType
	Function BVLCFunction
	Length   uint16
}

// EncodeBVLC encodes a BVLC header
func EncodeBVLC(function BVLCFunction, npduLength int) []byte {
	totalLength := BVLCHeaderLength + npduLength
	buf := make([]byte, BVLCHeaderLength)
	buf[0] = byte(BVLCTypeBACnetIP)
	buf[1] = byte(function)
	binary.BigEndian.PutUint16(buf[2:], uint16(totalLength))
	return buf
}

// DecodeBVLC decodes a BVLC header
func DecodeBVLC(data []byte) (*BVLCHeader, error) {
	if len(data) < BVLCHeaderLength {
		return nil, ErrInvalidBVLC
	}
	h := &BVLCHeader{
		Type:     BVLCType(data[0]),
		Function: BVLCFunction(data[1]),
		Length:   binary.BigEndian.Uint16(data[2:4]),
	}
	if h.Type != BVLCTypeBACnetIP {
		return nil, fmt.Errorf("%w: type %02x", ErrInvalidBVLC, uint8(h.Type))
	}
	if int(h.Length) != len(data) {
		return nil, fmt.Errorf("%w: length %d, datagram %d", ErrInvalidBVLC, h.Length, len(data))
	}
	return h, nil
}

// EncodePacket frames an NPDU and APDU into a BACnet/IP datagram.
func EncodePacket(function BVLCFunction, npdu, apdu []byte) []byte {
	packet := make([]byte, 0, BVLCHeaderLength+len(npdu)+len(apdu))
	packet = append(packet, EncodeBVLC(function, len(npdu)+len(apdu))...)
	packet = append(packet, npdu...)
	packet = append(packet, apdu...)
	return packet
}

// NPDU (Network Protocol Data Unit)
type NPDU struct {
	Version      uint8
	Control      NPDUControl
	DestNet      uint16
	DestAddr     []byte
	DestHopCount uint8
	SrcNet       uint16
	SrcAddr      []byte
	MessageType  NetworkMessageType
	VendorID     uint16
	Data         []byte
}

// HasDest reports whether the NPDU carries a destination specifier.
func (n *NPDU) HasDest() bool {
	return n.Control&NPDUControlDestSpecifier != 0
}

// HasSource reports whether the NPDU carries a source specifier.
func (n *NPDU) HasSource() bool {
	return n.Control&NPDUControlSourceSpecifier != 0
}

// IsNetworkMessage reports whether the NPDU carries a network layer message.
func (n *NPDU) IsNetworkMessage() bool {
	return n.Control&NPDUControlNetworkLayerMessage != 0
}

// EncodeNPDU encodes an NPDU for unicast without routing
func EncodeNPDU(expectingReply bool, priority NPDUControl) []byte {
	control := priority
	if expectingReply {
		control |= NPDUControlExpectingReply
	}
	return []byte{
		0x01, // Version
		byte(control),
	}
}

// EncodeRoutedNPDU encodes an NPDU with optional destination and source
// specifiers. A nil address omits the matching specifier.
func EncodeRoutedNPDU(dest, src *Address, hopCount uint8, expectingReply bool, priority NPDUControl) []byte {
	control := priority & NPDUControlPriorityMask
	if expectingReply {
		control |= NPDUControlExpectingReply
	}
	if dest != nil {
		control |= NPDUControlDestSpecifier
	}
	if src != nil {
		control |= NPDUControlSourceSpecifier
	}

	buf := make([]byte, 0, 10)
	buf = append(buf, 0x01) // Version
	buf = append(buf, byte(control))
	if dest != nil {
		buf = append(buf, byte(dest.Net>>8), byte(dest.Net))
		buf = append(buf, byte(len(dest.Addr)))
		buf = append(buf, dest.Addr...)
	}
	if src != nil {
		buf = append(buf, byte(src.Net>>8), byte(src.Net))
		buf = append(buf, byte(len(src.Addr)))
		buf = append(buf, src.Addr...)
	}
	if dest != nil {
		buf = append(buf, hopCount)
	}
	return buf
}

// EncodeNetworkMessageNPDU encodes an NPDU header for a network layer message.
func EncodeNetworkMessageNPDU(dest *Address, msgType NetworkMessageType, data []byte) []byte {
	buf := EncodeRoutedNPDU(dest, nil, 255, false, NPDUControlPriorityNormal)
	buf[1] |= byte(NPDUControlNetworkLayerMessage)
	buf = append(buf, byte(msgType))
	return append(buf, data...)
}

// DecodeNPDU decodes an NPDU
func DecodeNPDU(data []byte) (*NPDU, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrInvalidNPDU
	}

	npdu := &NPDU{
		Version: data[0],
		Control: NPDUControl(data[1]),
	}

	if npdu.Version != 0x01 {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidNPDU, npdu.Version)
	}

	offset := 2

	if npdu.HasDest() {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++

		if len(data) < offset+addrLen {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestAddr = make([]byte, addrLen)
		copy(npdu.DestAddr, data[offset:offset+addrLen])
		offset += addrLen
	}

	if npdu.HasSource() {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.SrcNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++

		if addrLen == 0 || len(data) < offset+addrLen {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.SrcAddr = make([]byte, addrLen)
		copy(npdu.SrcAddr, data[offset:offset+addrLen])
		offset += addrLen
	}

	// Hop count follows both address specifiers.
	if npdu.HasDest() {
		if len(data) < offset+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestHopCount = data[offset]
		offset++
	}

	if npdu.IsNetworkMessage() {
		if len(data) < offset+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.MessageType = NetworkMessageType(data[offset])
		offset++

		// Vendor-specific message types have vendor ID
		if npdu.MessageType >= 0x80 {
			if len(data) < offset+2 {
				return nil, 0, ErrInvalidNPDU
			}
			npdu.VendorID = binary.BigEndian.Uint16(data[offset:])
			offset += 2
		}
	}

	npdu.Data = data[offset:]
	return npdu, offset, nil
}

// APDU Types
type APDU struct {
	Type        PDUType
	Segmented   bool
	MoreFollows bool
	Server      bool
	MaxSegments uint8
	MaxAPDU     uint8
	InvokeID    uint8
	SequenceNum uint8
	WindowSize  uint8
	Service     uint8
	Data        []byte
}

// MaxAPDULengthAccepted translates the confirmed request max-APDU field.
func (a *APDU) MaxAPDULengthAccepted() int {
	switch a.MaxAPDU {
	case 0:
		return 50
	case 1:
		return 128
	case 2:
		return 206
	case 3:
		return 480
	case 4:
		return 1024
	default:
		return MaxAPDULength
	}
}

// EncodeConfirmedRequest encodes a confirmed service request APDU
func EncodeConfirmedRequest(invokeID uint8, service ConfirmedServiceChoice, data []byte, maxSegments, maxAPDU uint8) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = append(buf, byte(PDUTypeConfirmedRequest))
	buf = append(buf, (maxSegments<<4)|maxAPDU)
	buf = append(buf, invokeID)
	buf = append(buf, byte(service))
	buf = append(buf, data...)
	return buf
}

// EncodeUnconfirmedRequest encodes an unconfirmed service request APDU
func EncodeUnconfirmedRequest(service UnconfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 2+len(data))
	buf = append(buf, byte(PDUTypeUnconfirmedRequest))
	buf = append(buf, byte(service))
	buf = append(buf, data...)
	return buf
}

// EncodeComplexAck encodes an unsegmented complex acknowledgement
func EncodeComplexAck(invokeID uint8, service ConfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 3+len(data))
	buf = append(buf, byte(PDUTypeComplexAck))
	buf = append(buf, invokeID)
	buf = append(buf, byte(service))
	buf = append(buf, data...)
	return buf
}

// EncodeErrorPDU encodes an Error APDU carrying class and code
func EncodeErrorPDU(invokeID uint8, service ConfirmedServiceChoice, e *BACnetError) []byte {
	buf := make([]byte, 0, 7)
	buf = append(buf, byte(PDUTypeError))
	buf = append(buf, invokeID)
	buf = append(buf, byte(service))
	buf = append(buf, EncodeEnumeratedTag(uint32(e.Class))...)
	buf = append(buf, EncodeEnumeratedTag(uint32(e.Code))...)
	return buf
}

// EncodeRejectPDU encodes a Reject APDU
func EncodeRejectPDU(invokeID uint8, reason RejectReason) []byte {
	return []byte{byte(PDUTypeReject), invokeID, byte(reason)}
}

// EncodeAbortPDU encodes an Abort APDU
func EncodeAbortPDU(invokeID uint8, server bool, reason AbortReason) []byte {
	pdu := byte(PDUTypeAbort)
	if server {
		pdu |= 0x01
	}
	return []byte{pdu, invokeID, byte(reason)}
}

// DecodeAPDU decodes an APDU
func DecodeAPDU(data []byte) (*APDU, error) {
	if len(data) < 1 {
		return nil, ErrInvalidAPDU
	}

	switch PDUType(data[0] & 0xF0) {
	case PDUTypeConfirmedRequest:
		return decodeConfirmedRequest(data)
	case PDUTypeUnconfirmedRequest:
		return decodeUnconfirmedRequest(data)
	case PDUTypeComplexAck:
		return decodeComplexAck(data)
	case PDUTypeError:
		return decodeErrorAPDU(data)
	case PDUTypeReject:
		return decodeShortAPDU(PDUTypeReject, data)
	case PDUTypeAbort:
		apdu, err := decodeShortAPDU(PDUTypeAbort, data)
		if err == nil {
			apdu.Server = data[0]&0x01 != 0
		}
		return apdu, err
	default:
		return nil, fmt.Errorf("%w: unsupported PDU type %02x", ErrInvalidAPDU, data[0]&0xF0)
	}
}

func decodeConfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:        PDUTypeConfirmedRequest,
		Segmented:   data[0]&0x08 != 0,
		MoreFollows: data[0]&0x04 != 0,
		MaxSegments: (data[1] >> 4) & 0x07,
		MaxAPDU:     data[1] & 0x0F,
		InvokeID:    data[2],
		Service:     data[3],
		Data:        data[4:],
	}

	if apdu.Segmented {
		if len(data) < 6 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[3]
		apdu.WindowSize = data[4]
		apdu.Service = data[5]
		apdu.Data = data[6:]
	}

	return apdu, nil
}

func decodeUnconfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 2 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:    PDUTypeUnconfirmedRequest,
		Service: data[1],
		Data:    data[2:],
	}, nil
}

func decodeComplexAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:        PDUTypeComplexAck,
		Segmented:   data[0]&0x08 != 0,
		MoreFollows: data[0]&0x04 != 0,
		InvokeID:    data[1],
		Service:     data[2],
		Data:        data[3:],
	}

	if apdu.Segmented {
		if len(data) < 5 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[2]
		apdu.WindowSize = data[3]
		apdu.Service = data[4]
		apdu.Data = data[5:]
	}

	return apdu, nil
}

func decodeErrorAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     PDUTypeError,
		InvokeID: data[1],
		Service:  data[2],
		Data:     data[3:],
	}, nil
}

// Reject and Abort carry their reason in the service field.
func decodeShortAPDU(pduType PDUType, data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     pduType,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}

// Tag encoding/decoding helpers

// EncodeTag encodes a BACnet tag
func EncodeTag(tagNum uint8, class TagClass, length int) []byte {
	if length < 5 && tagNum < 15 {
		tag := (tagNum << 4) | (uint8(class) << 3) | uint8(length)
		return []byte{tag}
	}

	buf := make([]byte, 0, 7)

	lvt := uint8(length)
	if length >= 5 {
		lvt = 0x05
	}
	if tagNum >= 15 {
		buf = append(buf, 0xF0|(uint8(class)<<3)|lvt)
		buf = append(buf, tagNum)
	} else {
		buf = append(buf, (tagNum<<4)|(uint8(class)<<3)|lvt)
	}

	if length >= 5 {
		if length < 254 {
			buf = append(buf, byte(length))
		} else if length < 65536 {
			buf = append(buf, 254)
			buf = append(buf, byte(length>>8), byte(length))
		} else {
			buf = append(buf, 255)
			buf = append(buf, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
		}
	}

	return buf
}

// EncodeContextTag encodes a context-specific tag
func EncodeContextTag(tagNum uint8, data []byte) []byte {
	tag := EncodeTag(tagNum, TagClassContext, len(data))
	return append(tag, data...)
}

// EncodeOpeningTag encodes an opening tag for constructed data
func EncodeOpeningTag(tagNum uint8) []byte {
	if tagNum < 15 {
		return []byte{(tagNum << 4) | 0x0E}
	}
	return []byte{0xFE, tagNum}
}

// EncodeClosingTag encodes a closing tag for constructed data
func EncodeClosingTag(tagNum uint8) []byte {
	if tagNum < 15 {
		return []byte{(tagNum << 4) | 0x0F}
	}
	return []byte{0xFF, tagNum}
}

// EncodeUnsigned encodes an unsigned integer
func EncodeUnsigned(value uint32) []byte {
	if value < 0x100 {
		return []byte{byte(value)}
	} else if value < 0x10000 {
		return []byte{byte(value >> 8), byte(value)}
	} else if value < 0x1000000 {
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	}
	return []byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
}

// EncodeUnsignedTag encodes an unsigned integer with application tag
func EncodeUnsignedTag(value uint32) []byte {
	data := EncodeUnsigned(value)
	tag := EncodeTag(uint8(TagUnsignedInt), TagClassApplication, len(data))
	return append(tag, data...)
}

// EncodeContextUnsigned encodes an unsigned integer with context tag
func EncodeContextUnsigned(tagNum uint8, value uint32) []byte {
	return EncodeContextTag(tagNum, EncodeUnsigned(value))
}

// EncodeReal encodes a float32
func EncodeReal(value float32) []byte {
	bits := math.Float32bits(value)
	return []byte{byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}
}

// EncodeRealTag encodes a float32 with application tag
func EncodeRealTag(value float32) []byte {
	tag := EncodeTag(uint8(TagReal), TagClassApplication, 4)
	return append(tag, EncodeReal(value)...)
}

// EncodeEnumeratedTag encodes an enumerated value with application tag
func EncodeEnumeratedTag(value uint32) []byte {
	data := EncodeUnsigned(value)
	tag := EncodeTag(uint8(TagEnumerated), TagClassApplication, len(data))
	return append(tag, data...)
}

// EncodeContextEnumerated encodes an enumerated value with context tag
func EncodeContextEnumerated(tagNum uint8, value uint32) []byte {
	return EncodeContextTag(tagNum, EncodeUnsigned(value))
}

// EncodeObjectIdentifier encodes an object identifier
func EncodeObjectIdentifier(oid ObjectIdentifier) []byte {
	value := oid.Encode()
	return []byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
}

// EncodeObjectIdentifierTag encodes an object identifier with application tag
func EncodeObjectIdentifierTag(oid ObjectIdentifier) []byte {
	tag := EncodeTag(uint8(TagObjectID), TagClassApplication, 4)
	return append(tag, EncodeObjectIdentifier(oid)...)
}

// EncodeContextObjectIdentifier encodes an object identifier with context tag
func EncodeContextObjectIdentifier(tagNum uint8, oid ObjectIdentifier) []byte {
	return EncodeContextTag(tagNum, EncodeObjectIdentifier(oid))
}

// EncodeCharacterStringTag encodes a UTF-8 character string with application tag
func EncodeCharacterStringTag(s []byte) []byte {
	tag := EncodeTag(uint8(TagCharacterString), TagClassApplication, 1+len(s))
	tag = append(tag, 0) // UTF-8 character set
	return append(tag, s...)
}

// EncodeOctetStringTag encodes an octet string with application tag
func EncodeOctetStringTag(b []byte) []byte {
	tag := EncodeTag(uint8(TagOctetString), TagClassApplication, len(b))
	return append(tag, b...)
}

// DecodeTagNumber decodes a tag from data
func DecodeTagNumber(data []byte) (tagNum uint8, class TagClass, length int, headerLen int, err error) {
	if len(data) < 1 {
		return 0, 0, 0, 0, ErrInvalidAPDU
	}

	tagNum = (data[0] >> 4) & 0x0F
	class = TagClass((data[0] >> 3) & 0x01)
	length = int(data[0] & 0x07)
	headerLen = 1

	if tagNum == 0x0F {
		if len(data) < 2 {
			return 0, 0, 0, 0, ErrInvalidAPDU
		}
		tagNum = data[1]
		headerLen = 2
	}

	// Opening/closing tag
	if class == TagClassContext && (data[0]&0x07) == 0x06 {
		length = -1
		return
	}
	if class == TagClassContext && (data[0]&0x07) == 0x07 {
		length = -2
		return
	}

	if length == 5 {
		if len(data) < headerLen+1 {
			return 0, 0, 0, 0, ErrInvalidAPDU
		}
		if data[headerLen] < 254 {
			length = int(data[headerLen])
			headerLen++
		} else if data[headerLen] == 254 {
			if len(data) < headerLen+3 {
				return 0, 0, 0, 0, ErrInvalidAPDU
			}
			length = int(binary.BigEndian.Uint16(data[headerLen+1:]))
			headerLen += 3
		} else {
			if len(data) < headerLen+5 {
				return 0, 0, 0, 0, ErrInvalidAPDU
			}
			length = int(binary.BigEndian.Uint32(data[headerLen+1:]))
			headerLen += 5
		}
	}

	return tagNum, class, length, headerLen, nil
}

// DecodeUnsigned decodes an unsigned integer from data
func DecodeUnsigned(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.BigEndian.Uint16(data))
	case 3:
		return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
	case 4:
		return binary.BigEndian.Uint32(data)
	default:
		return 0
	}
}

// DecodeReal decodes a float32 from data
func DecodeReal(data []byte) float32 {
	if len(data) != 4 {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(data))
}

// DecodeCharacterString decodes a character string
func DecodeCharacterString(data []byte) string {
	if len(data) < 1 {
		return ""
	}
	// Skip character set byte
	return string(data[1:])
}
