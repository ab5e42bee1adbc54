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
)

// IAm is the payload of an I-Am announcement.
type IAm struct {
	Device        ObjectIdentifier
	MaxAPDULength uint32
	Segmentation  Segmentation
	VendorID      uint32
}

// EncodeIAm encodes the I-Am service data
func EncodeIAm(iam IAm) []byte {
	data := make([]byte, 0, 16)
	data = append(data, EncodeObjectIdentifierTag(iam.Device)...)
	data = append(data, EncodeUnsignedTag(iam.MaxAPDULength)...)
	data = append(data, EncodeEnumeratedTag(uint32(iam.Segmentation))...)
	data = append(data, EncodeUnsignedTag(iam.VendorID)...)
	return data
}

// DecodeIAm decodes the I-Am service data
func DecodeIAm(data []byte) (IAm, error) {
	var iam IAm
	values := make([]uint32, 0, 4)
	offset := 0
	for i := 0; i < 4; i++ {
		if offset >= len(data) {
			return iam, fmt.Errorf("%w: truncated I-Am", ErrInvalidAPDU)
		}
		_, class, length, headerLen, err := DecodeTagNumber(data[offset:])
		if err != nil || class != TagClassApplication || length < 0 || offset+headerLen+length > len(data) {
			return iam, fmt.Errorf("%w: malformed I-Am", ErrInvalidAPDU)
		}
		values = append(values, DecodeUnsigned(data[offset+headerLen:offset+headerLen+length]))
		offset += headerLen + length
	}
	iam.Device = DecodeObjectIdentifier(values[0])
	iam.MaxAPDULength = values[1]
	iam.Segmentation = Segmentation(values[2])
	iam.VendorID = values[3]
	return iam, nil
}

// EncodeWhoIs encodes the Who-Is service data. A nil range yields an
// unbounded request.
func EncodeWhoIs(low, high *uint32) []byte {
	if low == nil || high == nil {
		return nil
	}
	data := EncodeContextUnsigned(0, *low)
	return append(data, EncodeContextUnsigned(1, *high)...)
}

// DecodeWhoIs decodes the optional instance range of a Who-Is request.
// ok is false when the request carries no range.
func DecodeWhoIs(data []byte) (low, high uint32, ok bool, err error) {
	if len(data) == 0 {
		return 0, 0, false, nil
	}
	offset := 0
	bounds := [2]uint32{}
	for i := uint8(0); i < 2; i++ {
		if offset >= len(data) {
			return 0, 0, false, fmt.Errorf("%w: truncated Who-Is range", ErrInvalidAPDU)
		}
		tagNum, class, length, headerLen, err := DecodeTagNumber(data[offset:])
		if err != nil || tagNum != i || class != TagClassContext || length < 0 || offset+headerLen+length > len(data) {
			return 0, 0, false, fmt.Errorf("%w: malformed Who-Is range", ErrInvalidAPDU)
		}
		bounds[i] = DecodeUnsigned(data[offset+headerLen : offset+headerLen+length])
		offset += headerLen + length
	}
	return bounds[0], bounds[1], true, nil
}

// EncodeReadPropertyRequest encodes the ReadProperty service data
func EncodeReadPropertyRequest(req ReadPropertyRequest) []byte {
	data := make([]byte, 0, 16)
	data = append(data, EncodeContextObjectIdentifier(0, req.ObjectID)...)
	data = append(data, EncodeContextEnumerated(1, uint32(req.PropertyID))...)
	if req.ArrayIndex != nil {
		data = append(data, EncodeContextUnsigned(2, *req.ArrayIndex)...)
	}
	return data
}

// DecodeReadPropertyRequest decodes the ReadProperty service data
func DecodeReadPropertyRequest(data []byte) (ReadPropertyRequest, error) {
	var req ReadPropertyRequest

	value, offset, err := decodeContextValue(data, 0, 0)
	if err != nil || len(value) != 4 {
		return req, fmt.Errorf("%w: missing object identifier", ErrInvalidAPDU)
	}
	req.ObjectID = DecodeObjectIdentifier(binary.BigEndian.Uint32(value))

	value, offset, err = decodeContextValue(data, offset, 1)
	if err != nil {
		return req, fmt.Errorf("%w: missing property identifier", ErrInvalidAPDU)
	}
	req.PropertyID = PropertyIdentifier(DecodeUnsigned(value))

	if offset < len(data) {
		value, offset, err = decodeContextValue(data, offset, 2)
		if err != nil {
			return req, fmt.Errorf("%w: malformed array index", ErrInvalidAPDU)
		}
		idx := DecodeUnsigned(value)
		req.ArrayIndex = &idx
	}
	if offset != len(data) {
		return req, fmt.Errorf("%w: trailing data", ErrInvalidAPDU)
	}
	return req, nil
}

// EncodeReadPropertyAck encodes the ReadProperty-ACK service data around an
// already encoded property value.
func EncodeReadPropertyAck(req ReadPropertyRequest, value []byte) []byte {
	data := make([]byte, 0, 16+len(value))
	data = append(data, EncodeReadPropertyRequest(req)...)
	data = append(data, EncodeOpeningTag(3)...)
	data = append(data, value...)
	data = append(data, EncodeClosingTag(3)...)
	return data
}

// DecodeReadPropertyAck decodes the ReadProperty-ACK service data. Values
// are returned in wire order, so array reads produce one entry per element.
func DecodeReadPropertyAck(data []byte) (ReadPropertyRequest, []interface{}, error) {
	var req ReadPropertyRequest

	value, offset, err := decodeContextValue(data, 0, 0)
	if err != nil || len(value) != 4 {
		return req, nil, fmt.Errorf("%w: missing object identifier", ErrInvalidAPDU)
	}
	req.ObjectID = DecodeObjectIdentifier(binary.BigEndian.Uint32(value))

	value, offset, err = decodeContextValue(data, offset, 1)
	if err != nil {
		return req, nil, fmt.Errorf("%w: missing property identifier", ErrInvalidAPDU)
	}
	req.PropertyID = PropertyIdentifier(DecodeUnsigned(value))

	if !isOpeningTag(data, offset, 3) {
		value, offset, err = decodeContextValue(data, offset, 2)
		if err != nil {
			return req, nil, fmt.Errorf("%w: malformed array index", ErrInvalidAPDU)
		}
		idx := DecodeUnsigned(value)
		req.ArrayIndex = &idx
	}
	if !isOpeningTag(data, offset, 3) {
		return req, nil, fmt.Errorf("%w: missing property value", ErrInvalidAPDU)
	}
	values, _, err := DecodeApplicationValues(data[offset+1:], 3)
	return req, values, err
}

// EncodeReadPropertyMultipleRequest encodes the ReadPropertyMultiple service
// data, keeping the order of the requests.
func EncodeReadPropertyMultipleRequest(requests []ReadPropertyRequest) []byte {
	data := make([]byte, 0, 64)
	for i := 0; i < len(requests); {
		oid := requests[i].ObjectID
		data = append(data, EncodeContextObjectIdentifier(0, oid)...)
		data = append(data, EncodeOpeningTag(1)...)
		for ; i < len(requests) && requests[i].ObjectID == oid; i++ {
			data = append(data, EncodeContextEnumerated(0, uint32(requests[i].PropertyID))...)
			if requests[i].ArrayIndex != nil {
				data = append(data, EncodeContextUnsigned(1, *requests[i].ArrayIndex)...)
			}
		}
		data = append(data, EncodeClosingTag(1)...)
	}
	return data
}

// DecodeReadPropertyMultipleRequest decodes the ReadPropertyMultiple service
// data into one request per property reference.
func DecodeReadPropertyMultipleRequest(data []byte) ([]ReadPropertyRequest, error) {
	var requests []ReadPropertyRequest
	offset := 0
	for offset < len(data) {
		value, next, err := decodeContextValue(data, offset, 0)
		if err != nil || len(value) != 4 {
			return nil, fmt.Errorf("%w: missing object identifier", ErrInvalidAPDU)
		}
		oid := DecodeObjectIdentifier(binary.BigEndian.Uint32(value))
		offset = next

		if !isOpeningTag(data, offset, 1) {
			return nil, fmt.Errorf("%w: missing property reference list", ErrInvalidAPDU)
		}
		offset++

		count := 0
		for !isClosingTag(data, offset, 1) {
			value, next, err = decodeContextValue(data, offset, 0)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed property reference", ErrInvalidAPDU)
			}
			req := ReadPropertyRequest{ObjectID: oid, PropertyID: PropertyIdentifier(DecodeUnsigned(value))}
			offset = next

			if hasContextValue(data, offset, 1) {
				value, next, err = decodeContextValue(data, offset, 1)
				if err != nil {
					return nil, fmt.Errorf("%w: malformed array index", ErrInvalidAPDU)
				}
				idx := DecodeUnsigned(value)
				req.ArrayIndex = &idx
				offset = next
			}
			requests = append(requests, req)
			count++
		}
		if count == 0 {
			return nil, fmt.Errorf("%w: empty property reference list", ErrInvalidAPDU)
		}
		offset++
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidAPDU)
	}
	return requests, nil
}

// PropertyResult is one entry of a ReadPropertyMultiple-ACK.
type PropertyResult struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Values     []interface{}
	Error      *BACnetError
}

// EncodeReadAccessResult encodes the results for one object. Each result
// carries either an encoded value or an error.
func EncodeReadAccessResult(oid ObjectIdentifier, results []PropertyResult, values [][]byte) []byte {
	data := make([]byte, 0, 64)
	data = append(data, EncodeContextObjectIdentifier(0, oid)...)
	data = append(data, EncodeOpeningTag(1)...)
	for i, r := range results {
		data = append(data, EncodeContextEnumerated(2, uint32(r.PropertyID))...)
		if r.ArrayIndex != nil {
			data = append(data, EncodeContextUnsigned(3, *r.ArrayIndex)...)
		}
		if r.Error != nil {
			data = append(data, EncodeOpeningTag(5)...)
			data = append(data, EncodeEnumeratedTag(uint32(r.Error.Class))...)
			data = append(data, EncodeEnumeratedTag(uint32(r.Error.Code))...)
			data = append(data, EncodeClosingTag(5)...)
			continue
		}
		data = append(data, EncodeOpeningTag(4)...)
		data = append(data, values[i]...)
		data = append(data, EncodeClosingTag(4)...)
	}
	data = append(data, EncodeClosingTag(1)...)
	return data
}

// DecodeReadPropertyMultipleAck decodes a ReadPropertyMultiple-ACK
func DecodeReadPropertyMultipleAck(data []byte) ([]PropertyResult, error) {
	var results []PropertyResult
	offset := 0
	for offset < len(data) {
		value, next, err := decodeContextValue(data, offset, 0)
		if err != nil || len(value) != 4 {
			return nil, fmt.Errorf("%w: missing object identifier", ErrInvalidAPDU)
		}
		oid := DecodeObjectIdentifier(binary.BigEndian.Uint32(value))
		offset = next
		if !isOpeningTag(data, offset, 1) {
			return nil, ErrInvalidAPDU
		}
		offset++

		for !isClosingTag(data, offset, 1) {
			value, next, err = decodeContextValue(data, offset, 2)
			if err != nil {
				return nil, ErrInvalidAPDU
			}
			r := PropertyResult{ObjectID: oid, PropertyID: PropertyIdentifier(DecodeUnsigned(value))}
			offset = next

			if hasContextValue(data, offset, 3) {
				value, next, err = decodeContextValue(data, offset, 3)
				if err != nil {
					return nil, ErrInvalidAPDU
				}
				idx := DecodeUnsigned(value)
				r.ArrayIndex = &idx
				offset = next
			}

			switch {
			case isOpeningTag(data, offset, 4):
				values, consumed, err := DecodeApplicationValues(data[offset+1:], 4)
				if err != nil {
					return nil, err
				}
				r.Values = values
				offset += 1 + consumed
			case isOpeningTag(data, offset, 5):
				values, consumed, err := DecodeApplicationValues(data[offset+1:], 5)
				if err != nil || len(values) != 2 {
					return nil, ErrInvalidAPDU
				}
				class, _ := values[0].(uint32)
				code, _ := values[1].(uint32)
				r.Error = NewBACnetError(ErrorClass(class), ErrorCode(code))
				offset += 1 + consumed
			default:
				return nil, ErrInvalidAPDU
			}
			results = append(results, r)
		}
		offset++
	}
	return results, nil
}

// DecodeError decodes the class and code carried by an Error APDU
func DecodeError(data []byte) (*BACnetError, error) {
	values := make([]uint32, 0, 2)
	offset := 0
	for len(values) < 2 {
		if offset >= len(data) {
			return nil, ErrInvalidAPDU
		}
		tagNum, class, length, headerLen, err := DecodeTagNumber(data[offset:])
		if err != nil || class != TagClassApplication || ApplicationTag(tagNum) != TagEnumerated || offset+headerLen+length > len(data) {
			return nil, ErrInvalidAPDU
		}
		values = append(values, DecodeUnsigned(data[offset+headerLen:offset+headerLen+length]))
		offset += headerLen + length
	}
	return NewBACnetError(ErrorClass(values[0]), ErrorCode(values[1])), nil
}

// EncodeNetworkList encodes the network numbers of I-Am-Router-To-Network.
func EncodeNetworkList(networks []uint16) []byte {
	data := make([]byte, 2*len(networks))
	for i, n := range networks {
		encodeUint16(data[2*i:], n)
	}
	return data
}

// DecodeNetworkList decodes a list of 2-byte network numbers.
func DecodeNetworkList(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd network list length", ErrInvalidNPDU)
	}
	networks := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		networks = append(networks, decodeUint16(data[i:]))
	}
	return networks, nil
}

// DecodeApplicationValues decodes application tagged values up to the
// closing tag closeTag. It returns the number of bytes consumed including
// the closing tag.
func DecodeApplicationValues(data []byte, closeTag uint8) ([]interface{}, int, error) {
	var values []interface{}
	offset := 0
	for {
		if offset >= len(data) {
			return nil, 0, fmt.Errorf("%w: missing closing tag", ErrInvalidAPDU)
		}
		tagNum, class, length, headerLen, err := DecodeTagNumber(data[offset:])
		if err != nil {
			return nil, 0, err
		}
		if class == TagClassContext && length == -2 && tagNum == closeTag {
			return values, offset + headerLen, nil
		}
		if class != TagClassApplication || offset+headerLen+length > len(data) {
			return nil, 0, fmt.Errorf("%w: unexpected tag", ErrInvalidAPDU)
		}
		valueData := data[offset+headerLen : offset+headerLen+length]
		if ApplicationTag(tagNum) == TagBoolean {
			valueData = nil
		}
		values = append(values, decodeApplicationValue(ApplicationTag(tagNum), length, valueData))
		offset += headerLen + len(valueData)
	}
}

func decodeApplicationValue(tag ApplicationTag, length int, valueData []byte) interface{} {
	switch tag {
	case TagNull:
		return nil
	case TagBoolean:
		return length == 1
	case TagUnsignedInt, TagEnumerated:
		return DecodeUnsigned(valueData)
	case TagReal:
		return DecodeReal(valueData)
	case TagOctetString:
		return append([]byte(nil), valueData...)
	case TagCharacterString:
		return DecodeCharacterString(valueData)
	case TagObjectID:
		if len(valueData) != 4 {
			return valueData
		}
		return DecodeObjectIdentifier(binary.BigEndian.Uint32(valueData))
	default:
		return append([]byte(nil), valueData...)
	}
}

// decodeContextValue decodes a primitive context tag with number tagNum at
// offset, returning its content and the offset after it.
func decodeContextValue(data []byte, offset int, tagNum uint8) ([]byte, int, error) {
	if offset >= len(data) {
		return nil, offset, ErrInvalidAPDU
	}
	n, class, length, headerLen, err := DecodeTagNumber(data[offset:])
	if err != nil {
		return nil, offset, err
	}
	if n != tagNum || class != TagClassContext || length < 0 {
		return nil, offset, ErrInvalidAPDU
	}
	end := offset + headerLen + length
	if end > len(data) {
		return nil, offset, ErrInvalidAPDU
	}
	return data[offset+headerLen : end], end, nil
}

func hasContextValue(data []byte, offset int, tagNum uint8) bool {
	if offset >= len(data) {
		return false
	}
	n, class, length, _, err := DecodeTagNumber(data[offset:])
	return err == nil && n == tagNum && class == TagClassContext && length >= 0
}

func isOpeningTag(data []byte, offset int, tagNum uint8) bool {
	return offset < len(data) && tagNum < 15 && data[offset] == (tagNum<<4)|0x0E
}

func isClosingTag(data []byte, offset int, tagNum uint8) bool {
	return offset < len(data) && tagNum < 15 && data[offset] == (tagNum<<4)|0x0F
}
