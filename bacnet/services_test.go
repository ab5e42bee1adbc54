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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u32(v uint32) *uint32 {
	return &v
}

func TestIAmRoundTrip(t *testing.T) {
	iam := IAm{
		Device:        NewObjectIdentifier(ObjectTypeDevice, 389999),
		MaxAPDULength: MaxAPDULength,
		Segmentation:  SegmentationNone,
		VendorID:      DefaultVendorID,
	}
	got, err := DecodeIAm(EncodeIAm(iam))
	require.NoError(t, err)
	assert.Equal(t, iam, got)

	_, err = DecodeIAm(EncodeIAm(iam)[:6])
	assert.ErrorIs(t, err, ErrInvalidAPDU)
}

func TestDecodeWhoIs(t *testing.T) {
	_, _, ranged, err := DecodeWhoIs(nil)
	require.NoError(t, err)
	assert.False(t, ranged)

	low, high, ranged, err := DecodeWhoIs(EncodeWhoIs(u32(100000), u32(200009)))
	require.NoError(t, err)
	assert.True(t, ranged)
	assert.Equal(t, uint32(100000), low)
	assert.Equal(t, uint32(200009), high)

	_, _, _, err = DecodeWhoIs(EncodeContextUnsigned(0, 5))
	assert.ErrorIs(t, err, ErrInvalidAPDU, "a low limit needs a high limit")
}

func TestReadPropertyRequest(t *testing.T) {
	req := ReadPropertyRequest{
		ObjectID:   NewObjectIdentifier(ObjectTypeNetworkPort, 1),
		PropertyID: PropertyIPDNSServer,
		ArrayIndex: u32(2),
	}
	got, err := DecodeReadPropertyRequest(EncodeReadPropertyRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)

	req.ArrayIndex = nil
	got, err = DecodeReadPropertyRequest(EncodeReadPropertyRequest(req))
	require.NoError(t, err)
	assert.Nil(t, got.ArrayIndex)

	_, err = DecodeReadPropertyRequest([]byte{0x0C, 0x00})
	assert.ErrorIs(t, err, ErrInvalidAPDU)

	_, err = DecodeReadPropertyRequest(append(EncodeReadPropertyRequest(req), 0x00))
	assert.ErrorIs(t, err, ErrInvalidAPDU)
}

func TestReadPropertyAck(t *testing.T) {
	req := ReadPropertyRequest{
		ObjectID:   NewObjectIdentifier(ObjectTypeDevice, 5),
		PropertyID: PropertyObjectList,
	}
	value := append(EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeDevice, 5)),
		EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeAnalogInput, 1))...)

	got, values, err := DecodeReadPropertyAck(EncodeReadPropertyAck(req, value))
	require.NoError(t, err)
	assert.Equal(t, req, got)
	assert.Equal(t, []interface{}{
		NewObjectIdentifier(ObjectTypeDevice, 5),
		NewObjectIdentifier(ObjectTypeAnalogInput, 1),
	}, values)
}

func TestReadPropertyMultipleRequest(t *testing.T) {
	device := NewObjectIdentifier(ObjectTypeDevice, 100000)
	ai := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	reqs := []ReadPropertyRequest{
		{ObjectID: device, PropertyID: PropertyObjectName},
		{ObjectID: device, PropertyID: PropertyObjectList, ArrayIndex: u32(0)},
		{ObjectID: ai, PropertyID: PropertyPresentValue},
	}

	got, err := DecodeReadPropertyMultipleRequest(EncodeReadPropertyMultipleRequest(reqs))
	require.NoError(t, err)
	assert.Equal(t, reqs, got)

	_, err = DecodeReadPropertyMultipleRequest(nil)
	assert.ErrorIs(t, err, ErrInvalidAPDU)

	empty := append(EncodeContextObjectIdentifier(0, device), EncodeOpeningTag(1)...)
	empty = append(empty, EncodeClosingTag(1)...)
	_, err = DecodeReadPropertyMultipleRequest(empty)
	assert.ErrorIs(t, err, ErrInvalidAPDU)
}

func TestReadAccessResult(t *testing.T) {
	device := NewObjectIdentifier(ObjectTypeDevice, 100000)
	results := []PropertyResult{
		{PropertyID: PropertyObjectName},
		{PropertyID: PropertyDescription, Error: NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)},
		{PropertyID: PropertyObjectList, ArrayIndex: u32(0)},
	}
	values := [][]byte{EncodeCharacterStringTag([]byte("Virtual Device Bronze")), nil, EncodeUnsignedTag(3)}

	decoded, err := DecodeReadPropertyMultipleAck(EncodeReadAccessResult(device, results, values))
	require.NoError(t, err)
	require.Len(t, decoded, 3)

	assert.Equal(t, device, decoded[0].ObjectID)
	assert.Equal(t, []interface{}{"Virtual Device Bronze"}, decoded[0].Values)
	assert.Nil(t, decoded[0].Error)

	require.NotNil(t, decoded[1].Error)
	assert.Equal(t, ErrorCodeUnknownProperty, decoded[1].Error.Code)

	require.NotNil(t, decoded[2].ArrayIndex)
	assert.Equal(t, uint32(0), *decoded[2].ArrayIndex)
	assert.Equal(t, []interface{}{uint32(3)}, decoded[2].Values)
}

func TestToBACnetError(t *testing.T) {
	tests := []struct {
		err  error
		want *BACnetError
	}{
		{ErrUnknownObject, NewBACnetError(ErrorClassObject, ErrorCodeUnknownObject)},
		{ErrInvalidArrayIndex, NewBACnetError(ErrorClassProperty, ErrorCodeInvalidArrayIndex)},
		{ErrValueTooLong, NewBACnetError(ErrorClassProperty, ErrorCodeValueTooLong)},
		{ErrPropertyNotFound, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)},
		{NewBACnetError(ErrorClassDevice, ErrorCodeDeviceBusy), NewBACnetError(ErrorClassDevice, ErrorCodeDeviceBusy)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toBACnetError(tt.err), tt.err.Error())
	}
}
