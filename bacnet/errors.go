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
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrConnectionClosed         = errors.New("bacnet: connection closed")
	ErrInvalidAPDU              = errors.New("bacnet: invalid APDU")
	ErrInvalidNPDU              = errors.New("bacnet: invalid NPDU")
	ErrInvalidBVLC              = errors.New("bacnet: invalid BVLC header")
	ErrSegmentationNotSupported = errors.New("bacnet: segmentation not supported")
	ErrDeviceNotFound           = errors.New("bacnet: device not found")
	ErrDeviceExists             = errors.New("bacnet: device already registered")
	ErrNetworkNotFound          = errors.New("bacnet: virtual network not found")
	ErrNetworkExists            = errors.New("bacnet: virtual network already registered")
	ErrInvalidNetwork           = errors.New("bacnet: invalid network number")
	ErrObjectExists             = errors.New("bacnet: object already registered")
	ErrUnknownObject            = errors.New("bacnet: unknown object")
	ErrPropertyNotFound         = errors.New("bacnet: property not found")
	ErrInvalidArrayIndex        = errors.New("bacnet: invalid array index")
	ErrValueTooLong             = errors.New("bacnet: value does not fit the buffer")
	ErrSendFailed               = errors.New("bacnet: send failed")
	ErrNotConnected             = errors.New("bacnet: not connected")
	ErrAlreadyConnected         = errors.New("bacnet: already connected")
)

// ErrorClass represents BACnet error classes
type ErrorClass uint8

const (
	ErrorClassDevice        ErrorClass = 0
	ErrorClassObject        ErrorClass = 1
	ErrorClassProperty      ErrorClass = 2
	ErrorClassResources     ErrorClass = 3
	ErrorClassSecurity      ErrorClass = 4
	ErrorClassServices      ErrorClass = 5
	ErrorClassVT            ErrorClass = 6
	ErrorClassCommunication ErrorClass = 7
)

func (e ErrorClass) String() string {
	names := map[ErrorClass]string{
		ErrorClassDevice:        "device",
		ErrorClassObject:        "object",
		ErrorClassProperty:      "property",
		ErrorClassResources:     "resources",
		ErrorClassSecurity:      "security",
		ErrorClassServices:      "services",
		ErrorClassVT:            "vt",
		ErrorClassCommunication: "communication",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-class(%d)", e)
}

// ErrorCode represents BACnet error codes
type ErrorCode uint8

const (
	ErrorCodeOther                  ErrorCode = 0
	ErrorCodeDeviceBusy             ErrorCode = 3
	ErrorCodeUnknownObject          ErrorCode = 31
	ErrorCodeUnknownProperty        ErrorCode = 32
	ErrorCodeInvalidArrayIndex      ErrorCode = 42
	ErrorCodePropertyIsNotAnArray   ErrorCode = 50
	ErrorCodeReadAccessDenied       ErrorCode = 27
	ErrorCodeNoSpaceToWriteProperty ErrorCode = 20
	ErrorCodeServiceRequestDenied   ErrorCode = 29
	ErrorCodeUnknownDevice          ErrorCode = 70
	ErrorCodeValueTooLong           ErrorCode = 72
)

func (e ErrorCode) String() string {
	names := map[ErrorCode]string{
		ErrorCodeOther:                  "other",
		ErrorCodeDeviceBusy:             "device-busy",
		ErrorCodeUnknownObject:          "unknown-object",
		ErrorCodeUnknownProperty:        "unknown-property",
		ErrorCodeInvalidArrayIndex:      "invalid-array-index",
		ErrorCodePropertyIsNotAnArray:   "property-is-not-an-array",
		ErrorCodeReadAccessDenied:       "read-access-denied",
		ErrorCodeNoSpaceToWriteProperty: "no-space-to-write-property",
		ErrorCodeServiceRequestDenied:   "service-request-denied",
		ErrorCodeUnknownDevice:          "unknown-device",
		ErrorCodeValueTooLong:           "value-too-long",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", e)
}

// BACnetError represents a BACnet protocol error
type BACnetError struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e *BACnetError) Error() string {
	return fmt.Sprintf("bacnet error: class=%s, code=%s", e.Class, e.Code)
}

func (e *BACnetError) Is(target error) bool {
	t, ok := target.(*BACnetError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewBACnetError creates a new BACnet error
func NewBACnetError(class ErrorClass, code ErrorCode) *BACnetError {
	return &BACnetError{
		Class: class,
		Code:  code,
	}
}

// toBACnetError maps a property provider error onto the error reported on
// the wire.
func toBACnetError(err error) *BACnetError {
	var bacnetErr *BACnetError
	switch {
	case errors.As(err, &bacnetErr):
		return bacnetErr
	case errors.Is(err, ErrUnknownObject), errors.Is(err, ErrDeviceNotFound):
		return NewBACnetError(ErrorClassObject, ErrorCodeUnknownObject)
	case errors.Is(err, ErrInvalidArrayIndex):
		return NewBACnetError(ErrorClassProperty, ErrorCodeInvalidArrayIndex)
	case errors.Is(err, ErrValueTooLong):
		return NewBACnetError(ErrorClassProperty, ErrorCodeValueTooLong)
	default:
		return NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
}

// RejectReason represents BACnet reject reasons
type RejectReason uint8

const (
	RejectReasonOther                    RejectReason = 0
	RejectReasonBufferOverflow           RejectReason = 1
	RejectReasonInconsistentParameters   RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag               RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange      RejectReason = 6
	RejectReasonTooManyArguments         RejectReason = 7
	RejectReasonUndefinedEnumeration     RejectReason = 8
	RejectReasonUnrecognizedService      RejectReason = 9
)

func (r RejectReason) String() string {
	names := map[RejectReason]string{
		RejectReasonOther:                    "other",
		RejectReasonBufferOverflow:           "buffer-overflow",
		RejectReasonInconsistentParameters:   "inconsistent-parameters",
		RejectReasonInvalidParameterDataType: "invalid-parameter-data-type",
		RejectReasonInvalidTag:               "invalid-tag",
		RejectReasonMissingRequiredParameter: "missing-required-parameter",
		RejectReasonParameterOutOfRange:      "parameter-out-of-range",
		RejectReasonTooManyArguments:         "too-many-arguments",
		RejectReasonUndefinedEnumeration:     "undefined-enumeration",
		RejectReasonUnrecognizedService:      "unrecognized-service",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("reject-reason(%d)", r)
}

// AbortReason represents BACnet abort reasons
type AbortReason uint8

const (
	AbortReasonOther                    AbortReason = 0
	AbortReasonBufferOverflow           AbortReason = 1
	AbortReasonSegmentationNotSupported AbortReason = 4
	AbortReasonOutOfResources           AbortReason = 9
	AbortReasonApduTooLong              AbortReason = 11
)

func (a AbortReason) String() string {
	names := map[AbortReason]string{
		AbortReasonOther:                    "other",
		AbortReasonBufferOverflow:           "buffer-overflow",
		AbortReasonSegmentationNotSupported: "segmentation-not-supported",
		AbortReasonOutOfResources:           "out-of-resources",
		AbortReasonApduTooLong:              "apdu-too-long",
	}
	if name, ok := names[a]; ok {
		return name
	}
	return fmt.Sprintf("abort-reason(%d)", a)
}

// IsUnknownObject returns true if the error indicates an unknown object
func IsUnknownObject(err error) bool {
	if errors.Is(err, ErrUnknownObject) || errors.Is(err, ErrDeviceNotFound) {
		return true
	}
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeUnknownDevice || bacnetErr.Code == ErrorCodeUnknownObject
	}
	return false
}

// IsPropertyNotFound returns true if the error indicates property not found
func IsPropertyNotFound(err error) bool {
	if errors.Is(err, ErrPropertyNotFound) {
		return true
	}
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeUnknownProperty
	}
	return false
}
