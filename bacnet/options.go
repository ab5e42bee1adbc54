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
	"log/slog"
	"time"
)

// serverOptions holds configuration shared by the Server and the Bridge
type serverOptions struct {
	// APDU configuration
	vendorID      uint16
	maxAPDULength uint16
	segmentation  Segmentation

	// Provider buffer used for character strings before growing to
	// maxAPDULength.
	stringBufferSize int

	// Datalink receive poll
	pollTimeout time.Duration

	metrics *Metrics
	clock   func() time.Time
	logger  *slog.Logger
}

// defaultOptions returns the default server options
func defaultOptions() *serverOptions {
	return &serverOptions{
		vendorID:         DefaultVendorID,
		maxAPDULength:    MaxAPDULength,
		segmentation:     SegmentationNone,
		stringBufferSize: 128,
		pollTimeout:      10 * time.Millisecond,
		clock:            time.Now,
		logger:           slog.Default(),
	}
}

func applyOptions(opts []Option) *serverOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	return o
}

// Option is a functional option for configuring the server and bridge
type Option func(*serverOptions)

// WithVendorID sets the vendor identifier reported by every device
func WithVendorID(id uint16) Option {
	return func(o *serverOptions) {
		o.vendorID = id
	}
}

// WithMaxAPDULength sets the largest APDU the server accepts and sends
func WithMaxAPDULength(length uint16) Option {
	return func(o *serverOptions) {
		if length >= 50 && length <= MaxAPDULength {
			o.maxAPDULength = length
		}
	}
}

// WithStringBufferSize sets the initial buffer handed to the property
// provider for character strings
func WithStringBufferSize(size int) Option {
	return func(o *serverOptions) {
		if size > 0 {
			o.stringBufferSize = size
		}
	}
}

// WithPollTimeout sets how long a single receive waits for a datagram
func WithPollTimeout(d time.Duration) Option {
	return func(o *serverOptions) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithMetrics shares a metrics instance
func WithMetrics(m *Metrics) Option {
	return func(o *serverOptions) {
		o.metrics = m
	}
}

// WithClock sets the time source used for request latency
func WithClock(clock func() time.Time) Option {
	return func(o *serverOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
