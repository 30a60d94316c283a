// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package memsize provides interpretation of memory byte and bit sizes.
package memsize

import "fmt"

// Byte sizes.
const (
	B  uint64 = 1
	KB uint64 = 1 << 10
	MB uint64 = 1 << 20
	GB uint64 = 1 << 30
	TB uint64 = 1 << 40
)

// Bit sizes.
const (
	bit  uint64 = 1
	Kbit uint64 = 1000 * bit
	Mbit uint64 = 1000 * Kbit
	Gbit uint64 = 1000 * Mbit
	Tbit uint64 = 1000 * Gbit
)

// Format returns a human-readable representation of the given byte size.
func Format(bytes uint64) string {
	switch {
	case bytes == 0:
		return "0B"
	case bytes >= TB:
		return format(bytes, TB, "TB")
	case bytes >= GB:
		return format(bytes, GB, "GB")
	case bytes >= MB:
		return format(bytes, MB, "MB")
	case bytes >= KB:
		return format(bytes, KB, "KB")
	default:
		return format(bytes, B, "B")
	}
}

// BitFormat returns a human-readable representation of the given bit size.
func BitFormat(bits uint64) string {
	switch {
	case bits == 0:
		return "0bit"
	case bits >= Tbit:
		return format(bits, Tbit, "Tbit")
	case bits >= Gbit:
		return format(bits, Gbit, "Gbit")
	case bits >= Mbit:
		return format(bits, Mbit, "Mbit")
	case bits >= Kbit:
		return format(bits, Kbit, "Kbit")
	default:
		return format(bits, bit, "bit")
	}
}

func format(n, unit uint64, suffix string) string {
	return fmt.Sprintf("%.2f%s", float64(n)/float64(unit), suffix)
}
