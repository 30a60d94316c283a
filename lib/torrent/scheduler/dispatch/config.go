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
package dispatch

import (
	"time"

	"github.com/uber/angler/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/uber/angler/utils/memsize"
)

// Config defines Dispatcher configuration.
type Config struct {
	// PieceRequestMinTimeout is the minimum timeout of a piece hold with no
	// progress before it is released for other peers to claim.
	PieceRequestMinTimeout time.Duration `yaml:"piece_request_min_timeout"`

	// PieceRequestTimeoutPerMb scales the piece hold timeout by piece size.
	PieceRequestTimeoutPerMb time.Duration `yaml:"piece_request_timeout_per_mb"`

	// PieceRequestPolicy is the piece selection policy: "rarest_first" or
	// "default".
	PieceRequestPolicy string `yaml:"piece_request_policy"`

	// PipelineLimit is the maximum number of unanswered block requests kept
	// in flight per peer.
	PipelineLimit int `yaml:"pipeline_limit"`

	// BlockSize is the number of bytes requested per block.
	BlockSize int64 `yaml:"block_size"`
}

func (c Config) applyDefaults() Config {
	if c.PieceRequestMinTimeout == 0 {
		c.PieceRequestMinTimeout = 4 * time.Second
	}
	if c.PieceRequestTimeoutPerMb == 0 {
		c.PieceRequestTimeoutPerMb = 4 * time.Second
	}
	if c.PieceRequestPolicy == "" {
		c.PieceRequestPolicy = piecerequest.RarestFirstPolicy
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 3
	}
	if c.BlockSize == 0 {
		c.BlockSize = int64(32 * memsize.KB)
	}
	return c
}

// calcPieceRequestTimeout computes the piece hold timeout for the given
// piece length.
func (c Config) calcPieceRequestTimeout(maxPieceLength int64) time.Duration {
	n := float64(maxPieceLength) / float64(memsize.MB)
	d := c.PieceRequestMinTimeout + time.Duration(n*float64(c.PieceRequestTimeoutPerMb))
	return d.Round(time.Millisecond)
}
