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
package scheduler

import (
	"github.com/uber/angler/lib/torrent/scheduler/announcer"
	"github.com/uber/angler/lib/torrent/scheduler/conn"
	"github.com/uber/angler/lib/torrent/scheduler/connstate"
	"github.com/uber/angler/lib/torrent/scheduler/dispatch"
	"github.com/uber/angler/lib/torrent/storage"
	"github.com/uber/angler/tracker/announceclient"
)

// Config defines Scheduler configuration.
type Config struct {
	// ListenPortStart / ListenPortEnd bound the half-open port range
	// [start, end) probed for a free listen port. A negative start listens
	// on an ephemeral port instead.
	ListenPortStart int `yaml:"listen_port_start"`
	ListenPortEnd   int `yaml:"listen_port_end"`

	// NewConnectionLimit caps how many fresh peers are dialed after an
	// announce, and sizes the numwant parameter via the current swarm.
	NewConnectionLimit int `yaml:"new_connection_limit"`

	// EventBufferSize sizes the scheduler's event channel.
	EventBufferSize int `yaml:"event_buffer_size"`

	Conn           conn.Config           `yaml:"conn"`
	ConnState      connstate.Config      `yaml:"connstate"`
	Dispatch       dispatch.Config       `yaml:"dispatch"`
	Announcer      announcer.Config      `yaml:"announcer"`
	AnnounceClient announceclient.Config `yaml:"announce_client"`
	Storage        storage.Config        `yaml:"storage"`
}

func (c Config) applyDefaults() Config {
	if c.ListenPortStart == 0 && c.ListenPortEnd == 0 {
		c.ListenPortStart = 6881
		c.ListenPortEnd = 6889
	}
	if c.ListenPortEnd < c.ListenPortStart {
		c.ListenPortEnd = c.ListenPortStart + 1
	}
	if c.NewConnectionLimit == 0 {
		c.NewConnectionLimit = 30
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 256
	}
	return c
}
