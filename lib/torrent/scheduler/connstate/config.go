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
package connstate

import "time"

// Config defines State configuration.
type Config struct {
	// MaxOpenConnectionsPerTorrent is the hard cap of pending plus active
	// connections a torrent may hold.
	MaxOpenConnectionsPerTorrent int `yaml:"max_open_connections_per_torrent"`

	// BlacklistDuration is how long a failed connection's address is skipped
	// in dialing and accepting.
	BlacklistDuration time.Duration `yaml:"blacklist_duration"`

	DisableBlacklist bool `yaml:"disable_blacklist"`
}

func (c Config) applyDefaults() Config {
	if c.MaxOpenConnectionsPerTorrent == 0 {
		c.MaxOpenConnectionsPerTorrent = 55
	}
	if c.BlacklistDuration == 0 {
		c.BlacklistDuration = 30 * time.Second
	}
	return c
}
