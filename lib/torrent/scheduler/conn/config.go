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
package conn

import (
	"time"

	"github.com/uber/angler/utils/bandwidth"
)

// Config defines Conn configuration.
type Config struct {
	// HandshakeTimeout bounds the handshake exchange on both inbound and
	// outbound connections.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// IdleTimeout closes the connection if nothing is received within it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// KeepAliveInterval is how often a keep-alive frame is written when no
	// other message has been sent.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	SenderBufferSize   int `yaml:"sender_buffer_size"`
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 90 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 64
	}
	return c
}
