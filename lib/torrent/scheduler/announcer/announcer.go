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
package announcer

import (
	"time"

	"github.com/uber/angler/core"
	"github.com/uber/angler/tracker/announceclient"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Config defines Announcer configuration.
type Config struct {
	DefaultInterval time.Duration `yaml:"default_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

func (c Config) applyDefaults() Config {
	if c.DefaultInterval == 0 {
		c.DefaultInterval = 30 * time.Second
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 30 * time.Minute
	}
	return c
}

// Events defines Announcer events.
type Events interface {
	AnnounceTick(core.InfoHash)
}

// Announcer is a thin wrapper around an announceclient.Client which handles
// changes to the announce interval and drives the per-torrent announce tick.
type Announcer struct {
	config   Config
	infoHash core.InfoHash
	client   announceclient.Client
	events   Events
	interval *atomic.Int64
	timer    *clock.Timer
	clk      clock.Clock
	logger   *zap.SugaredLogger
}

// New creates a new Announcer for the torrent identified by infoHash.
func New(
	config Config,
	infoHash core.InfoHash,
	client announceclient.Client,
	events Events,
	clk clock.Clock,
	logger *zap.SugaredLogger) *Announcer {

	config = config.applyDefaults()
	return &Announcer{
		config:   config,
		infoHash: infoHash,
		client:   client,
		events:   events,
		interval: atomic.NewInt64(int64(config.DefaultInterval)),
		timer:    clk.Timer(config.DefaultInterval),
		clk:      clk,
		logger:   logger,
	}
}

// Announce announces through the underlying client and returns the resulting
// peer handout. Updates the announce interval if it has changed.
func (a *Announcer) Announce(req *announceclient.Request) ([]*core.PeerInfo, error) {
	resp, err := a.client.Announce(req)
	if err != nil {
		return nil, err
	}
	interval := resp.Interval
	if interval == 0 {
		// Protect against unset intervals.
		interval = a.config.DefaultInterval
	}
	if resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if interval > a.config.MaxInterval {
		// A wildly high interval would lock down future updates; clamp it.
		interval = a.config.MaxInterval
	}
	if a.interval.Swap(int64(interval)) != int64(interval) {
		// Note: updated interval will take effect after next tick.
		a.logger.With("hash", a.infoHash).Infof("Announce interval updated to %s", interval)
	}
	return resp.Peers, nil
}

// Ticker emits AnnounceTick events at the current announce interval, which
// may be updated by Announce. An initial tick fires immediately so the
// started announce happens without delay. Ticker exits when done is closed.
func (a *Announcer) Ticker(done <-chan struct{}) {
	a.events.AnnounceTick(a.infoHash)
	for {
		select {
		case <-a.timer.C:
			a.events.AnnounceTick(a.infoHash)
			a.timer.Reset(time.Duration(a.interval.Load()))
		case <-done:
			return
		}
	}
}
