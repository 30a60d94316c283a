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

import (
	"fmt"
	"testing"
	"time"

	"github.com/uber/angler/core"
	"github.com/uber/angler/lib/torrent/scheduler/conn"
	"github.com/uber/angler/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func stateFixture(clk clock.Clock) *State {
	return New(Config{MaxOpenConnectionsPerTorrent: 2}, clk, log.Default())
}

func TestStatePendingToActiveLifecycle(t *testing.T) {
	require := require.New(t)

	s := stateFixture(clock.New())
	h := core.InfoHashFixture()

	local, _, cleanup := conn.PipeFixture(conn.ConfigFixture(), h)
	defer cleanup()
	addr := local.Addr()

	require.NoError(s.AddPending(h, addr))
	require.Equal(ErrConnAlreadyPending, s.AddPending(h, addr))

	require.NoError(s.MovePendingToActive(local))
	require.Equal(ErrConnAlreadyActive, s.AddPending(h, addr))
	require.Len(s.ActiveConns(), 1)
	require.Equal(1, s.NumActiveConns(h))

	s.DeleteActive(local)
	require.Empty(s.ActiveConns())
	require.NoError(s.AddPending(h, addr))
}

func TestStateDeletePending(t *testing.T) {
	require := require.New(t)

	s := stateFixture(clock.New())
	h := core.InfoHashFixture()

	require.NoError(s.AddPending(h, "10.0.0.1:6881"))
	s.DeletePending(h, "10.0.0.1:6881")
	require.NoError(s.AddPending(h, "10.0.0.1:6881"))
}

func TestStateCapacityPerTorrent(t *testing.T) {
	require := require.New(t)

	s := stateFixture(clock.New())
	h := core.InfoHashFixture()

	for i := 0; i < 2; i++ {
		require.NoError(s.AddPending(h, fmt.Sprintf("10.0.0.%d:6881", i)))
	}
	require.Equal(ErrTorrentAtCapacity, s.AddPending(h, "10.0.0.9:6881"))

	// Other torrents are unaffected.
	require.NoError(s.AddPending(core.InfoHashFixture(), "10.0.0.9:6881"))
}

func TestStateBlacklist(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	s := New(Config{BlacklistDuration: 30 * time.Second}, clk, log.Default())
	h := core.InfoHashFixture()
	addr := "10.0.0.1:6881"

	require.NoError(s.Blacklist(h, addr))
	require.True(s.Blacklisted(h, addr))
	require.Equal(ErrAddrBlacklisted, s.AddPending(h, addr))
	require.Error(s.Blacklist(h, addr))

	clk.Add(31 * time.Second)
	require.False(s.Blacklisted(h, addr))
	require.NoError(s.AddPending(h, addr))
}

func TestStateClearBlacklist(t *testing.T) {
	require := require.New(t)

	s := stateFixture(clock.New())
	h := core.InfoHashFixture()

	require.NoError(s.Blacklist(h, "10.0.0.1:6881"))
	s.ClearBlacklist(h)
	require.False(s.Blacklisted(h, "10.0.0.1:6881"))
}

func TestStateMovePendingToActiveRequiresPending(t *testing.T) {
	require := require.New(t)

	s := stateFixture(clock.New())
	local, _, cleanup := conn.PipeFixture(conn.ConfigFixture(), core.InfoHashFixture())
	defer cleanup()

	require.Equal(ErrInvalidActiveTransition, s.MovePendingToActive(local))
}
