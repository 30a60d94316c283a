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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/uber/angler/core"
	"github.com/uber/angler/utils/bandwidth"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Events defines Conn events.
type Events interface {
	ConnClosed(*Conn)
}

// Conn manages peer communication over a single connection for a single
// torrent. Messages are exchanged through the Send method and Receiver
// channel; the read and write loops own the underlying socket.
type Conn struct {
	peerID      core.PeerID
	infoHash    core.InfoHash
	createdAt   time.Time
	localPeerID core.PeerID
	bandwidth   *bandwidth.Limiter

	events Events

	nc     net.Conn
	config Config
	clk    clock.Clock
	stats  tally.Scope

	// Marks whether the connection was opened by the remote peer, or the
	// local peer.
	openedByRemote bool

	startOnce sync.Once

	sender   chan Message
	receiver chan Message

	// The following fields orchestrate the closing of the connection:
	closed *atomic.Bool
	done   chan struct{}  // Signals to readLoop / writeLoop to exit.
	wg     sync.WaitGroup // Waits for readLoop / writeLoop to exit.

	logger *zap.SugaredLogger
}

func newConn(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bandwidth *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	localPeerID core.PeerID,
	remotePeerID core.PeerID,
	infoHash core.InfoHash,
	openedByRemote bool,
	logger *zap.SugaredLogger) (*Conn, error) {

	// Clear all deadlines set during handshake. Once a Conn is created, the
	// idle timeout set per read governs socket liveness.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	c := &Conn{
		peerID:         remotePeerID,
		infoHash:       infoHash,
		createdAt:      clk.Now(),
		localPeerID:    localPeerID,
		bandwidth:      bandwidth,
		events:         events,
		nc:             nc,
		config:         config,
		clk:            clk,
		stats:          stats,
		openedByRemote: openedByRemote,
		sender:         make(chan Message, config.SenderBufferSize),
		receiver:       make(chan Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
		logger:         logger,
	}

	return c, nil
}

// Start starts message processing on c. Note, once c has been started, it may
// close itself if it encounters an error reading/writing to the underlying
// socket.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer id.
func (c *Conn) PeerID() core.PeerID {
	return c.peerID
}

// InfoHash returns the info hash for the torrent being transmitted over this
// connection.
func (c *Conn) InfoHash() core.InfoHash {
	return c.infoHash
}

// CreatedAt returns the time at which the Conn was created.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// Addr returns the remote network address.
func (c *Conn) Addr() string {
	return c.nc.RemoteAddr().String()
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// Send enqueues msg for writing. Returns an error if the connection is
// closed or the send buffer is full.
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.done:
		return errors.New("conn closed")
	case c.sender <- msg:
		return nil
	default:
		c.stats.Tagged(map[string]string{
			"dropped_message_type": msg.String(),
		}).Counter("dropped_messages").Inc(1)
		return errors.New("send buffer full")
	}
}

// Receiver returns a read-only channel for reading incoming messages off the
// connection. The channel is closed once the read loop exits.
func (c *Conn) Receiver() <-chan Message {
	return c.receiver
}

// Close starts the shutdown sequence for the Conn.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		c.events.ConnClosed(c)
	}()
}

// IsClosed returns true if the c is closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) readMessage() (Message, error) {
	// NOTE: The system clock is used here because the net package evaluates
	// deadlines against it.
	if err := c.nc.SetReadDeadline(time.Now().Add(c.config.IdleTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	msg, err := DecodeMessage(c.nc)
	if err != nil {
		return nil, err
	}
	if p, ok := msg.(PieceMessage); ok {
		if err := c.bandwidth.ReserveIngress(int64(len(p.Data))); err != nil {
			return nil, fmt.Errorf("ingress bandwidth: %s", err)
		}
		c.countBandwidth("ingress", int64(8*len(p.Data)))
	}
	return msg, nil
}

// readLoop reads messages off of the underlying connection and sends them to
// the receiver channel.
func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			msg, err := c.readMessage()
			if err != nil {
				c.log().Infof("Error reading message from socket, exiting read loop: %s", err)
				return
			}
			c.receiver <- msg
		}
	}
}

func (c *Conn) sendMessage(msg Message) error {
	if p, ok := msg.(PieceMessage); ok {
		if err := c.bandwidth.ReserveEgress(int64(len(p.Data))); err != nil {
			return fmt.Errorf("egress bandwidth: %s", err)
		}
		c.countBandwidth("egress", int64(8*len(p.Data)))
	}
	return EncodeMessage(c.nc, msg)
}

// writeLoop writes messages to the underlying connection by pulling messages
// off of the sender channel. A keep-alive frame is written whenever the
// keep-alive interval elapses with nothing sent.
func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	keepAlive := c.clk.Timer(c.config.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := c.sendMessage(msg); err != nil {
				c.log().Infof("Error writing message to socket, exiting write loop: %s", err)
				return
			}
			keepAlive.Reset(c.config.KeepAliveInterval)
		case <-keepAlive.C:
			if err := c.sendMessage(KeepAliveMessage{}); err != nil {
				c.log().Infof("Error writing keep-alive, exiting write loop: %s", err)
				return
			}
			keepAlive.Reset(c.config.KeepAliveInterval)
		}
	}
}

func (c *Conn) countBandwidth(direction string, n int64) {
	c.stats.Tagged(map[string]string{
		"piece_bandwidth_direction": direction,
	}).Counter("piece_bandwidth").Inc(n)
}

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
