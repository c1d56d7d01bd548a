// tcp.go - TCP transport.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package tcp carries routed messages between nodes over TCP connections.
// Each connection is a worker whose address is a route hop: sending to it
// writes the rest of the route to the socket, and messages read from the
// socket are routed inside the node tagged with the connection's flow
// control id.
package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/core/worker"
	"github.com/katzenpost/trustroute/internal/instrument"
)

const (
	// DefaultConnectTimeout bounds Connect when no timeout is given.
	DefaultConnectTimeout = 10 * time.Second

	keepAliveInterval = 3 * time.Minute
)

// ListenerOptions configures a listener.
type ListenerOptions struct {
	// SpawnerID, when set, tags every accepted connection with a fresh
	// flow control id spawned under it.  Without it accepted connections
	// are not flow controlled.
	SpawnerID flowcontrol.ID
}

// ConnectionOptions configures an outgoing connection.
type ConnectionOptions struct {
	// FlowControlID, when set, tags every message read from the
	// connection.  Without it the connection is not flow controlled.
	FlowControlID flowcontrol.ID

	// Timeout bounds the dial.
	Timeout time.Duration
}

// Transport is the TCP transport of one node.
type Transport struct {
	sync.Mutex
	worker.Worker

	n   *node.Node
	log *logging.Logger

	listeners []*listener
	conns     map[route.Address]*connection
}

// New returns a TCP transport for n.
func New(n *node.Node) *Transport {
	return &Transport{
		n:     n,
		log:   n.LogBackend().GetLogger("tcp:" + n.Name()),
		conns: make(map[route.Address]*connection),
	}
}

// Listen accepts connections on address.
func (t *Transport) Listen(address string, opts *ListenerOptions) (net.Addr, error) {
	if opts == nil {
		opts = &ListenerOptions{}
	}
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("tcp: failed to listen on %s: %w", address, err)
	}
	ln := &listener{
		t:       t,
		l:       l,
		spawner: opts.SpawnerID,
	}
	if !opts.SpawnerID.IsZero() {
		t.n.FlowControls().AddSpawner(route.Address("tcp_listener_"+l.Addr().String()), opts.SpawnerID)
	}
	t.Lock()
	t.listeners = append(t.listeners, ln)
	t.Unlock()
	t.Go(ln.worker)
	return l.Addr(), nil
}

// Connect dials address and returns the route hop of the connection.
func (t *Transport) Connect(address string, opts *ConnectionOptions) (route.Address, error) {
	if opts == nil {
		opts = &ConnectionOptions{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dialer := &net.Dialer{KeepAlive: keepAliveInterval}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", fmt.Errorf("tcp: failed to connect to %s: %w", address, err)
	}
	instrument.TCPConnection("outgoing")
	c, err := t.startConnection(conn, opts.FlowControlID, "")
	if err != nil {
		conn.Close()
		return "", err
	}
	t.log.Debugf("Connected to %v as %s", conn.RemoteAddr(), c.sender)
	return c.sender, nil
}

// Disconnect closes the connection with route hop address.
func (t *Transport) Disconnect(address route.Address) {
	t.Lock()
	c, ok := t.conns[address]
	t.Unlock()
	if ok {
		c.close()
	}
}

// Shutdown closes every listener and connection.
func (t *Transport) Shutdown() {
	t.Lock()
	listeners := t.listeners
	t.listeners = nil
	conns := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.Unlock()

	for _, l := range listeners {
		l.l.Close()
	}
	for _, c := range conns {
		c.close()
	}
	t.Halt()
}

func (t *Transport) startConnection(conn net.Conn, flowID, spawner flowcontrol.ID) (*connection, error) {
	c := &connection{
		t:        t,
		conn:     conn,
		sender:   node.RandomAddress("tcp_sender_"),
		receiver: node.RandomAddress("tcp_receiver_"),
		flowID:   flowID,
	}
	ctx, err := t.n.StartWorker(c.sender, node.HandlerFunc(c.onSend), nil)
	if err != nil {
		return nil, err
	}
	c.ctx = ctx

	if !flowID.IsZero() {
		fc := t.n.FlowControls()
		fc.AddProducer(c.receiver, flowID, spawner, c.sender)
		fc.AddConsumer(c.sender, flowID, flowcontrol.ProducerAllowMultiple)
		if !spawner.IsZero() {
			fc.AddConsumer(c.sender, spawner, flowcontrol.SpawnerAllowMultipleMessages)
		}
	}

	t.Lock()
	t.conns[c.sender] = c
	t.Unlock()
	t.Go(c.readWorker)
	return c, nil
}

type listener struct {
	t       *Transport
	l       net.Listener
	spawner flowcontrol.ID
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.t.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.t.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close()
	}()
	for {
		conn, err := l.l.Accept()
		if err != nil {
			select {
			case <-l.t.HaltCh():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.t.log.Debugf("Accept failure: %v", err)
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}
		instrument.TCPConnection("incoming")

		var flowID flowcontrol.ID
		if !l.spawner.IsZero() {
			flowID = l.t.n.FlowControls().GenerateID()
		}
		c, err := l.t.startConnection(conn, flowID, l.spawner)
		if err != nil {
			l.t.log.Errorf("Failed to start connection from %v: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		l.t.log.Debugf("Accepted new connection: %v as %s", conn.RemoteAddr(), c.sender)
	}
}

type connection struct {
	sync.Mutex

	t        *Transport
	conn     net.Conn
	ctx      *node.Context
	sender   route.Address
	receiver route.Address
	flowID   flowcontrol.ID

	closeOnce sync.Once
}

// onSend writes messages routed to the connection's hop to the socket.
func (c *connection) onSend(_ *node.Context, msg *node.LocalMessage) error {
	_, rest, _ := msg.OnwardRoute.Next()
	c.Lock()
	defer c.Unlock()
	if err := writeFrame(c.conn, &transportMessage{
		OnwardRoute: rest,
		ReturnRoute: msg.ReturnRoute,
		Payload:     msg.Payload,
	}); err != nil {
		go c.close()
		return fmt.Errorf("tcp: write to %v failed: %w", c.conn.RemoteAddr(), err)
	}
	return nil
}

func (c *connection) readWorker() {
	defer c.close()
	for {
		m, err := readFrame(c.conn)
		if err != nil {
			c.t.log.Debugf("Connection %s closed: %v", c.sender, err)
			return
		}
		msg := &node.LocalMessage{
			OnwardRoute:   m.OnwardRoute,
			ReturnRoute:   m.ReturnRoute.Prepend(c.sender),
			Payload:       m.Payload,
			FlowControlID: c.flowID,
		}
		if err := c.ctx.Forward(msg); err != nil {
			c.t.log.Debugf("Connection %s: failed to route message: %v", c.sender, err)
		}
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.t.n.StopWorker(c.sender)
		if !c.flowID.IsZero() {
			c.t.n.FlowControls().RemoveProducer(c.flowID)
		}
		c.t.Lock()
		delete(c.t.conns, c.sender)
		c.t.Unlock()
	})
}
