// node.go - Worker registry and message dispatch.
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

// Package node implements the in-process router: named workers with
// mailboxes, and the dispatch path that applies access control and the
// flow control delivery check before every delivery.
package node

import (
	"container/list"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/log"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/core/worker"
	"github.com/katzenpost/trustroute/internal/instrument"
)

var (
	// ErrUnknownAddress is returned when a message is sent to an address
	// no worker is bound to.
	ErrUnknownAddress = errors.New("node: unknown address")

	// ErrAddressInUse is returned when binding an address twice.
	ErrAddressInUse = errors.New("node: address already in use")

	// ErrEmptyRoute is returned when sending along an empty route.
	ErrEmptyRoute = errors.New("node: empty onward route")

	// ErrTimeout is returned when a receive deadline elapses without an
	// authorized message arriving.
	ErrTimeout = errors.New("node: receive timed out")

	// ErrStopped is returned when receiving on a stopped context.
	ErrStopped = errors.New("node: context stopped")
)

// Handler processes messages delivered to a worker.
type Handler interface {
	HandleMessage(ctx *Context, msg *LocalMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx *Context, msg *LocalMessage) error

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx *Context, msg *LocalMessage) error {
	return f(ctx, msg)
}

// Options configures the access control of a worker or context.
type Options struct {
	// Incoming is consulted before a message is placed in the mailbox.
	Incoming AccessControl

	// Outgoing is consulted before a message leaves through the context.
	Outgoing AccessControl
}

func (o *Options) incoming() AccessControl {
	if o == nil || o.Incoming == nil {
		return AllowAll{}
	}
	return o.Incoming
}

func (o *Options) outgoing() AccessControl {
	if o == nil || o.Outgoing == nil {
		return AllowAll{}
	}
	return o.Outgoing
}

// Node is a router for a set of workers sharing one flow control registry.
type Node struct {
	worker.Worker
	sync.RWMutex

	name         string
	log          *logging.Logger
	logBackend   *log.Backend
	flowControls *flowcontrol.Registry

	mailboxes map[route.Address]*mailbox
}

// New returns a node named name with its own flow control registry.
func New(name string, logBackend *log.Backend) *Node {
	return &Node{
		name:         name,
		log:          logBackend.GetLogger("node:" + name),
		logBackend:   logBackend,
		flowControls: flowcontrol.NewRegistry(),
		mailboxes:    make(map[route.Address]*mailbox),
	}
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// LogBackend returns the log backend shared by the node's components.
func (n *Node) LogBackend() *log.Backend {
	return n.logBackend
}

// FlowControls returns the node's flow control registry.
func (n *Node) FlowControls() *flowcontrol.Registry {
	return n.flowControls
}

// RandomAddress returns a fresh address with the given prefix.
func RandomAddress(prefix string) route.Address {
	var b [16]byte
	if _, err := rand.Reader.Read(b[:]); err != nil {
		panic("node: failed to read entropy: " + err.Error())
	}
	return route.Address(prefix + hex.EncodeToString(b[:]))
}

// NewContext binds address to a detached context: a mailbox that the
// caller drains with Receive.
func (n *Node) NewContext(address route.Address, opts *Options) (*Context, error) {
	mb := newMailbox(opts.incoming())
	n.Lock()
	defer n.Unlock()
	if n.IsHalted() {
		return nil, ErrStopped
	}
	if _, ok := n.mailboxes[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, address)
	}
	n.mailboxes[address] = mb
	return &Context{
		n:        n,
		address:  address,
		mb:       mb,
		outgoing: opts.outgoing(),
	}, nil
}

// StartWorker binds address to h.  Every authorized message delivered to
// address is passed to h from a dedicated go routine.
func (n *Node) StartWorker(address route.Address, h Handler, opts *Options) (*Context, error) {
	ctx, err := n.NewContext(address, opts)
	if err != nil {
		return nil, err
	}
	n.Go(func() {
		for {
			msg, err := ctx.mb.pop(n.HaltCh(), nil)
			if err != nil {
				return
			}
			if err := h.HandleMessage(ctx, msg); err != nil {
				n.log.Debugf("Worker %s: failed to handle message: %v", address, err)
			}
		}
	})
	return ctx, nil
}

// StopWorker stops the worker or context bound to address, and drops its
// consumer registrations.
func (n *Node) StopWorker(address route.Address) {
	n.Lock()
	mb, ok := n.mailboxes[address]
	delete(n.mailboxes, address)
	n.Unlock()
	if !ok {
		return
	}
	mb.close()
	n.flowControls.RemoveConsumer(address)
}

// HasWorker returns true iff address is bound.
func (n *Node) HasWorker(address route.Address) bool {
	n.RLock()
	defer n.RUnlock()
	_, ok := n.mailboxes[address]
	return ok
}

// Shutdown stops every worker of the node.
func (n *Node) Shutdown() {
	n.Lock()
	mbs := n.mailboxes
	n.mailboxes = make(map[route.Address]*mailbox)
	n.Unlock()
	for _, mb := range mbs {
		mb.close()
	}
	n.Halt()
}

// deliver routes msg to the first hop of its onward route.  A message
// refused by access control or by the flow control check is dropped: the
// sender observes no error, the destination never sees it.
func (n *Node) deliver(msg *LocalMessage) error {
	dst, _, ok := msg.OnwardRoute.Next()
	if !ok {
		return ErrEmptyRoute
	}

	n.RLock()
	mb, ok := n.mailboxes[dst]
	n.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, dst)
	}

	if !mb.incoming.IsAuthorized(msg) {
		n.log.Warningf("Dropping message to %s: rejected by incoming access control", dst)
		instrument.AccessControlDenied("incoming")
		return nil
	}
	if !n.flowControls.IsAllowed(msg.FlowControlID, dst) {
		n.log.Warningf("Dropping message to %s: not a consumer of flow %s", dst, msg.FlowControlID)
		instrument.FlowControlDenied()
		return nil
	}

	mb.push(msg)
	instrument.MessageDelivered()
	return nil
}

type mailbox struct {
	sync.Mutex

	incoming AccessControl
	queue    *list.List
	signalCh chan struct{}
	closeCh  chan struct{}
	closed   bool
}

func newMailbox(incoming AccessControl) *mailbox {
	return &mailbox{
		incoming: incoming,
		queue:    list.New(),
		signalCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

func (m *mailbox) push(msg *LocalMessage) {
	m.Lock()
	if m.closed {
		m.Unlock()
		return
	}
	m.queue.PushBack(msg)
	m.Unlock()

	select {
	case m.signalCh <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop(haltCh <-chan interface{}, doneCh <-chan struct{}) (*LocalMessage, error) {
	for {
		m.Lock()
		if e := m.queue.Front(); e != nil {
			m.queue.Remove(e)
			m.Unlock()
			return e.Value.(*LocalMessage), nil
		}
		closed := m.closed
		m.Unlock()
		if closed {
			return nil, ErrStopped
		}

		select {
		case <-m.signalCh:
		case <-m.closeCh:
		case <-haltCh:
			return nil, ErrStopped
		case <-doneCh:
			return nil, ErrTimeout
		}
	}
}

func (m *mailbox) close() {
	m.Lock()
	defer m.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closeCh)
	}
}
