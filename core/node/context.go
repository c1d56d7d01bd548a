// context.go - Worker contexts.
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

package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/internal/instrument"
)

// DefaultTimeout bounds SendAndReceive when no timeout is given.
const DefaultTimeout = 10 * time.Second

// Context is the handle a worker uses to send and receive messages.
type Context struct {
	n        *Node
	address  route.Address
	mb       *mailbox
	outgoing AccessControl
}

// Address returns the address the context is bound to.
func (c *Context) Address() route.Address {
	return c.address
}

// Node returns the node the context belongs to.
func (c *Context) Node() *Node {
	return c.n
}

// FlowControls returns the node's flow control registry.
func (c *Context) FlowControls() *flowcontrol.Registry {
	return c.n.flowControls
}

// Send sends an untagged message along r, with a return route pointing
// back at this context.
func (c *Context) Send(r route.Route, payload []byte) error {
	return c.Forward(&LocalMessage{
		OnwardRoute: route.New(r...),
		ReturnRoute: route.New(c.address),
		Payload:     payload,
	})
}

// Forward dispatches msg exactly as given, including its flow control tag.
func (c *Context) Forward(msg *LocalMessage) error {
	if !c.outgoing.IsAuthorized(msg) {
		c.n.log.Warningf("Dropping message from %s to %s: rejected by outgoing access control", c.address, msg.Destination())
		instrument.AccessControlDenied("outgoing")
		return nil
	}
	return c.n.deliver(msg)
}

// Receive waits for the next authorized message.  It returns ErrTimeout if
// ctx expires first.
func (c *Context) Receive(ctx context.Context) (*LocalMessage, error) {
	msg, err := c.mb.pop(c.n.HaltCh(), ctx.Done())
	if errors.Is(err, ErrTimeout) && errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}
	return msg, err
}

// ReceiveTimeout waits at most timeout for the next authorized message.
func (c *Context) ReceiveTimeout(timeout time.Duration) (*LocalMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Receive(ctx)
}

// SendAndReceive sends payload along r from a temporary context and waits
// for the first reply.  When the first hop of r belongs to a flow control
// producer, the temporary context is registered as its consumer so that
// replies over that flow are authorized.
func (c *Context) SendAndReceive(r route.Route, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	child, err := c.n.NewContext(RandomAddress(string(c.address)+"_"), &Options{Outgoing: c.outgoing})
	if err != nil {
		return nil, err
	}
	defer child.Stop()

	if next, _, ok := r.Next(); ok {
		if info, ok := c.n.flowControls.FindProducer(next); ok {
			c.n.flowControls.AddConsumer(child.address, info.ID, flowcontrol.ProducerAllowMultiple)
		}
	}
	if err := child.Send(r, payload); err != nil {
		return nil, err
	}
	msg, err := child.ReceiveTimeout(timeout)
	if err != nil {
		return nil, fmt.Errorf("node: no reply from %s: %w", r, err)
	}
	return msg.Payload, nil
}

// Stop unbinds the context.
func (c *Context) Stop() {
	c.n.StopWorker(c.address)
}

// Done returns a channel closed once the context has been stopped.
func (c *Context) Done() <-chan struct{} {
	return c.mb.closeCh
}
