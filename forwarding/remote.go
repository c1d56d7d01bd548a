// remote.go - Remote forwarder registration.
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

package forwarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
)

// DefaultRegistrationTimeout bounds CreateRemote when no timeout is given.
const DefaultRegistrationTimeout = 10 * time.Second

// RemoteOptions configures a remote forwarder registration.
type RemoteOptions struct {
	// Alias requests a static forwarding address.  Empty requests a
	// generated one.
	Alias string

	// Timeout bounds the registration round trip.
	Timeout time.Duration

	// ServiceAddress is the address of the forwarding service at the
	// end of the route, DefaultServiceAddress if empty.
	ServiceAddress route.Address
}

// RemoteForwarder is the local end of a forwarder registered at a relay.
// Messages sent to the forwarding address arrive here and are passed on
// to the rest of their route, keeping the flow control tag they arrived
// with.
type RemoteForwarder struct {
	n   *node.Node
	ctx *node.Context
	log *logging.Logger

	remoteAddress route.Address
	flowID        flowcontrol.ID
}

// CreateRemote registers a forwarder at the forwarding service reached
// over routeToRelay.  An empty route registers with the local service.
func CreateRemote(n *node.Node, routeToRelay route.Route, opts *RemoteOptions) (*RemoteForwarder, error) {
	if opts == nil {
		opts = &RemoteOptions{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRegistrationTimeout
	}
	serviceAddress := opts.ServiceAddress
	if serviceAddress == "" {
		serviceAddress = DefaultServiceAddress
	}

	ctx, err := n.NewContext(node.RandomAddress("remote_forwarder_"), nil)
	if err != nil {
		return nil, err
	}
	r := &RemoteForwarder{
		n:   n,
		ctx: ctx,
		log: n.LogBackend().GetLogger("forwarding:" + n.Name()),
	}

	// Replies and forwarded traffic arrive over the flow behind the first
	// hop; without flow control on it there is nothing to register.
	if next, _, ok := routeToRelay.Next(); ok {
		if info, ok := n.FlowControls().FindProducer(next); ok {
			r.flowID = info.ID
			n.FlowControls().AddConsumer(ctx.Address(), info.ID, flowcontrol.ProducerAllowMultiple)
		}
	}

	remote, err := r.register(routeToRelay.Append(serviceAddress), opts.Alias, timeout)
	if err != nil {
		ctx.Stop()
		return nil, err
	}
	r.remoteAddress = remote
	n.Go(r.worker)
	r.log.Infof("Registered forwarder %s at %s", remote, routeToRelay)
	return r, nil
}

func (r *RemoteForwarder) register(serviceRoute route.Route, alias string, timeout time.Duration) (route.Address, error) {
	raw, err := cbor.Marshal(&registrationRequest{Alias: alias})
	if err != nil {
		return "", err
	}
	if err := r.ctx.Send(serviceRoute, raw); err != nil {
		return "", fmt.Errorf("forwarding: failed to send registration: %w", err)
	}
	msg, err := r.ctx.ReceiveTimeout(timeout)
	if err != nil {
		return "", fmt.Errorf("forwarding: registration at %s failed: %w", serviceRoute, err)
	}
	var resp registrationResponse
	if err := cbor.Unmarshal(msg.Payload, &resp); err != nil {
		return "", fmt.Errorf("forwarding: malformed registration response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("forwarding: registration rejected: %s", resp.Error)
	}
	if resp.Address == "" {
		return "", errors.New("forwarding: registration response has no address")
	}
	return resp.Address, nil
}

func (r *RemoteForwarder) worker() {
	for {
		msg, err := r.ctx.Receive(context.Background())
		if err != nil {
			return
		}
		_, rest, _ := msg.OnwardRoute.Next()
		if len(rest) == 0 {
			r.log.Debugf("Dropping message addressed to %s itself", r.ctx.Address())
			continue
		}
		msg.OnwardRoute = rest
		if err := r.ctx.Forward(msg); err != nil {
			r.log.Debugf("Failed to forward to %s: %v", rest, err)
		}
	}
}

// RemoteAddress returns the forwarding address allocated at the relay.
func (r *RemoteForwarder) RemoteAddress() route.Address {
	return r.remoteAddress
}

// Address returns the local address forwarded traffic arrives at.
func (r *RemoteForwarder) Address() route.Address {
	return r.ctx.Address()
}

// FlowControlID returns the id of the flow the forwarder consumes, if any.
func (r *RemoteForwarder) FlowControlID() flowcontrol.ID {
	return r.flowID
}

// Stop stops forwarding.  The relay side forwarder goes away once it can
// no longer reach this node.
func (r *RemoteForwarder) Stop() {
	r.ctx.Stop()
}
