// listener.go - Secure channel listener.
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

package securechannel

import (
	"context"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
)

// Listener accepts handshakes at an address.  Every channel it accepts is
// recorded as spawned by the listener's spawner id.
type Listener struct {
	s       *SecureChannels
	address route.Address
	local   *identity.Identity
	opts    ListenerOptions
	spawner flowcontrol.ID
}

// CreateListener binds a listener for local at address.
func (s *SecureChannels) CreateListener(local *identity.Identity, address route.Address, opts *ListenerOptions) (*Listener, error) {
	if opts == nil {
		opts = &ListenerOptions{}
	}
	fc := s.n.FlowControls()
	l := &Listener{
		s:       s,
		address: address,
		local:   local,
		opts:    *opts,
		spawner: opts.SpawnerID,
	}
	if l.spawner.IsZero() {
		l.spawner = fc.GenerateID()
	}
	l.opts.Consumers = append([]Consumer(nil), opts.Consumers...)

	s.Lock()
	if _, ok := s.listeners[address]; ok {
		s.Unlock()
		return nil, identity.Errorf(identity.DuplicateSecureChannel, "listener %s already exists", address)
	}
	if _, err := s.n.StartWorker(address, node.HandlerFunc(l.onHandshake), nil); err != nil {
		s.Unlock()
		return nil, identity.NewError(identity.DuplicateSecureChannel, err)
	}
	s.listeners[address] = l
	s.Unlock()

	for _, c := range l.opts.Consumers {
		fc.AddConsumer(address, c.ID, c.Policy)
	}
	fc.AddSpawner(address, l.spawner)
	s.log.Noticef("Listening for secure channels as %s at %s (spawner %s)", local.Identifier(), address, l.spawner)
	return l, nil
}

// Address returns the listener address.
func (l *Listener) Address() route.Address {
	return l.address
}

// SpawnerID returns the spawner id recorded for accepted channels.
func (l *Listener) SpawnerID() flowcontrol.ID {
	return l.spawner
}

// Stop stops accepting handshakes.  Channels already accepted stay up.
func (l *Listener) Stop() {
	l.s.Lock()
	if l.s.listeners[l.address] == l {
		delete(l.s.listeners, l.address)
	}
	l.s.Unlock()
	l.s.n.StopWorker(l.address)
	l.s.n.FlowControls().RemoveSpawner(l.spawner)
}

func (l *Listener) onHandshake(_ *node.Context, msg *node.LocalMessage) error {
	f, err := decodeFrame(msg.Payload)
	if err != nil {
		return err
	}
	if f.Type != frameHandshake {
		return identity.Errorf(identity.SecureChannelVerificationFailed, "listener %s: unexpected frame type %d", l.address, f.Type)
	}
	peer := append(route.Route(nil), msg.ReturnRoute...)
	l.s.n.Go(func() {
		if _, err := l.accept(peer, f.Body); err != nil {
			l.s.log.Debugf("Listener %s: %v", l.address, err)
		}
	})
	return nil
}

func (l *Listener) accept(peer route.Route, msg1 []byte) (*Channel, error) {
	decryptor, err := l.s.n.NewContext(node.RandomAddress("sc_decryptor_"), nil)
	if err != nil {
		return nil, err
	}
	// The rest of the handshake and the channel traffic arrive over the
	// same flows as the first message.
	fc := l.s.n.FlowControls()
	for _, c := range l.opts.Consumers {
		fc.AddConsumer(decryptor.Address(), c.ID, c.Policy)
	}

	h, err := newHandshake(l.s, decryptor, false, l.local, l.opts.TrustContext, l.opts.Credentials, l.opts.TrustPolicy)
	if err != nil {
		decryptor.Stop()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.timeout())
	defer cancel()
	tx, rx, err := h.runResponder(ctx, peer, msg1)
	if err != nil {
		decryptor.Stop()
		return nil, err
	}

	c := newChannel(h, tx, rx)
	confirmation, err := c.confirmation()
	if err != nil {
		decryptor.Stop()
		return nil, h.fail("failed to seal confirmation", err)
	}
	if err := c.establish(fc.GenerateID(), l.spawner); err != nil {
		decryptor.Stop()
		return nil, h.fail("failed to establish", err)
	}
	if err := c.decryptor.Send(c.peerRoute, confirmation); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}
