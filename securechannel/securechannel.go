// securechannel.go - Secure channels.
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

// Package securechannel establishes mutually authenticated, encrypted
// channels between identities over arbitrary routes, and binds each
// established channel to a flow control id so that only traffic which
// passed the handshake reaches the workers behind it.
//
// The channel's producer and its encryptor's consumer grants are only
// registered in the transition to Established.  Before that, a decryptor
// may hold a consumer grant on the flow the handshake arrives over, so
// that handshake frames reach it.  That grant authorizes nothing beyond
// the decryptor itself and is dropped when a failed handshake stops it.
// A channel stops once the flow under its first hop is retired.
package securechannel

import (
	"context"
	"sort"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/core/trust"
)

// SecureChannels creates and tracks the secure channels and listeners of
// a node.
type SecureChannels struct {
	sync.RWMutex

	n          *node.Node
	identities *identity.Identities
	verifier   *trust.Verifier
	log        *logging.Logger

	channels  map[route.Address]*Channel
	listeners map[route.Address]*Listener
}

// New returns the secure channel manager of n.
func New(n *node.Node, identities *identity.Identities) *SecureChannels {
	return &SecureChannels{
		n:          n,
		identities: identities,
		verifier:   trust.NewVerifier(),
		log:        n.LogBackend().GetLogger("securechannel:" + n.Name()),
		channels:   make(map[route.Address]*Channel),
		listeners:  make(map[route.Address]*Listener),
	}
}

// SetVerifier replaces the credential verifier.
func (s *SecureChannels) SetVerifier(v *trust.Verifier) {
	s.Lock()
	defer s.Unlock()
	s.verifier = v
}

// Identities returns the identities channels are authenticated with.
func (s *SecureChannels) Identities() *identity.Identities {
	return s.identities
}

// Create runs a handshake as local with the listener at the end of
// destination and returns the established channel.  On failure nothing
// remains registered and the error is a *HandshakeError.
func (s *SecureChannels) Create(local *identity.Identity, destination route.Route, opts *Options) (*Channel, error) {
	if opts == nil {
		opts = &Options{}
	}
	if len(destination) == 0 {
		return nil, node.ErrEmptyRoute
	}
	if err := destination.Validate(); err != nil {
		return nil, err
	}

	decryptor, err := s.n.NewContext(node.RandomAddress("sc_decryptor_"), nil)
	if err != nil {
		return nil, err
	}
	// The responder answers over the flow behind the first hop.
	fc := s.n.FlowControls()
	if next, _, ok := destination.Next(); ok {
		if info, ok := fc.FindProducer(next); ok {
			fc.AddConsumer(decryptor.Address(), info.ID, flowcontrol.ProducerAllowMultiple)
		}
	}

	h, err := newHandshake(s, decryptor, true, local, opts.TrustContext, opts.Credentials, opts.TrustPolicy)
	if err != nil {
		decryptor.Stop()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout())
	defer cancel()
	tx, rx, err := h.runInitiator(ctx, destination)
	if err != nil {
		decryptor.Stop()
		return nil, err
	}

	c := newChannel(h, tx, rx)
	c.rxNext = 1
	flowID := opts.FlowControlID
	if flowID.IsZero() {
		flowID = fc.GenerateID()
	}
	if err := c.establish(flowID, ""); err != nil {
		decryptor.Stop()
		return nil, h.fail("failed to establish", err)
	}
	return c, nil
}

// Channel returns the channel with address addr.
func (s *SecureChannels) Channel(addr route.Address) (*Channel, error) {
	s.RLock()
	defer s.RUnlock()
	c, ok := s.channels[addr]
	if !ok {
		return nil, identity.Errorf(identity.UnknownChannelMsgDestination, "no channel at %s", addr)
	}
	return c, nil
}

// Channels returns the established channels ordered by address.
func (s *SecureChannels) Channels() []*Channel {
	s.RLock()
	defer s.RUnlock()
	out := make([]*Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].encryptor < out[j].encryptor })
	return out
}

// Listeners returns the listeners ordered by address.
func (s *SecureChannels) Listeners() []*Listener {
	s.RLock()
	defer s.RUnlock()
	out := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

// Stop stops every listener and channel.
func (s *SecureChannels) Stop() {
	for _, l := range s.Listeners() {
		l.Stop()
	}
	for _, c := range s.Channels() {
		c.Stop()
	}
}

func (s *SecureChannels) add(c *Channel) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.channels[c.encryptor]; ok {
		return identity.Errorf(identity.DuplicateSecureChannel, "channel %s already exists", c.encryptor)
	}
	s.channels[c.encryptor] = c
	return nil
}

func (s *SecureChannels) remove(c *Channel) {
	s.Lock()
	defer s.Unlock()
	if s.channels[c.encryptor] == c {
		delete(s.channels, c.encryptor)
	}
}

func (s *SecureChannels) currentVerifier() *trust.Verifier {
	s.RLock()
	defer s.RUnlock()
	return s.verifier
}
