// channel.go - Established secure channels.
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
	"errors"
	"math"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/nyquist"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/internal/instrument"
)

// Channel is one end of an established secure channel.  Its address is a
// route hop: a message whose onward route starts with it is encrypted and
// carried to the other end, where it continues along the rest of its
// route tagged with the channel's flow control id.
type Channel struct {
	s   *SecureChannels
	m   *machine
	log *logging.Logger

	isInitiator bool
	encryptor   route.Address
	decryptor   *node.Context
	peerRoute   route.Route

	flowID  flowcontrol.ID
	spawner flowcontrol.ID

	remote     *identity.Identity
	attributes identity.Attributes

	txLock  sync.Mutex
	tx      *nyquist.CipherState
	txNonce uint64
	stopped bool
	unwatch func()

	// pending holds data frames that overtook the confirmation.
	pending []*node.LocalMessage

	// rx is only touched by the decrypt worker.
	rx     *nyquist.CipherState
	rxNext uint64

	stopOnce sync.Once
}

func newChannel(h *handshake, tx, rx *nyquist.CipherState) *Channel {
	return &Channel{
		s:           h.s,
		m:           &h.m,
		log:         h.s.log,
		isInitiator: h.isInitiator,
		encryptor:   node.RandomAddress("sc_encryptor_"),
		decryptor:   h.ctx,
		peerRoute:   h.peerRoute,
		remote:      h.remote,
		attributes:  h.attributes,
		tx:          tx,
		rx:          rx,
		pending:     h.pending,
	}
}

// establish binds the encryptor, moves the handshake to Established with
// the flow control registration, and starts decrypting.
func (c *Channel) establish(flowID, spawner flowcontrol.ID) error {
	c.flowID = flowID
	c.spawner = spawner
	if err := c.s.add(c); err != nil {
		return err
	}
	if _, err := c.s.n.StartWorker(c.encryptor, node.HandlerFunc(c.encrypt), nil); err != nil {
		c.s.remove(c)
		return identity.NewError(identity.DuplicateSecureChannel, err)
	}

	fc := c.s.n.FlowControls()
	err := c.m.establish(func() {
		fc.AddProducer(c.decryptor.Address(), flowID, spawner, c.encryptor)
		fc.AddConsumer(c.encryptor, flowID, flowcontrol.ProducerAllowMultiple)
		if !spawner.IsZero() {
			fc.AddConsumer(c.encryptor, spawner, flowcontrol.SpawnerAllowMultipleMessages)
		}
	})
	if err != nil {
		c.s.n.StopWorker(c.encryptor)
		c.s.remove(c)
		return err
	}

	c.watchTransport()

	role := "responder"
	if c.isInitiator {
		role = "initiator"
	}
	instrument.Handshake(role, "success")
	c.s.n.Go(c.decryptWorker)
	c.log.Noticef("Established %s channel %s with %s over %s (flow %s)", role, c.encryptor, c.remote.Identifier(), c.peerRoute, flowID)
	return nil
}

// confirmation returns the frame telling the initiator that the responder
// has verified it.  It must be sealed before any other frame.
func (c *Channel) confirmation() ([]byte, error) {
	ct, nonce, err := c.seal(nil)
	if err != nil {
		return nil, err
	}
	return encodeFrame(frameConfirm, nonce, ct)
}

func (c *Channel) seal(pt []byte) ([]byte, uint64, error) {
	c.txLock.Lock()
	defer c.txLock.Unlock()
	if c.stopped {
		return nil, 0, node.ErrStopped
	}
	nonce := c.txNonce
	if nonce == math.MaxUint64 {
		return nil, 0, identity.Errorf(identity.NonceOverflow, "channel %s exhausted its nonces", c.encryptor)
	}
	c.tx.SetNonce(nonce)
	ct, err := c.tx.EncryptWithAd(nil, nil, pt)
	if err != nil {
		if errors.Is(err, nyquist.ErrNonceExhausted) {
			return nil, 0, identity.NewError(identity.NonceOverflow, err)
		}
		return nil, 0, err
	}
	c.txNonce++
	return ct, nonce, nil
}

func (c *Channel) encrypt(ctx *node.Context, msg *node.LocalMessage) error {
	_, rest, _ := msg.OnwardRoute.Next()
	if len(rest) == 0 {
		return identity.Errorf(identity.UnknownChannelMsgDestination, "message for %s has no onward route", c.encryptor)
	}
	pt, err := cbor.Marshal(&plaintext{
		Onward:  rest,
		Return:  msg.ReturnRoute,
		Payload: msg.Payload,
	})
	if err != nil {
		return err
	}
	ct, nonce, err := c.seal(pt)
	if err != nil {
		return err
	}
	raw, err := encodeFrame(frameData, nonce, ct)
	if err != nil {
		return err
	}
	return ctx.Send(c.peerRoute, raw)
}

// watchTransport stops the channel once the flow its frames leave over is
// retired, e.g. when the connection under it closes.
func (c *Channel) watchTransport() {
	next, _, ok := c.peerRoute.Next()
	if !ok {
		return
	}
	fc := c.s.n.FlowControls()
	info, ok := fc.FindProducer(next)
	if !ok {
		return
	}
	unwatch := fc.WatchProducer(info.ID, func() {
		c.log.Infof("Channel %s: flow %s under it was retired", c.encryptor, info.ID)
		c.Stop()
	})
	c.txLock.Lock()
	stopped := c.stopped
	if !stopped {
		c.unwatch = unwatch
	}
	c.txLock.Unlock()
	if stopped {
		unwatch()
	}
}

func (c *Channel) decryptWorker() {
	defer c.Stop()
	for _, msg := range c.pending {
		if err := c.decrypt(msg); err != nil {
			instrument.ChannelFrameDropped()
			c.log.Debugf("Channel %s: dropping frame: %v", c.encryptor, err)
		}
	}
	c.pending = nil
	for {
		msg, err := c.decryptor.Receive(context.Background())
		if err != nil {
			return
		}
		if err := c.decrypt(msg); err != nil {
			instrument.ChannelFrameDropped()
			c.log.Debugf("Channel %s: dropping frame: %v", c.encryptor, err)
		}
	}
}

func (c *Channel) decrypt(msg *node.LocalMessage) error {
	f, err := decodeFrame(msg.Payload)
	if err != nil {
		return err
	}
	if f.Type != frameData {
		return identity.Errorf(identity.SecureChannelVerificationFailed, "unexpected frame type %d", f.Type)
	}
	switch {
	case f.Nonce == math.MaxUint64:
		return identity.Errorf(identity.NonceOverflow, "nonce %d", f.Nonce)
	case f.Nonce < c.rxNext:
		return identity.Errorf(identity.InvalidNonce, "nonce %d, expected at least %d", f.Nonce, c.rxNext)
	}
	c.rx.SetNonce(f.Nonce)
	pt, err := c.rx.DecryptWithAd(nil, nil, f.Body)
	if err != nil {
		return identity.NewError(identity.SecureChannelVerificationFailed, err)
	}
	c.rxNext = f.Nonce + 1

	var p plaintext
	if err := cbor.Unmarshal(pt, &p); err != nil {
		return err
	}
	if len(p.Onward) == 0 {
		return identity.Errorf(identity.UnknownChannelMsgDestination, "decrypted message has no onward route")
	}
	return c.decryptor.Forward(&node.LocalMessage{
		OnwardRoute:   p.Onward,
		ReturnRoute:   p.Return.Prepend(c.encryptor),
		Payload:       p.Payload,
		FlowControlID: c.flowID,
	})
}

// Address returns the channel's address.  Routes through the channel start
// with it.
func (c *Channel) Address() route.Address {
	return c.encryptor
}

// DecryptorAddress returns the address the other end sends frames to.
func (c *Channel) DecryptorAddress() route.Address {
	return c.decryptor.Address()
}

// FlowControlID returns the id messages leaving the channel are tagged with.
func (c *Channel) FlowControlID() flowcontrol.ID {
	return c.flowID
}

// SpawnerID returns the spawner id of the listener that accepted the
// channel, empty for initiators.
func (c *Channel) SpawnerID() flowcontrol.ID {
	return c.spawner
}

// IsInitiator returns true iff this end initiated the handshake.
func (c *Channel) IsInitiator() bool {
	return c.isInitiator
}

// RemoteIdentity returns the verified identity of the other end.
func (c *Channel) RemoteIdentity() *identity.Identity {
	return c.remote
}

// RemoteIdentifier returns the identifier of the other end.
func (c *Channel) RemoteIdentifier() identity.Identifier {
	return c.remote.Identifier()
}

// RemoteAttributes returns the attributes of the credential the other end
// presented, if one was required.
func (c *Channel) RemoteAttributes() identity.Attributes {
	return c.attributes.Clone()
}

// PeerRoute returns the route to the other end's decryptor.
func (c *Channel) PeerRoute() route.Route {
	return append(route.Route(nil), c.peerRoute...)
}

// State returns the handshake state.
func (c *Channel) State() State {
	return c.m.current()
}

// Stop tears the channel down and retires its flow.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		c.s.n.StopWorker(c.encryptor)
		c.decryptor.Stop()
		c.s.n.FlowControls().RemoveProducer(c.flowID)
		c.s.remove(c)

		c.txLock.Lock()
		c.stopped = true
		c.tx.Reset()
		unwatch := c.unwatch
		c.unwatch = nil
		c.txLock.Unlock()
		if unwatch != nil {
			unwatch()
		}
		c.log.Debugf("Stopped channel %s", c.encryptor)
	})
}
