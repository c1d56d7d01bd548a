// handshake.go - Secure channel handshake.
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
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/dh"

	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/core/trust"
	"github.com/katzenpost/trustroute/internal/instrument"
)

const (
	// ProtocolName is the Noise protocol every channel runs.
	ProtocolName = "Noise_XX_25519_ChaChaPoly_BLAKE2s"

	prologue             = "trustroute/securechannel/v1"
	staticKeyAttestation = "trustroute/securechannel/static-key/v1:"
)

var protocol *nyquist.Protocol

func init() {
	var err error
	if protocol, err = nyquist.NewProtocol(ProtocolName); err != nil {
		panic("securechannel: " + err.Error())
	}
}

type handshake struct {
	s           *SecureChannels
	m           machine
	isInitiator bool

	local        *identity.Identity
	staticKey    dh.Keypair
	hs           *nyquist.HandshakeState
	trustContext *trust.Context
	credentials  []*identity.Credential
	policy       TrustPolicy

	// ctx is the decryptor context the handshake runs on.
	ctx *node.Context

	// peerRoute is the route to the remote decryptor.
	peerRoute route.Route

	remote     *identity.Identity
	attributes identity.Attributes

	// pending holds data frames received while waiting for the
	// confirmation.
	pending []*node.LocalMessage
}

// maxPendingFrames bounds the data frames kept while waiting for the
// confirmation.
const maxPendingFrames = 64

func newHandshake(s *SecureChannels, ctx *node.Context, isInitiator bool, local *identity.Identity, tc *trust.Context, creds []*identity.Credential, policy TrustPolicy) (*handshake, error) {
	staticKey, err := dh.X25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	hs, err := nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol:       protocol,
		Prologue:       []byte(prologue),
		DH:             &nyquist.DHConfig{LocalStatic: staticKey},
		Rng:            rand.Reader,
		MaxMessageSize: -1,
		IsInitiator:    isInitiator,
	})
	if err != nil {
		return nil, err
	}
	return &handshake{
		s:            s,
		isInitiator:  isInitiator,
		local:        local,
		staticKey:    staticKey,
		hs:           hs,
		trustContext: tc,
		credentials:  creds,
		policy:       policyOrDefault(policy),
		ctx:          ctx,
	}, nil
}

func (h *handshake) role() string {
	if h.isInitiator {
		return "initiator"
	}
	return "responder"
}

// presentedCredentials returns the configured credentials, or one obtained
// from the trust context's authority.
func (h *handshake) presentedCredentials(ctx context.Context) [][]byte {
	creds := h.credentials
	if len(creds) == 0 && h.trustContext != nil {
		if authority, err := h.trustContext.Authority(); err == nil {
			cred, err := authority.Credential(ctx, h.local)
			if err != nil {
				h.s.log.Debugf("No credential from authority of %q: %v", h.trustContext.ID(), err)
			} else {
				creds = []*identity.Credential{cred}
			}
		}
	}
	out := make([][]byte, 0, len(creds))
	for _, c := range creds {
		raw, err := c.Bytes()
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func (h *handshake) localPayload(ctx context.Context) ([]byte, error) {
	history, err := h.local.Export()
	if err != nil {
		return nil, err
	}
	sig, err := h.s.identities.Sign(h.local, attestationData(h.staticKey.Public().Bytes()))
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&handshakePayload{
		ChangeHistory:   history,
		StaticSignature: sig,
		Credentials:     h.presentedCredentials(ctx),
	})
}

func attestationData(staticKey []byte) []byte {
	return append([]byte(staticKeyAttestation), staticKey...)
}

// verifyPeer checks the remote handshake payload, moving the machine
// through IdentityExchanged and CredentialsVerified.
func (h *handshake) verifyPeer(raw []byte) error {
	var p handshakePayload
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return identity.NewError(identity.SecureChannelVerificationFailed, err)
	}
	remote, err := identity.ImportIdentity(nil, p.ChangeHistory)
	if err != nil {
		return err
	}
	repo := h.s.identities.Repository()
	known, ok, err := repo.GetIdentity(remote.Identifier())
	if err != nil {
		return err
	}
	if ok {
		switch c := remote.Compare(known); c {
		case identity.Older, identity.Conflict:
			return identity.Errorf(identity.IdentityVerificationFailed, "change history of %s is %v than the known one", remote.Identifier(), c)
		}
	}

	status := h.hs.GetStatus()
	if status.DH == nil || status.DH.RemoteStatic == nil {
		return identity.Errorf(identity.ConsistencyError, "remote static key missing")
	}
	if !remote.VerifySignature(p.StaticSignature, attestationData(status.DH.RemoteStatic.Bytes())) {
		return identity.Errorf(identity.PurposeKeyAttestationVerificationFailed, "static key not attested by %s", remote.Identifier())
	}
	h.remote = remote
	if err := h.m.advance(IdentityExchanged); err != nil {
		return err
	}

	if !h.policy.Check(remote.Identifier()) {
		return identity.Errorf(identity.SecureChannelTrustCheckFailed, "%s rejected by trust policy", remote.Identifier())
	}
	if h.trustContext != nil {
		authorities, err := h.trustContext.AuthoritySet()
		if err != nil {
			return err
		}
		creds := make([]*identity.Credential, 0, len(p.Credentials))
		for _, b := range p.Credentials {
			c, err := identity.ParseCredential(b)
			if err != nil {
				return identity.NewError(identity.CredentialVerificationFailed, err)
			}
			creds = append(creds, c)
		}
		attrs, _, err := h.s.currentVerifier().VerifyAny(creds, remote.Identifier(), authorities)
		if err != nil {
			return identity.NewError(identity.CredentialVerificationFailed, err)
		}
		h.attributes = attrs
	}
	if err := h.m.advance(CredentialsVerified); err != nil {
		return err
	}
	if !ok || remote.Compare(known) == identity.Newer {
		return repo.PutIdentity(remote)
	}
	return nil
}

// receive waits for the next handshake related frame on the decryptor
// context.  Data frames the responder sent right after establishing can
// overtake its confirmation, they are kept for the channel.
func (h *handshake) receive(ctx context.Context, want frameType) (*node.LocalMessage, *frame, error) {
	for {
		msg, err := h.ctx.Receive(ctx)
		if err != nil {
			return nil, nil, err
		}
		f, err := decodeFrame(msg.Payload)
		if err != nil {
			h.s.log.Debugf("Dropping malformed frame on %s: %v", h.ctx.Address(), err)
			continue
		}
		switch f.Type {
		case want:
			return msg, f, nil
		case frameAbort:
			return nil, nil, identity.Errorf(identity.SecureChannelVerificationFailed, "peer aborted: %s", f.Body)
		case frameData:
			if want == frameConfirm && len(h.pending) < maxPendingFrames {
				h.pending = append(h.pending, msg)
				continue
			}
			h.s.log.Debugf("Dropping early data frame on %s", h.ctx.Address())
		default:
			h.s.log.Debugf("Dropping unexpected frame type %d on %s", f.Type, h.ctx.Address())
		}
	}
}

func (h *handshake) send(r route.Route, t frameType, nonce uint64, body []byte) error {
	raw, err := encodeFrame(t, nonce, body)
	if err != nil {
		return err
	}
	return h.ctx.Send(r, raw)
}

// abort tells the peer the handshake failed.  It is best effort and
// unauthenticated, the peer treats it as a failure only while handshaking.
func (h *handshake) abort(reason error) {
	if len(h.peerRoute) == 0 {
		return
	}
	if err := h.send(h.peerRoute, frameAbort, 0, []byte(reason.Error())); err != nil {
		h.s.log.Debugf("Failed to send abort to %s: %v", h.peerRoute, err)
	}
}

func (h *handshake) fail(msg string, err error) *HandshakeError {
	state := h.m.fail()
	h.hs.Reset()
	instrument.Handshake(h.role(), "failure")
	herr := &HandshakeError{
		State:       state,
		Message:     msg,
		Err:         err,
		IsInitiator: h.isInitiator,
		Peer:        h.peerRoute,
	}
	if !errors.Is(err, node.ErrTimeout) {
		h.abort(err)
	}
	h.s.log.Warningf("%v", herr)
	return herr
}

// cipherStates returns the transmit and receive CipherStates of a
// completed handshake.
func (h *handshake) cipherStates() (tx, rx *nyquist.CipherState, err error) {
	status := h.hs.GetStatus()
	if !errors.Is(status.Err, nyquist.ErrDone) || len(status.CipherStates) != 2 {
		return nil, nil, identity.Errorf(identity.ConsistencyError, "handshake not complete")
	}
	if h.isInitiator {
		return status.CipherStates[0], status.CipherStates[1], nil
	}
	return status.CipherStates[1], status.CipherStates[0], nil
}

// runInitiator drives the handshake from the initiating end.  destination
// leads to a listener.
func (h *handshake) runInitiator(ctx context.Context, destination route.Route) (tx, rx *nyquist.CipherState, err error) {
	msg1, err := h.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, h.fail("failed to write message 1", err)
	}
	if err := h.m.advance(KeyExchangeInProgress); err != nil {
		return nil, nil, h.fail("state", err)
	}
	if err := h.send(destination, frameHandshake, 0, msg1); err != nil {
		return nil, nil, h.fail("failed to send message 1", err)
	}

	msg, f, err := h.receive(ctx, frameHandshake)
	if err != nil {
		return nil, nil, h.fail("no message 2", err)
	}
	h.peerRoute = msg.ReturnRoute
	payload, err := h.hs.ReadMessage(nil, f.Body)
	if err != nil {
		return nil, nil, h.fail("failed to read message 2", identity.NewError(identity.SecureChannelVerificationFailed, err))
	}
	if err := h.verifyPeer(payload); err != nil {
		return nil, nil, h.fail("responder verification failed", err)
	}

	local, err := h.localPayload(ctx)
	if err != nil {
		return nil, nil, h.fail("failed to build payload", err)
	}
	msg3, err := h.hs.WriteMessage(nil, local)
	if !errors.Is(err, nyquist.ErrDone) {
		return nil, nil, h.fail("failed to write message 3", err)
	}
	if err := h.send(h.peerRoute, frameHandshake, 0, msg3); err != nil {
		return nil, nil, h.fail("failed to send message 3", err)
	}
	if tx, rx, err = h.cipherStates(); err != nil {
		return nil, nil, h.fail("state", err)
	}

	// The responder confirms once it has verified us.
	_, f, err = h.receive(ctx, frameConfirm)
	if err != nil {
		return nil, nil, h.fail("no confirmation", err)
	}
	rx.SetNonce(f.Nonce)
	if _, err := rx.DecryptWithAd(nil, nil, f.Body); err != nil || f.Nonce != 0 {
		return nil, nil, h.fail("invalid confirmation", identity.NewError(identity.SecureChannelVerificationFailed, err))
	}
	return tx, rx, nil
}

// runResponder continues a handshake whose first message arrived at a
// listener with return route peer.
func (h *handshake) runResponder(ctx context.Context, peer route.Route, msg1 []byte) (tx, rx *nyquist.CipherState, err error) {
	h.peerRoute = peer
	if _, err := h.hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, h.fail("failed to read message 1", identity.NewError(identity.SecureChannelVerificationFailed, err))
	}
	local, err := h.localPayload(ctx)
	if err != nil {
		return nil, nil, h.fail("failed to build payload", err)
	}
	msg2, err := h.hs.WriteMessage(nil, local)
	if err != nil {
		return nil, nil, h.fail("failed to write message 2", err)
	}
	if err := h.m.advance(KeyExchangeInProgress); err != nil {
		return nil, nil, h.fail("state", err)
	}
	if err := h.send(peer, frameHandshake, 0, msg2); err != nil {
		return nil, nil, h.fail("failed to send message 2", err)
	}

	msg, f, err := h.receive(ctx, frameHandshake)
	if err != nil {
		return nil, nil, h.fail("no message 3", err)
	}
	if !msg.ReturnRoute.Equal(peer) {
		h.s.log.Debugf("Message 3 return route %s differs from %s", msg.ReturnRoute, peer)
	}
	payload, err := h.hs.ReadMessage(nil, f.Body)
	if !errors.Is(err, nyquist.ErrDone) {
		return nil, nil, h.fail("failed to read message 3", identity.NewError(identity.SecureChannelVerificationFailed, err))
	}
	if err := h.verifyPeer(payload); err != nil {
		return nil, nil, h.fail("initiator verification failed", err)
	}
	if tx, rx, err = h.cipherStates(); err != nil {
		return nil, nil, h.fail("state", err)
	}
	return tx, rx, nil
}

func (h *handshake) String() string {
	return fmt.Sprintf("%s handshake on %s", h.role(), h.ctx.Address())
}
