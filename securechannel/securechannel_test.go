// securechannel_test.go - Secure channel tests.
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
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/log"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/core/trust"
	"github.com/katzenpost/trustroute/transport/tcp"
)

const testTimeout = 5 * time.Second

type scNode struct {
	*node.Node
	tcp *tcp.Transport
	ids *identity.Identities
	sc  *SecureChannels
	me  *identity.Identity
}

func newSCNode(t *testing.T, name string) *scNode {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	n := node.New(name, backend)
	tr := tcp.New(n)
	ids := identity.NewIdentities(identity.NewVault(identity.DefaultVaultName), nil)
	me, err := ids.Creation().CreateIdentity()
	require.NoError(t, err)
	sc := New(n, ids)
	t.Cleanup(func() {
		sc.Stop()
		tr.Shutdown()
		n.Shutdown()
	})
	return &scNode{Node: n, tcp: tr, ids: ids, sc: sc, me: me}
}

type authority struct {
	ids *identity.Identities
	id  *identity.Identity
}

func newAuthority(t *testing.T) *authority {
	ids := identity.NewIdentities(identity.NewVault(identity.DefaultVaultName), nil)
	id, err := ids.Creation().CreateIdentity()
	require.NoError(t, err)
	return &authority{ids: ids, id: id}
}

func (a *authority) issue(t *testing.T, subject *identity.Identity) *identity.Credential {
	cred, err := a.ids.Credentials().Issue(a.id, subject.Identifier(), identity.Attributes{"trust_context_id": []byte("test")}, time.Hour)
	require.NoError(t, err)
	return cred
}

func (a *authority) trustContext(id string) *trust.Context {
	return trust.New(id, trust.NewAuthorityService(a.id, nil))
}

func kindOf(t *testing.T, err error) identity.ErrorKind {
	require.True(t, IsHandshakeError(err), "not a handshake error: %v", err)
	kind, ok := identity.KindOf(err)
	require.True(t, ok, "no error kind: %v", err)
	return kind
}

func TestStateMachine(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var m machine
	require.Equal(Initiated, m.current())
	err := m.advance(IdentityExchanged)
	require.ErrorIs(err, identity.ErrConsistencyError)
	require.Equal(Initiated, m.current())

	require.NoError(m.advance(KeyExchangeInProgress))
	require.NoError(m.advance(IdentityExchanged))

	registered := false
	err = m.establish(func() { registered = true })
	require.ErrorIs(err, identity.ErrConsistencyError)
	assert.False(registered)

	require.NoError(m.advance(CredentialsVerified))
	require.ErrorIs(m.advance(Established), identity.ErrConsistencyError)
	require.NoError(m.establish(func() { registered = true }))
	assert.True(registered)
	assert.Equal(Established, m.current())

	assert.Equal(Established, m.fail())
	assert.Equal(Failed, m.current())
	require.ErrorIs(m.advance(KeyExchangeInProgress), identity.ErrConsistencyError)
	assert.Equal("CredentialsVerified", CredentialsVerified.String())
}

func TestLocalChannel(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	n := newSCNode(t, "local")
	bob, err := n.ids.Creation().CreateIdentity()
	require.NoError(err)
	l, err := n.sc.CreateListener(bob, "listener", nil)
	require.NoError(err)
	_, err = n.sc.CreateListener(bob, "listener", nil)
	require.ErrorIs(err, identity.ErrDuplicateSecureChannel)

	_, err = n.StartWorker(node.EchoAddress, node.Echoer{}, nil)
	require.NoError(err)

	ch, err := n.sc.Create(n.me, route.New("listener"), nil)
	require.NoError(err)
	assert.Equal(Established, ch.State())
	assert.True(ch.IsInitiator())
	assert.Equal(bob.Identifier(), ch.RemoteIdentifier())

	info, ok := n.FlowControls().FindProducer(ch.Address())
	require.True(ok)
	assert.Equal(ch.FlowControlID(), info.ID)
	assert.Equal(ch.DecryptorAddress(), info.Address)

	app, err := n.NewContext("app", nil)
	require.NoError(err)

	// Messages leaving the responder are tagged with a flow the echoer
	// does not consume yet.
	_, err = app.SendAndReceive(route.New(ch.Address(), node.EchoAddress), []byte("Hello"), 200*time.Millisecond)
	require.ErrorIs(err, node.ErrTimeout)

	n.FlowControls().AddConsumer(node.EchoAddress, l.SpawnerID(), flowcontrol.SpawnerAllowMultipleMessages)
	reply, err := app.SendAndReceive(route.New(ch.Address(), node.EchoAddress), []byte("Hello"), testTimeout)
	require.NoError(err)
	assert.Equal([]byte("Hello"), reply)

	// Both ends live on this node.
	require.Len(n.sc.Channels(), 2)
	var responder *Channel
	for _, c := range n.sc.Channels() {
		if !c.IsInitiator() {
			responder = c
		}
	}
	require.NotNil(responder)
	assert.Equal(l.SpawnerID(), responder.SpawnerID())
	assert.Equal(n.me.Identifier(), responder.RemoteIdentifier())

	got, err := n.sc.Channel(ch.Address())
	require.NoError(err)
	assert.Same(ch, got)

	ch.Stop()
	_, ok = n.FlowControls().FindProducer(ch.Address())
	assert.False(ok)
	_, err = n.sc.Channel(ch.Address())
	assert.ErrorIs(err, identity.ErrUnknownChannelMsgDestination)
}

func TestCredentials(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	n := newSCNode(t, "local")
	a := newAuthority(t)
	bob, err := n.ids.Creation().CreateIdentity()
	require.NoError(err)

	_, err = n.sc.CreateListener(bob, "listener", &ListenerOptions{
		TrustContext: a.trustContext("project"),
		Credentials:  []*identity.Credential{a.issue(t, bob)},
	})
	require.NoError(err)

	ch, err := n.sc.Create(n.me, route.New("listener"), &Options{
		TrustContext: a.trustContext("project"),
		Credentials:  []*identity.Credential{a.issue(t, n.me)},
	})
	require.NoError(err)
	assert.Equal([]byte("test"), ch.RemoteAttributes()["trust_context_id"])

	// The listener refuses an initiator without a credential.
	_, err = n.sc.Create(n.me, route.New("listener"), &Options{Timeout: testTimeout})
	require.Error(err)
	assert.Equal(identity.SecureChannelVerificationFailed, kindOf(t, err))

	// The initiator refuses a responder vouched for by someone else.
	stranger := newAuthority(t)
	_, err = n.sc.Create(n.me, route.New("listener"), &Options{
		TrustContext: stranger.trustContext("elsewhere"),
		Credentials:  []*identity.Credential{a.issue(t, n.me)},
	})
	require.Error(err)
	assert.Equal(identity.CredentialVerificationFailed, kindOf(t, err))

	var herr *HandshakeError
	require.ErrorAs(err, &herr)
	assert.Equal(IdentityExchanged, herr.State)
	assert.True(herr.IsInitiator)

	// Only the first handshake left channels behind.
	require.Eventually(func() bool { return len(n.sc.Channels()) == 2 }, testTimeout, 10*time.Millisecond)
}

func TestCredentialFromAuthority(t *testing.T) {
	require := require.New(t)

	n := newSCNode(t, "local")
	a := newAuthority(t)
	bob, err := n.ids.Creation().CreateIdentity()
	require.NoError(err)
	_, err = n.sc.CreateListener(bob, "listener", &ListenerOptions{TrustContext: a.trustContext("project")})
	require.NoError(err)

	tc := trust.New("project", trust.NewAuthorityService(a.id, retrieverFunc(func(subject *identity.Identity) (*identity.Credential, error) {
		return a.issue(t, subject), nil
	})))
	_, err = n.sc.Create(n.me, route.New("listener"), &Options{TrustContext: tc})
	require.Error(err, "the listener presents no credential")

	_, err = n.sc.Create(n.me, route.New("listener"), nil)
	require.Error(err, "the initiator presents no credential")

	_, err = n.sc.CreateListener(bob, "listener2", &ListenerOptions{TrustContext: tc})
	require.NoError(err)
	_, err = n.sc.Create(n.me, route.New("listener2"), &Options{TrustContext: tc})
	require.NoError(err)
}

func TestTrustPolicy(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	n := newSCNode(t, "local")
	bob, err := n.ids.Creation().CreateIdentity()
	require.NoError(err)
	_, err = n.sc.CreateListener(bob, "listener", nil)
	require.NoError(err)

	_, err = n.sc.Create(n.me, route.New("listener"), &Options{TrustPolicy: TrustIdentifier(bob.Identifier())})
	require.NoError(err)

	_, err = n.sc.Create(n.me, route.New("listener"), &Options{TrustPolicy: TrustIdentifier(n.me.Identifier())})
	require.Error(err)
	assert.Equal(identity.SecureChannelTrustCheckFailed, kindOf(t, err))

	assert.True(TrustMultiIdentifiers{n.me.Identifier(), bob.Identifier()}.Check(bob.Identifier()))
	assert.False(TrustMultiIdentifiers{n.me.Identifier()}.Check(bob.Identifier()))
}

func TestOutdatedIdentityRejected(t *testing.T) {
	require := require.New(t)

	n := newSCNode(t, "local")
	bob, err := n.ids.Creation().CreateIdentity()
	require.NoError(err)
	rotated, err := n.ids.Creation().RotateKey(bob)
	require.NoError(err)
	require.NoError(n.ids.Repository().PutIdentity(rotated))

	_, err = n.sc.CreateListener(bob, "listener", nil)
	require.NoError(err)
	_, err = n.sc.Create(n.me, route.New("listener"), nil)
	require.Error(err)
	require.Equal(identity.IdentityVerificationFailed, kindOf(t, err))

	_, err = n.sc.CreateListener(rotated, "listener2", nil)
	require.NoError(err)
	_, err = n.sc.Create(n.me, route.New("listener2"), nil)
	require.NoError(err)
}

func TestHandshakeTimeout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	n := newSCNode(t, "local")
	sink, err := n.NewContext("sink", nil)
	require.NoError(err)
	// The first hop is the outgoing side of a flow controlled link, so the
	// decryptor is granted that flow while handshaking.
	linkFC := n.FlowControls().GenerateID()
	n.FlowControls().AddProducer("link", linkFC, "", "sink")

	_, err = n.sc.Create(n.me, route.New("sink"), &Options{Timeout: 200 * time.Millisecond})
	require.ErrorIs(err, node.ErrTimeout)
	var herr *HandshakeError
	require.ErrorAs(err, &herr)
	assert.Equal(KeyExchangeInProgress, herr.State)
	assert.Empty(n.sc.Channels())

	// The would-be decryptor is gone along with its registrations.
	msg, err := sink.ReceiveTimeout(testTimeout)
	require.NoError(err)
	decryptor := msg.ReturnRoute[0]
	assert.False(n.HasWorker(decryptor))
	_, ok := n.FlowControls().FindProducer(decryptor)
	assert.False(ok)
	_, ok = n.FlowControls().ConsumerPolicy(decryptor, linkFC)
	assert.False(ok)

	_, err = n.sc.Create(n.me, route.Route{}, nil)
	require.ErrorIs(err, node.ErrEmptyRoute)
}

func TestReplayedFrameDropped(t *testing.T) {
	require := require.New(t)

	n := newSCNode(t, "local")
	bob, err := n.ids.Creation().CreateIdentity()
	require.NoError(err)
	l, err := n.sc.CreateListener(bob, "listener", nil)
	require.NoError(err)
	ch, err := n.sc.Create(n.me, route.New("listener"), nil)
	require.NoError(err)

	sink, err := n.NewContext("sink", nil)
	require.NoError(err)
	n.FlowControls().AddConsumer("sink", l.SpawnerID(), flowcontrol.SpawnerAllowMultipleMessages)

	pt, err := cbor.Marshal(&plaintext{Onward: route.New("sink"), Return: route.New("app"), Payload: []byte("once")})
	require.NoError(err)
	ct, nonce, err := ch.seal(pt)
	require.NoError(err)
	raw, err := encodeFrame(frameData, nonce, ct)
	require.NoError(err)

	attacker, err := n.NewContext("attacker", nil)
	require.NoError(err)
	require.NoError(attacker.Send(ch.PeerRoute(), raw))
	msg, err := sink.ReceiveTimeout(testTimeout)
	require.NoError(err)
	require.Equal([]byte("once"), msg.Payload)
	require.Len(msg.ReturnRoute, 2)
	require.Equal(route.Address("app"), msg.ReturnRoute[1])

	require.NoError(attacker.Send(ch.PeerRoute(), raw))
	_, err = sink.ReceiveTimeout(200 * time.Millisecond)
	require.ErrorIs(err, node.ErrTimeout)

	// Tampered ciphertext is dropped too.
	ct, nonce, err = ch.seal(pt)
	require.NoError(err)
	ct[0] ^= 0xff
	raw, err = encodeFrame(frameData, nonce, ct)
	require.NoError(err)
	require.NoError(attacker.Send(ch.PeerRoute(), raw))
	_, err = sink.ReceiveTimeout(200 * time.Millisecond)
	require.ErrorIs(err, node.ErrTimeout)
}

func TestChannelOverTCP(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := newSCNode(t, "server")
	client := newSCNode(t, "client")

	tcpFC := server.FlowControls().GenerateID()
	addr, err := server.tcp.Listen("127.0.0.1:0", &tcp.ListenerOptions{SpawnerID: tcpFC})
	require.NoError(err)
	l, err := server.sc.CreateListener(server.me, "listener", &ListenerOptions{
		Consumers: []Consumer{{ID: tcpFC, Policy: flowcontrol.SpawnerAllowMultipleMessages}},
	})
	require.NoError(err)
	_, err = server.StartWorker(node.EchoAddress, node.Echoer{}, nil)
	require.NoError(err)
	server.FlowControls().AddConsumer(node.EchoAddress, l.SpawnerID(), flowcontrol.SpawnerAllowMultipleMessages)

	conn, err := client.tcp.Connect(addr.String(), &tcp.ConnectionOptions{FlowControlID: client.FlowControls().GenerateID()})
	require.NoError(err)
	ch, err := client.sc.Create(client.me, route.New(conn, "listener"), &Options{FlowControlID: "fc-channel"})
	require.NoError(err)
	assert.Equal(flowcontrol.ID("fc-channel"), ch.FlowControlID())
	assert.Equal(server.me.Identifier(), ch.RemoteIdentifier())

	app, err := client.NewContext("app", nil)
	require.NoError(err)
	for _, payload := range []string{"Hello", "", "again"} {
		reply, err := app.SendAndReceive(route.New(ch.Address(), node.EchoAddress), []byte(payload), testTimeout)
		require.NoError(err)
		assert.Equal(payload, string(reply))
	}

	require.Eventually(func() bool { return len(server.sc.Channels()) == 1 }, testTimeout, 10*time.Millisecond)
	responder := server.sc.Channels()[0]
	assert.Equal(client.me.Identifier(), responder.RemoteIdentifier())
	info, ok := server.FlowControls().FindProducer(responder.Address())
	require.True(ok)
	assert.Equal(l.SpawnerID(), info.Spawner)
}

func TestChannelStopsWhenTransportCloses(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := newSCNode(t, "server")
	client := newSCNode(t, "client")

	tcpFC := server.FlowControls().GenerateID()
	addr, err := server.tcp.Listen("127.0.0.1:0", &tcp.ListenerOptions{SpawnerID: tcpFC})
	require.NoError(err)
	_, err = server.sc.CreateListener(server.me, "listener", &ListenerOptions{
		Consumers: []Consumer{{ID: tcpFC, Policy: flowcontrol.SpawnerAllowMultipleMessages}},
	})
	require.NoError(err)

	conn, err := client.tcp.Connect(addr.String(), &tcp.ConnectionOptions{FlowControlID: client.FlowControls().GenerateID()})
	require.NoError(err)
	ch, err := client.sc.Create(client.me, route.New(conn, "listener"), nil)
	require.NoError(err)
	require.Eventually(func() bool { return len(server.sc.Channels()) == 1 }, testTimeout, 10*time.Millisecond)
	responder := server.sc.Channels()[0]
	responderFlow := responder.FlowControlID()

	client.tcp.Disconnect(conn)

	require.Eventually(func() bool {
		return len(client.sc.Channels()) == 0 && len(server.sc.Channels()) == 0
	}, testTimeout, 10*time.Millisecond)
	assert.False(client.HasWorker(ch.Address()))
	assert.False(client.HasWorker(ch.DecryptorAddress()))
	assert.False(server.HasWorker(responder.Address()))
	assert.False(server.HasWorker(responder.DecryptorAddress()))
	_, ok := server.FlowControls().FindProducer(responder.Address())
	assert.False(ok)
	assert.False(server.FlowControls().IsAllowed(responderFlow, responder.Address()))
	_, ok = client.FlowControls().FindProducer(ch.Address())
	assert.False(ok)
}

func TestEarlyDataKeptUntilConfirmation(t *testing.T) {
	require := require.New(t)

	n := newSCNode(t, "local")
	decryptor, err := n.NewContext("decryptor", nil)
	require.NoError(err)
	h := &handshake{s: n.sc, ctx: decryptor}

	peer, err := n.NewContext("peer", nil)
	require.NoError(err)
	data, err := encodeFrame(frameData, 1, []byte("early"))
	require.NoError(err)
	confirm, err := encodeFrame(frameConfirm, 0, nil)
	require.NoError(err)
	require.NoError(peer.Send(route.New("decryptor"), data))
	require.NoError(peer.Send(route.New("decryptor"), confirm))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, f, err := h.receive(ctx, frameConfirm)
	require.NoError(err)
	require.Equal(frameConfirm, f.Type)
	require.Len(h.pending, 1)
	require.Equal(data, h.pending[0].Payload)

	// Before the confirmation is expected, data frames are dropped.
	h.pending = nil
	require.NoError(peer.Send(route.New("decryptor"), data))
	handshakeFrame, err := encodeFrame(frameHandshake, 0, nil)
	require.NoError(err)
	require.NoError(peer.Send(route.New("decryptor"), handshakeFrame))
	_, f, err = h.receive(ctx, frameHandshake)
	require.NoError(err)
	require.Equal(frameHandshake, f.Type)
	require.Empty(h.pending)
}

type retrieverFunc func(*identity.Identity) (*identity.Credential, error)

func (f retrieverFunc) RetrieveCredential(_ context.Context, subject *identity.Identity) (*identity.Credential, error) {
	return f(subject)
}
