// tunnel_test.go - Channels through relays and other channels.
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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/core/trust"
	"github.com/katzenpost/trustroute/forwarding"
	"github.com/katzenpost/trustroute/transport/tcp"
)

// runTunnel builds client -> cloud <- server, where the server is
// reachable only through a forwarder at the cloud, and echoes "Hello" from
// the client to the server through a channel tunneled inside the client's
// channel to the cloud.  The hop named by flip uses a trust context whose
// authority vouches for nobody involved.
func runTunnel(t *testing.T, flip string) ([]byte, error) {
	require := require.New(t)

	a := newAuthority(t)
	stranger := newAuthority(t)
	tc := func(hop string) *trust.Context {
		if hop == flip {
			return stranger.trustContext("elsewhere")
		}
		return a.trustContext("tunnel")
	}
	creds := func(n *scNode) []*identity.Credential {
		return []*identity.Credential{a.issue(t, n.me)}
	}

	cloud := newSCNode(t, "cloud")
	server := newSCNode(t, "server")
	client := newSCNode(t, "client")

	// Cloud: every TCP connection and every channel it accepts is spawned.
	tcpFC := cloud.FlowControls().GenerateID()
	addr, err := cloud.tcp.Listen("127.0.0.1:0", &tcp.ListenerOptions{SpawnerID: tcpFC})
	require.NoError(err)
	scFC := cloud.FlowControls().GenerateID()
	_, err = cloud.sc.CreateListener(cloud.me, "cloud_listener", &ListenerOptions{
		SpawnerID:    scFC,
		Consumers:    []Consumer{{ID: tcpFC, Policy: flowcontrol.SpawnerAllowMultipleMessages}},
		TrustContext: tc("cloud_listener"),
		Credentials:  creds(cloud),
	})
	require.NoError(err)
	_, err = forwarding.CreateService(cloud.Node, forwarding.DefaultServiceAddress, node.AllowAll{}, node.AllowAll{},
		forwarding.ServiceAsConsumer(scFC, flowcontrol.SpawnerAllowMultipleMessages),
		forwarding.ForwarderAsConsumer(scFC, flowcontrol.SpawnerAllowMultipleMessages),
	)
	require.NoError(err)

	// Server: a channel to the cloud, a forwarder registered through it,
	// and a listener that only accepts what arrives over that channel.
	conn, err := server.tcp.Connect(addr.String(), &tcp.ConnectionOptions{FlowControlID: server.FlowControls().GenerateID()})
	require.NoError(err)
	serverChannelFC := server.FlowControls().GenerateID()
	toCloud, err := server.sc.Create(server.me, route.New(conn, "cloud_listener"), &Options{
		FlowControlID: serverChannelFC,
		TrustContext:  tc("server_channel"),
		Credentials:   creds(server),
	})
	if err != nil {
		return nil, err
	}
	remote, err := forwarding.CreateRemote(server.Node, route.New(toCloud.Address()), nil)
	require.NoError(err)
	require.Equal(serverChannelFC, remote.FlowControlID())

	serverTunnelFC := server.FlowControls().GenerateID()
	_, err = server.sc.CreateListener(server.me, "server_listener", &ListenerOptions{
		SpawnerID:    serverTunnelFC,
		Consumers:    []Consumer{{ID: serverChannelFC, Policy: flowcontrol.ProducerAllowMultiple}},
		TrustContext: tc("server_listener"),
		Credentials:  creds(server),
	})
	require.NoError(err)
	_, err = server.StartWorker(node.EchoAddress, node.Echoer{}, nil)
	require.NoError(err)
	server.FlowControls().AddConsumer(node.EchoAddress, serverTunnelFC, flowcontrol.SpawnerAllowMultipleMessages)

	// Client: a channel to the cloud, and a tunnel to the server inside it.
	clientConn, err := client.tcp.Connect(addr.String(), nil)
	require.NoError(err)
	toCloudFromClient, err := client.sc.Create(client.me, route.New(clientConn, "cloud_listener"), &Options{
		TrustContext: tc("client_channel"),
		Credentials:  creds(client),
	})
	if err != nil {
		return nil, err
	}
	tunnel, err := client.sc.Create(client.me, route.New(toCloudFromClient.Address(), remote.RemoteAddress(), "server_listener"), &Options{
		TrustContext: tc("client_tunnel"),
		Credentials:  creds(client),
	})
	if err != nil {
		return nil, err
	}
	require.Equal(server.me.Identifier(), tunnel.RemoteIdentifier())

	app, err := client.NewContext("app", nil)
	require.NoError(err)
	return app.SendAndReceive(route.New(tunnel.Address(), node.EchoAddress), []byte("Hello"), testTimeout)
}

func TestTunnelThroughRelay(t *testing.T) {
	reply, err := runTunnel(t, "")
	require.NoError(t, err)
	require.Equal(t, []byte("Hello"), reply)
}

func TestTunnelUntrustedHop(t *testing.T) {
	for _, hop := range []string{
		"cloud_listener",
		"server_channel",
		"server_listener",
		"client_channel",
		"client_tunnel",
	} {
		t.Run(hop, func(t *testing.T) {
			reply, err := runTunnel(t, hop)
			require.Error(t, err)
			require.True(t, IsHandshakeError(err), "%v", err)
			require.Nil(t, reply)
		})
	}
}
