// forwarding_test.go - Forwarding service tests.
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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/log"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/transport/tcp"
)

const testTimeout = 5 * time.Second

type testNode struct {
	*node.Node
	tcp *tcp.Transport
}

func newTestNode(t *testing.T, name string) *testNode {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	n := node.New(name, backend)
	tr := tcp.New(n)
	t.Cleanup(func() {
		tr.Shutdown()
		n.Shutdown()
	})
	return &testNode{Node: n, tcp: tr}
}

// newCloud starts a relay whose TCP listener spawns flow controlled
// connections, and whose forwarding service consumes them.
func newCloud(t *testing.T) (*testNode, *Service, string) {
	require := require.New(t)

	cloud := newTestNode(t, "cloud")
	spawner := cloud.FlowControls().GenerateID()
	addr, err := cloud.tcp.Listen("127.0.0.1:0", &tcp.ListenerOptions{SpawnerID: spawner})
	require.NoError(err)
	svc, err := CreateService(cloud.Node, DefaultServiceAddress, node.AllowAll{}, node.AllowAll{},
		ServiceAsConsumer(spawner, flowcontrol.SpawnerAllowMultipleMessages),
		ForwarderAsConsumer(spawner, flowcontrol.SpawnerAllowMultipleMessages),
	)
	require.NoError(err)
	return cloud, svc, addr.String()
}

func TestLocalForwarderWithoutFlowControl(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	_, err := CreateService(n.Node, DefaultServiceAddress, node.AllowAll{}, node.AllowAll{})
	require.NoError(err)
	_, err = n.StartWorker(node.EchoAddress, node.Echoer{}, nil)
	require.NoError(err)

	remote, err := CreateRemote(n.Node, route.Route{}, nil)
	require.NoError(err)
	require.NotEmpty(remote.RemoteAddress())
	require.True(remote.FlowControlID().IsZero())

	app, err := n.NewContext("app", nil)
	require.NoError(err)
	reply, err := app.SendAndReceive(route.New(remote.RemoteAddress(), node.EchoAddress), []byte("Hello"), testTimeout)
	require.NoError(err)
	require.Equal([]byte("Hello"), reply)
}

func TestForwarderThroughTCPCloud(t *testing.T) {
	require := require.New(t)

	_, svc, cloudAddr := newCloud(t)

	// Server: connects out to the cloud, echoer accepts that connection.
	server := newTestNode(t, "server")
	serverTCP := server.FlowControls().GenerateID()
	serverConn, err := server.tcp.Connect(cloudAddr, &tcp.ConnectionOptions{FlowControlID: serverTCP})
	require.NoError(err)
	_, err = server.StartWorker(node.EchoAddress, node.Echoer{}, nil)
	require.NoError(err)
	server.FlowControls().AddConsumer(node.EchoAddress, serverTCP, flowcontrol.ProducerAllowMultiple)

	remote, err := CreateRemote(server.Node, route.New(serverConn), nil)
	require.NoError(err)
	require.Equal(serverTCP, remote.FlowControlID())
	require.Equal([]route.Address{remote.RemoteAddress()}, svc.Forwarders())

	// Client: connects to the cloud and reaches the echoer by its
	// forwarding address.
	client := newTestNode(t, "client")
	clientConn, err := client.tcp.Connect(cloudAddr, nil)
	require.NoError(err)
	app, err := client.NewContext("app", nil)
	require.NoError(err)

	reply, err := app.SendAndReceive(route.New(clientConn, remote.RemoteAddress(), node.EchoAddress), []byte("Hello"), testTimeout)
	require.NoError(err)
	require.Equal([]byte("Hello"), reply)
}

func TestForwardedMessageNeedsConsumerRegistration(t *testing.T) {
	require := require.New(t)

	_, _, cloudAddr := newCloud(t)

	server := newTestNode(t, "server")
	serverTCP := server.FlowControls().GenerateID()
	serverConn, err := server.tcp.Connect(cloudAddr, &tcp.ConnectionOptions{FlowControlID: serverTCP})
	require.NoError(err)
	remote, err := CreateRemote(server.Node, route.New(serverConn), nil)
	require.NoError(err)

	target, err := server.NewContext("ctx", nil)
	require.NoError(err)

	client := newTestNode(t, "client")
	clientConn, err := client.tcp.Connect(cloudAddr, nil)
	require.NoError(err)
	app, err := client.NewContext("app", nil)
	require.NoError(err)

	// Not a consumer of the server's connection yet: the relay forwards
	// the message, the server's flow control check drops it.
	require.NoError(app.Send(route.New(clientConn, remote.RemoteAddress(), "ctx"), []byte("Hello")))
	_, err = target.ReceiveTimeout(500 * time.Millisecond)
	require.ErrorIs(err, node.ErrTimeout)

	server.FlowControls().AddConsumer(target.Address(), serverTCP, flowcontrol.ProducerAllowMultiple)
	require.NoError(app.Send(route.New(clientConn, remote.RemoteAddress(), "ctx"), []byte("Hello")))
	msg, err := target.ReceiveTimeout(testTimeout)
	require.NoError(err)
	require.Equal([]byte("Hello"), msg.Payload)
	require.Equal(serverTCP, msg.FlowControlID)
}

func TestStaticAlias(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	_, err := CreateService(n.Node, DefaultServiceAddress, node.AllowAll{}, node.AllowAll{})
	require.NoError(err)

	remote, err := CreateRemote(n.Node, route.Route{}, &RemoteOptions{Alias: "Server"})
	require.NoError(err)
	require.Equal(route.Address(StaticPrefix+"server"), remote.RemoteAddress())

	_, err = CreateRemote(n.Node, route.Route{}, &RemoteOptions{Alias: "server"})
	require.Error(err)
	require.Contains(err.Error(), ErrDuplicateAlias.Error())
}

func TestInboundAccessControlRejectsRegistration(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	svc, err := CreateService(n.Node, DefaultServiceAddress, node.DenyAll{}, node.AllowAll{})
	require.NoError(err)

	_, err = CreateRemote(n.Node, route.Route{}, &RemoteOptions{Timeout: 200 * time.Millisecond})
	require.ErrorIs(err, node.ErrTimeout)
	require.Empty(svc.Forwarders())
}

func TestRegistrationLimit(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	_, err := CreateService(n.Node, DefaultServiceAddress, node.AllowAll{}, node.AllowAll{}, RegistrationLimit(rate.Every(time.Hour), 1))
	require.NoError(err)

	_, err = CreateRemote(n.Node, route.Route{}, nil)
	require.NoError(err)
	_, err = CreateRemote(n.Node, route.Route{}, nil)
	require.Error(err)
	require.Contains(err.Error(), ErrRateLimited.Error())
}

func TestForwarderRemovedWhenRegistrantDisconnects(t *testing.T) {
	require := require.New(t)

	_, svc, cloudAddr := newCloud(t)

	server := newTestNode(t, "server")
	serverConn, err := server.tcp.Connect(cloudAddr, nil)
	require.NoError(err)
	remote, err := CreateRemote(server.Node, route.New(serverConn), &RemoteOptions{Alias: "srv"})
	require.NoError(err)
	require.Equal([]route.Address{StaticPrefix + "srv"}, svc.Forwarders())

	// No traffic reaches the forwarder: closing the connection it was
	// registered over is enough to retire it.
	server.tcp.Disconnect(serverConn)
	require.Eventually(func() bool {
		return len(svc.Forwarders()) == 0
	}, testTimeout, 10*time.Millisecond)
	remote.Stop()

	serverConn, err = server.tcp.Connect(cloudAddr, nil)
	require.NoError(err)
	remote, err = CreateRemote(server.Node, route.New(serverConn), &RemoteOptions{Alias: "srv"})
	require.NoError(err)
	require.Equal(route.Address(StaticPrefix+"srv"), remote.RemoteAddress())
	require.Equal([]route.Address{remote.RemoteAddress()}, svc.Forwarders())
}

func TestForwarderWithoutFlowRemovedOnFailedDelivery(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	svc, err := CreateService(n.Node, DefaultServiceAddress, node.AllowAll{}, node.AllowAll{})
	require.NoError(err)
	remote, err := CreateRemote(n.Node, route.Route{}, nil)
	require.NoError(err)
	require.Len(svc.Forwarders(), 1)

	app, err := n.NewContext("app", nil)
	require.NoError(err)
	remote.Stop()
	require.Eventually(func() bool {
		_ = app.Send(route.New(remote.RemoteAddress(), node.EchoAddress), []byte("Hello"))
		return len(svc.Forwarders()) == 0
	}, testTimeout, 50*time.Millisecond)
}

func TestServiceStop(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	svc, err := CreateService(n.Node, DefaultServiceAddress, node.AllowAll{}, node.AllowAll{})
	require.NoError(err)
	remote, err := CreateRemote(n.Node, route.Route{}, nil)
	require.NoError(err)
	require.True(n.HasWorker(remote.RemoteAddress()))

	svc.Stop()
	require.False(n.HasWorker(remote.RemoteAddress()))
	require.False(n.HasWorker(DefaultServiceAddress))
	remote.Stop()
	require.False(n.HasWorker(remote.Address()))
}
