// node_test.go - Dispatch tests.
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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/log"
	"github.com/katzenpost/trustroute/core/route"
)

func newTestNode(t *testing.T, name string) *Node {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	n := New(name, backend)
	t.Cleanup(n.Shutdown)
	return n
}

func TestEcho(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	_, err := n.StartWorker(EchoAddress, Echoer{}, nil)
	require.NoError(err)

	app, err := n.NewContext("app", nil)
	require.NoError(err)

	reply, err := app.SendAndReceive(route.New(EchoAddress), []byte("Hello"), time.Second)
	require.NoError(err)
	require.Equal([]byte("Hello"), reply)

	_, err = n.StartWorker(EchoAddress, Echoer{}, nil)
	require.ErrorIs(err, ErrAddressInUse)
}

func TestUnknownAddress(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	app, err := n.NewContext("app", nil)
	require.NoError(err)
	require.ErrorIs(app.Send(route.New("nobody"), nil), ErrUnknownAddress)
	require.ErrorIs(app.Send(route.Route{}, nil), ErrEmptyRoute)
}

func TestReceiveTimeoutIsDistinct(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	app, err := n.NewContext("app", nil)
	require.NoError(err)

	_, err = app.ReceiveTimeout(50 * time.Millisecond)
	require.ErrorIs(err, ErrTimeout)

	require.NoError(app.Send(route.New("app"), []byte{}))
	msg, err := app.ReceiveTimeout(time.Second)
	require.NoError(err)
	require.Empty(msg.Payload)
}

func TestFlowControlDeliveryCheck(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	producer, err := n.NewContext("producer", nil)
	require.NoError(err)
	consumer, err := n.NewContext("consumer", nil)
	require.NoError(err)

	id := n.FlowControls().GenerateID()
	n.FlowControls().AddProducer(producer.Address(), id, "")

	tagged := &LocalMessage{
		OnwardRoute:   route.New("consumer"),
		ReturnRoute:   route.New("producer"),
		Payload:       []byte("Hello"),
		FlowControlID: id,
	}
	require.NoError(producer.Forward(tagged.Clone()), "a denied delivery is not an error")
	_, err = consumer.ReceiveTimeout(100 * time.Millisecond)
	require.ErrorIs(err, ErrTimeout)

	n.FlowControls().AddConsumer(consumer.Address(), id, flowcontrol.ProducerAllowMultiple)
	require.NoError(producer.Forward(tagged.Clone()))
	msg, err := consumer.ReceiveTimeout(time.Second)
	require.NoError(err)
	require.Equal([]byte("Hello"), msg.Payload)
	require.Equal(id, msg.FlowControlID)

	consumer.Stop()
	require.False(n.HasWorker("consumer"))
	_, ok := n.FlowControls().ConsumerPolicy("consumer", id)
	require.False(ok)
}

func TestAccessControl(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	locked, err := n.NewContext("locked", &Options{Incoming: AllowSources{"friend"}})
	require.NoError(err)
	stranger, err := n.NewContext("stranger", nil)
	require.NoError(err)
	friend, err := n.NewContext("friend", nil)
	require.NoError(err)
	mute, err := n.NewContext("mute", &Options{Outgoing: DenyAll{}})
	require.NoError(err)

	require.NoError(stranger.Send(route.New("locked"), []byte("no")))
	require.NoError(mute.Send(route.New("locked"), []byte("no")))
	require.NoError(friend.Send(route.New("locked"), []byte("yes")))

	msg, err := locked.ReceiveTimeout(time.Second)
	require.NoError(err)
	require.Equal([]byte("yes"), msg.Payload)
	_, err = locked.ReceiveTimeout(50 * time.Millisecond)
	require.ErrorIs(err, ErrTimeout)
}

func TestSendAndReceiveConsumesFirstHopProducer(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "local")
	id := n.FlowControls().GenerateID()

	// A relay worker that answers on behalf of a flow, tagging the reply.
	_, err := n.StartWorker("flow_sender", HandlerFunc(func(ctx *Context, msg *LocalMessage) error {
		return ctx.Forward(&LocalMessage{
			OnwardRoute:   msg.ReturnRoute,
			ReturnRoute:   route.New("flow_sender"),
			Payload:       msg.Payload,
			FlowControlID: id,
		})
	}), nil)
	require.NoError(err)
	n.FlowControls().AddProducer("flow_receiver", id, "", "flow_sender")

	app, err := n.NewContext("app", nil)
	require.NoError(err)
	reply, err := app.SendAndReceive(route.New("flow_sender"), []byte("ping"), time.Second)
	require.NoError(err)
	require.Equal([]byte("ping"), reply)

	// A plain Send does not register anything.
	require.NoError(app.Send(route.New("flow_sender"), []byte("ping")))
	_, err = app.ReceiveTimeout(100 * time.Millisecond)
	require.ErrorIs(err, ErrTimeout)
}
