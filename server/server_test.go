// server_test.go - Trust routing node tests.
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

package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/trustroute/config"
	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/forwarding"
	"github.com/katzenpost/trustroute/store"
)

const testTimeout = 5 * time.Second

func testConfig(t *testing.T, name, dir string, peers ...*config.Peer) *config.Config {
	cfg := &config.Config{
		Node:    &config.Node{Name: name, DataDir: dir},
		Logging: &config.Logging{Disable: true, Level: "DEBUG"},
		TCP:     &config.TCP{Address: "127.0.0.1:0", Peers: peers},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

// seed prepares a data directory holding a node identity, the "net" trust
// context and, when authority is set, a credential it issued to the node.
func seed(t *testing.T, dir string, ids *identity.Identities, authority *identity.Identity, withCredential bool) {
	require := require.New(t)

	require.NoError(os.Mkdir(dir, 0700))
	st, err := store.Open(filepath.Join(dir, "node.db"))
	require.NoError(err)
	defer st.Close()

	vault, err := identity.OpenVault(identity.DefaultVaultName, st)
	require.NoError(err)
	local, err := identity.NewIdentities(vault, st).Creation().CreateIdentity()
	require.NoError(err)
	require.NoError(st.SaveLocalIdentity(local))

	p, err := store.NewTrustContextProfile("net", authority)
	require.NoError(err)
	require.NoError(st.SaveTrustContext("net", p))
	if withCredential {
		cred, err := ids.Credentials().Issue(authority, local.Identifier(), identity.Attributes{"role": []byte("node")}, time.Hour)
		require.NoError(err)
		require.NoError(st.SaveCredential("net", local.Identifier(), cred))
	}
}

func TestServerRestartKeepsIdentity(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(t, "node", filepath.Join(t.TempDir(), "node"))
	s, err := New(cfg)
	require.NoError(err)
	id := s.Identity().Identifier()
	require.NotNil(s.ListenAddress())
	require.NotNil(s.Forwarding())
	s.Shutdown()
	s.Wait()

	s = startServer(t, cfg)
	require.Equal(id, s.Identity().Identifier())
}

func TestServerInvalidDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	require.NoError(t, os.Mkdir(dir, 0700))
	require.NoError(t, os.Chmod(dir, 0755))
	_, err := New(testConfig(t, "node", dir))
	require.Error(t, err)
}

func TestServerForwardsBetweenPeers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	tmp := t.TempDir()

	cloud := startServer(t, testConfig(t, "cloud", filepath.Join(tmp, "cloud")))
	cloudAddr := cloud.ListenAddress().String()

	edge := startServer(t, testConfig(t, "edge", filepath.Join(tmp, "edge"),
		&config.Peer{Name: "cloud", Address: cloudAddr, Forwarder: "edge"}))
	require.Len(edge.Peers(), 1)
	fwd := edge.Peers()[0].Forwarder()
	require.NotNil(fwd)
	assert.Equal(route.Address(forwarding.StaticPrefix+"edge"), fwd.RemoteAddress())
	assert.Equal([]route.Address{fwd.RemoteAddress()}, cloud.Forwarding().Forwarders())
	assert.Equal(edge.Identity().Identifier(), cloud.SecureChannels().Channels()[0].RemoteIdentifier())

	client := startServer(t, testConfig(t, "client", filepath.Join(tmp, "client"),
		&config.Peer{Name: "cloud", Address: cloudAddr}))
	require.Len(client.Peers(), 1)
	toCloud := client.Peers()[0].Channel()
	assert.Equal(cloud.Identity().Identifier(), toCloud.RemoteIdentifier())
	assert.Nil(client.Peers()[0].Forwarder())

	app, err := client.Node().NewContext("app", nil)
	require.NoError(err)
	reply, err := app.SendAndReceive(route.New(toCloud.Address(), fwd.RemoteAddress(), node.EchoAddress), []byte("Hello"), testTimeout)
	require.NoError(err)
	assert.Equal([]byte("Hello"), reply)
}

func TestServerTrustContext(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()

	ids := identity.NewIdentities(identity.NewVault(identity.DefaultVaultName), nil)
	authority, err := ids.Creation().CreateIdentity()
	require.NoError(err)

	seed(t, filepath.Join(tmp, "cloud"), ids, authority, true)
	cloudCfg := testConfig(t, "cloud", filepath.Join(tmp, "cloud"))
	cloudCfg.SecureChannel.TrustContext = "net"
	cloud := startServer(t, cloudCfg)
	cloudAddr := cloud.ListenAddress().String()

	seed(t, filepath.Join(tmp, "member"), ids, authority, true)
	member := startServer(t, testConfig(t, "member", filepath.Join(tmp, "member"),
		&config.Peer{Name: "cloud", Address: cloudAddr, TrustContext: "net"}))
	require.Len(member.Peers(), 1)
	require.Equal(cloud.Identity().Identifier(), member.Peers()[0].Channel().RemoteIdentifier())

	seed(t, filepath.Join(tmp, "stranger"), ids, authority, false)
	stranger := startServer(t, testConfig(t, "stranger", filepath.Join(tmp, "stranger"),
		&config.Peer{Name: "cloud", Address: cloudAddr}))
	require.Empty(stranger.Peers())
	require.Empty(stranger.SecureChannels().Channels())
}

func TestServerUnknownTrustContext(t *testing.T) {
	cfg := testConfig(t, "node", filepath.Join(t.TempDir(), "node"))
	cfg.SecureChannel.TrustContext = "missing"
	_, err := New(cfg)
	require.ErrorIs(t, err, store.ErrNotFound)
}
