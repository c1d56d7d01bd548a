// server.go - Trust routing node.
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

// Package server runs a trust routing node: the TCP transport, a secure
// channel listener, the forwarding service and the identity services, all
// bound together by the node's flow control registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/trustroute/api"
	"github.com/katzenpost/trustroute/config"
	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/log"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/retry"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/core/trust"
	"github.com/katzenpost/trustroute/forwarding"
	"github.com/katzenpost/trustroute/internal/instrument"
	"github.com/katzenpost/trustroute/securechannel"
	"github.com/katzenpost/trustroute/store"
	"github.com/katzenpost/trustroute/transport/tcp"
)

const metricsShutdownTimeout = 5 * time.Second

// Peer is an outgoing connection with an established secure channel.
type Peer struct {
	cfg *config.Peer

	conn    route.Address
	channel *securechannel.Channel
	remote  *forwarding.RemoteForwarder
}

// Name returns the configured peer name.
func (p *Peer) Name() string {
	return p.cfg.Name
}

// Channel returns the secure channel to the peer.
func (p *Peer) Channel() *securechannel.Channel {
	return p.channel
}

// Forwarder returns the forwarder registered at the peer, if any.
func (p *Peer) Forwarder() *forwarding.RemoteForwarder {
	return p.remote
}

// Server is a trust routing node instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	store      *store.Store
	identities *identity.Identities
	local      *identity.Identity
	verifier   *trust.Verifier

	node       *node.Node
	tcp        *tcp.Transport
	listenAddr net.Addr
	channels   *securechannel.SecureChannels
	listener   *securechannel.Listener
	forwarding *forwarding.Service
	metrics    *http.Server

	tcpFC     flowcontrol.ID
	channelFC flowcontrol.ID
	peers     []*Peer

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Node.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v', should be '%v'", d, fi.Mode(), dirMode)
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(s.cfg.Node.DataDir, p)
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// LoadIdentity opens the vault held by st and returns the node identity,
// creating it on first use.
func LoadIdentity(st *store.Store) (*identity.Identities, *identity.Identity, bool, error) {
	vault, err := identity.OpenVault(identity.DefaultVaultName, st)
	if err != nil {
		return nil, nil, false, err
	}
	ids := identity.NewIdentities(vault, st)

	local, err := st.LocalIdentity()
	switch {
	case err == nil:
		if !vault.HasKey(local.CurrentKey()) {
			return nil, nil, false, fmt.Errorf("server: vault holds no key for identity %v", local.Identifier())
		}
		return ids, local, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, nil, false, err
	}
	if local, err = ids.Creation().CreateIdentity(); err != nil {
		return nil, nil, false, err
	}
	if err = st.SaveLocalIdentity(local); err != nil {
		return nil, nil, false, err
	}
	return ids, local, true, nil
}

// trustContext loads the named trust context profile.  Credentials
// presented on behalf of the node come from the store.
func (s *Server) trustContext(name string) (*trust.Context, error) {
	if name == "" {
		return nil, nil
	}
	p, err := s.store.LoadTrustContext(name)
	if err != nil {
		return nil, fmt.Errorf("server: trust context '%v': %w", name, err)
	}
	return p.TrustContext(s.store.Retriever(name))
}

// consume makes address a consumer of every flow a peer can reach this node
// over.
func (s *Server) consume(address route.Address) {
	fc := s.node.FlowControls()
	fc.AddConsumer(address, s.channelFC, flowcontrol.SpawnerAllowMultipleMessages)
	for _, p := range s.peers {
		fc.AddConsumer(address, p.channel.FlowControlID(), flowcontrol.ProducerAllowMultiple)
	}
}

func (s *Server) connectPeer(pCfg *config.Peer) (*Peer, error) {
	addr, err := config.NetAddress(pCfg.Address)
	if err != nil {
		return nil, err
	}
	tc, err := s.trustContext(pCfg.TrustContext)
	if err != nil {
		return nil, err
	}
	listener, err := route.Parse(pCfg.Listener)
	if err != nil {
		return nil, err
	}

	fc := s.node.FlowControls()
	p := &Peer{cfg: pCfg}
	connOpts := &tcp.ConnectionOptions{
		FlowControlID: fc.GenerateID(),
		Timeout:       s.cfg.TCP.ConnectTimeoutDuration(),
	}
	if err = retry.Do(context.Background(), s.cfg.TCP.ConnectAttempts, retry.DefaultBaseDelay, retry.DefaultMaxDelay, func() error {
		var err error
		p.conn, err = s.tcp.Connect(addr, connOpts)
		return err
	}); err != nil {
		return nil, err
	}
	p.channel, err = s.channels.Create(s.local, listener.Prepend(p.conn), &securechannel.Options{
		TrustContext: tc,
		Timeout:      s.cfg.SecureChannel.HandshakeTimeoutDuration(),
	})
	if err != nil {
		s.tcp.Disconnect(p.conn)
		return nil, err
	}
	if pCfg.Forwarder == "" {
		return p, nil
	}
	p.remote, err = forwarding.CreateRemote(s.node, route.New(p.channel.Address()), &forwarding.RemoteOptions{
		Alias:   pCfg.Forwarder,
		Timeout: s.cfg.SecureChannel.HandshakeTimeoutDuration(),
	})
	if err != nil {
		p.channel.Stop()
		s.tcp.Disconnect(p.conn)
		return nil, err
	}
	return p, nil
}

// connectPeers connects to every configured peer concurrently.  A peer
// that can not be reached is logged and skipped.
func (s *Server) connectPeers() {
	peers := make([]*Peer, len(s.cfg.TCP.Peers))
	var g errgroup.Group
	for i, pCfg := range s.cfg.TCP.Peers {
		i, pCfg := i, pCfg
		g.Go(func() error {
			p, err := s.connectPeer(pCfg)
			if err != nil {
				s.log.Errorf("Failed to connect to peer '%v': %v", pCfg.Name, err)
				return nil
			}
			if p.remote != nil {
				s.log.Noticef("Peer '%v': channel %s, forwarding address %s.", p.Name(), p.channel.Address(), p.remote.RemoteAddress())
			} else {
				s.log.Noticef("Peer '%v': channel %s.", p.Name(), p.channel.Address())
			}
			peers[i] = p
			return nil
		})
	}
	g.Wait()
	for _, p := range peers {
		if p != nil {
			s.peers = append(s.peers, p)
		}
	}
}

func (s *Server) startListener() error {
	tc, err := s.trustContext(s.cfg.SecureChannel.TrustContext)
	if err != nil {
		return err
	}
	opts := &securechannel.ListenerOptions{
		SpawnerID:    s.channelFC,
		TrustContext: tc,
		Timeout:      s.cfg.SecureChannel.HandshakeTimeoutDuration(),
	}
	if !s.tcpFC.IsZero() {
		opts.Consumers = append(opts.Consumers, securechannel.Consumer{ID: s.tcpFC, Policy: flowcontrol.SpawnerAllowMultipleMessages})
	}
	// Channels tunneled through a peer arrive over our channel to it.
	for _, p := range s.peers {
		opts.Consumers = append(opts.Consumers, securechannel.Consumer{ID: p.channel.FlowControlID(), Policy: flowcontrol.ProducerAllowMultiple})
	}
	s.listener, err = s.channels.CreateListener(s.local, route.Address(s.cfg.SecureChannel.ListenerAddress), opts)
	return err
}

func (s *Server) startServices() error {
	var err error
	if !s.cfg.Forwarding.Disable {
		fwdOpts := []forwarding.ServiceOption{
			forwarding.ServiceAsConsumer(s.channelFC, flowcontrol.SpawnerAllowMultipleMessages),
			forwarding.ForwarderAsConsumer(s.channelFC, flowcontrol.SpawnerAllowMultipleMessages),
			forwarding.RegistrationLimit(rate.Limit(s.cfg.Forwarding.RegistrationRate), s.cfg.Forwarding.RegistrationBurst),
		}
		s.forwarding, err = forwarding.CreateService(s.node, route.Address(s.cfg.Forwarding.Address), node.AllowAll{}, node.AllowAll{}, fwdOpts...)
		if err != nil {
			return err
		}
	}

	if _, err = s.node.StartWorker(node.EchoAddress, node.Echoer{}, nil); err != nil {
		return err
	}
	s.consume(node.EchoAddress)

	// Not a consumer of any peer flow: it signs with the node's keys.
	idAddr := route.Address(s.cfg.SecureChannel.IdentityService)
	if _, err = api.StartIdentityService(s.node, idAddr, s.identities, s.local, nil); err != nil {
		return err
	}

	if _, err = api.StartVerifierService(s.node, api.VerifierServiceAddress, s.verifier, nil); err != nil {
		return err
	}
	s.consume(api.VerifierServiceAddress)
	return nil
}

func (s *Server) startMetrics() {
	s.metrics = instrument.Init(s.cfg.Metrics.Address)
	if s.metrics == nil {
		return
	}
	go func() {
		s.log.Noticef("Serving metrics on %v.", s.metrics.Addr)
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fatalErrCh <- fmt.Errorf("metrics: %v", err)
		}
	}()
}

// Identity returns the node identity.
func (s *Server) Identity() *identity.Identity {
	return s.local
}

// Node returns the message node.
func (s *Server) Node() *node.Node {
	return s.node
}

// SecureChannels returns the node's secure channels.
func (s *Server) SecureChannels() *securechannel.SecureChannels {
	return s.channels
}

// Forwarding returns the forwarding service, nil when disabled.
func (s *Server) Forwarding() *forwarding.Service {
	return s.forwarding
}

// ListenAddress returns the bound TCP listener address, nil when disabled.
func (s *Server) ListenAddress() net.Addr {
	return s.listenAddr
}

// Peers returns the peers connected at startup.
func (s *Server) Peers() []*Peer {
	return s.peers
}

// RotateLog rotates the log file
// if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
		return
	}
	s.log.Notice("Log rotated.")
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		s.metrics.Shutdown(ctx)
		cancel()
	}
	for _, p := range s.peers {
		if p.remote != nil {
			p.remote.Stop()
		}
	}
	if s.forwarding != nil {
		s.forwarding.Stop()
	}
	if s.channels != nil {
		s.channels.Stop()
	}
	if s.tcp != nil {
		s.tcp.Shutdown()
	}
	if s.node != nil {
		s.node.Shutdown()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Errorf("Failed to close database: %v", err)
		}
	}

	close(s.fatalErrCh)
	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled, message routes will be logged.")
	}

	var err error
	if s.store, err = store.Open(cfg.Node.DatabasePath()); err != nil {
		s.log.Errorf("Failed to open database: %v", err)
		return nil, err
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	var created bool
	if s.identities, s.local, created, err = LoadIdentity(s.store); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	if created {
		s.log.Notice("Created a new node identity.")
	}
	s.log.Noticef("Node identity is: %v", s.local.Identifier())
	s.verifier = trust.NewVerifier()

	s.node = node.New(cfg.Node.Name, s.logBackend)
	s.tcp = tcp.New(s.node)
	s.channels = securechannel.New(s.node, s.identities)
	s.channels.SetVerifier(s.verifier)
	s.channelFC = s.node.FlowControls().GenerateID()

	if !cfg.TCP.Disable {
		s.tcpFC = s.node.FlowControls().GenerateID()
		if s.listenAddr, err = s.tcp.Listen(cfg.TCP.Address, &tcp.ListenerOptions{SpawnerID: s.tcpFC}); err != nil {
			s.log.Errorf("Failed to start listener '%v': %v", cfg.TCP.Address, err)
			return nil, err
		}
		s.log.Noticef("Listening on: %v", s.listenAddr)
	}

	s.connectPeers()
	if err = s.startListener(); err != nil {
		s.log.Errorf("Failed to start secure channel listener: %v", err)
		return nil, err
	}
	if err = s.startServices(); err != nil {
		s.log.Errorf("Failed to start services: %v", err)
		return nil, err
	}
	s.startMetrics()

	isOk = true
	return s, nil
}
