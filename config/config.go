// config.go - Trust routing node configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config provides the trust routing node configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/net/idna"

	"github.com/katzenpost/trustroute/core/route"
)

const (
	defaultLogLevel             = "NOTICE"
	defaultListenAddress        = "127.0.0.1:4000"
	defaultForwardingAddress    = "forwarding_service"
	defaultListenerAddress      = "api"
	defaultHandshakeTimeout     = 10 * 1000 // 10 sec.
	defaultConnectTimeout       = 10 * 1000 // 10 sec.
	defaultConnectAttempts      = 3
	defaultRegistrationRate     = 10.0
	defaultRegistrationBurst    = 20
	defaultDatabase             = "node.db"
	defaultIdentityServiceRoute = "identity_service"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Node is the node identification configuration.
type Node struct {
	// Name is the human readable name of the node (eg: FQDN).
	Name string

	// DataDir is the absolute path to the node's state files.
	DataDir string

	// Database is the bbolt database file, relative to DataDir.
	Database string
}

func (nCfg *Node) applyDefaults() {
	if nCfg.Database == "" {
		nCfg.Database = defaultDatabase
	}
}

func (nCfg *Node) validate() error {
	if nCfg.Name == "" {
		return errors.New("config: Node: Name is not set")
	}
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	return nil
}

// DatabasePath returns the absolute path of the node database.
func (nCfg *Node) DatabasePath() string {
	if filepath.IsAbs(nCfg.Database) {
		return nCfg.Database
	}
	return filepath.Join(nCfg.DataDir, nCfg.Database)
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Peer is an outgoing connection with a secure channel over it.
type Peer struct {
	// Name is used in logs only.
	Name string

	// Address is a host:port pair or a TCP multiaddr.
	Address string

	// Listener is the route to the peer's secure channel listener,
	// relative to the connection.
	Listener string

	// TrustContext names a stored trust context profile the peer must
	// satisfy.
	TrustContext string

	// Forwarder requests a forwarder at the peer with this alias.  Empty
	// registers no forwarder.
	Forwarder string
}

func (pCfg *Peer) validate() error {
	if pCfg.Name == "" {
		return errors.New("config: Peer: Name is not set")
	}
	if _, err := NetAddress(pCfg.Address); err != nil {
		return fmt.Errorf("config: Peer %v: %v", pCfg.Name, err)
	}
	if pCfg.Listener == "" {
		pCfg.Listener = defaultListenerAddress
	}
	if _, err := route.Parse(pCfg.Listener); err != nil {
		return fmt.Errorf("config: Peer %v: Listener: %v", pCfg.Name, err)
	}
	return nil
}

// TCP is the TCP transport configuration.
type TCP struct {
	// Disable disables the listener.
	Disable bool

	// Address is the listener address, a host:port pair or a TCP
	// multiaddr.
	Address string

	// ConnectTimeout is the outgoing connection timeout in milliseconds.
	ConnectTimeout int

	// ConnectAttempts is the number of times a peer is dialed before it is
	// given up on.
	ConnectAttempts int

	// Peers are the nodes to connect to at startup.
	Peers []*Peer
}

func (tCfg *TCP) applyDefaults() {
	if tCfg.Address == "" {
		tCfg.Address = defaultListenAddress
	}
	if tCfg.ConnectTimeout <= 0 {
		tCfg.ConnectTimeout = defaultConnectTimeout
	}
	if tCfg.ConnectAttempts <= 0 {
		tCfg.ConnectAttempts = defaultConnectAttempts
	}
}

func (tCfg *TCP) validate() error {
	addr, err := NetAddress(tCfg.Address)
	if err != nil {
		return fmt.Errorf("config: TCP: Address: %v", err)
	}
	tCfg.Address = addr
	seen := make(map[string]bool)
	for _, p := range tCfg.Peers {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("config: TCP: duplicate peer '%v'", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// ConnectTimeoutDuration returns ConnectTimeout as a time.Duration.
func (tCfg *TCP) ConnectTimeoutDuration() time.Duration {
	return time.Duration(tCfg.ConnectTimeout) * time.Millisecond
}

// Forwarding is the forwarding service configuration.
type Forwarding struct {
	// Disable disables the forwarding service.
	Disable bool

	// Address is the worker address of the service.
	Address string

	// RegistrationRate is the sustained number of registrations accepted
	// per second, RegistrationBurst the bucket size.
	RegistrationRate  float64
	RegistrationBurst int
}

func (fCfg *Forwarding) applyDefaults() {
	if fCfg.Address == "" {
		fCfg.Address = defaultForwardingAddress
	}
	if fCfg.RegistrationRate <= 0 {
		fCfg.RegistrationRate = defaultRegistrationRate
	}
	if fCfg.RegistrationBurst <= 0 {
		fCfg.RegistrationBurst = defaultRegistrationBurst
	}
}

// SecureChannel is the secure channel listener configuration.
type SecureChannel struct {
	// ListenerAddress is the worker address of the listener.
	ListenerAddress string

	// TrustContext names a stored trust context profile initiators must
	// satisfy.  Empty accepts every verified identity.
	TrustContext string

	// HandshakeTimeout is the handshake timeout in milliseconds.
	HandshakeTimeout int

	// IdentityService is the worker address of the identity service.  It
	// signs with the node's keys and is only reachable locally.
	IdentityService string
}

func (sCfg *SecureChannel) applyDefaults() {
	if sCfg.ListenerAddress == "" {
		sCfg.ListenerAddress = defaultListenerAddress
	}
	if sCfg.HandshakeTimeout <= 0 {
		sCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if sCfg.IdentityService == "" {
		sCfg.IdentityService = defaultIdentityServiceRoute
	}
}

// HandshakeTimeoutDuration returns HandshakeTimeout as a time.Duration.
func (sCfg *SecureChannel) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(sCfg.HandshakeTimeout) * time.Millisecond
}

// Metrics is the prometheus endpoint configuration.
type Metrics struct {
	// Address is the host:port to serve /metrics on.  Empty disables it.
	Address string
}

// Config is the top level node configuration.
type Config struct {
	Node          *Node
	Logging       *Logging
	TCP           *TCP
	Forwarding    *Forwarding
	SecureChannel *SecureChannel
	Metrics       *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.TCP == nil {
		cfg.TCP = &TCP{}
	}
	if cfg.Forwarding == nil {
		cfg.Forwarding = &Forwarding{}
	}
	if cfg.SecureChannel == nil {
		cfg.SecureChannel = &SecureChannel{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	cfg.Node.applyDefaults()
	cfg.TCP.applyDefaults()
	cfg.Forwarding.applyDefaults()
	cfg.SecureChannel.applyDefaults()

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.TCP.validate(); err != nil {
		return err
	}
	if cfg.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Address); err != nil {
			return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", cfg.Metrics.Address, err)
		}
	}

	var err error
	cfg.Node.Name, err = idna.Lookup.ToASCII(cfg.Node.Name)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Name: %v", err)
	}
	return nil
}

// NetAddress returns the host:port form of addr, which may be given as a
// host:port pair or as a TCP multiaddr such as /ip4/127.0.0.1/tcp/4000.
func NetAddress(addr string) (string, error) {
	if !strings.HasPrefix(addr, "/") {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", fmt.Errorf("invalid address '%v': %v", addr, err)
		}
		return addr, nil
	}
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("invalid multiaddr '%v': %v", addr, err)
	}
	if a, err := manet.ToNetAddr(m); err == nil {
		if _, ok := a.(*net.TCPAddr); !ok {
			return "", fmt.Errorf("multiaddr '%v' is not a TCP address", addr)
		}
		return a.String(), nil
	}
	port, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", fmt.Errorf("multiaddr '%v' has no TCP port", addr)
	}
	for _, p := range []int{ma.P_DNS, ma.P_DNS4, ma.P_DNS6} {
		if host, err := m.ValueForProtocol(p); err == nil {
			return net.JoinHostPort(host, port), nil
		}
	}
	return "", fmt.Errorf("multiaddr '%v' has no host", addr)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
