// service.go - Forwarding service.
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

// Package forwarding implements the relay: a forwarding service that hands
// out forwarding addresses, and the remote side that registers with it.
//
// A forwarder replaces its own hop with the registrant's return route and
// passes the message on without inspecting it.  Authorization happens at
// the destination, whose flow control check sees the tag of the flow the
// message arrives over.
package forwarding

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/text/secure/precis"
	"golang.org/x/time/rate"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/internal/instrument"
)

const (
	// DefaultServiceAddress is the conventional forwarding service address.
	DefaultServiceAddress route.Address = "forwarding_service"

	// StaticPrefix prefixes forwarding addresses requested by name.
	StaticPrefix = "forward_to_"

	generatedPrefix = "fwd_"
)

var (
	// ErrDuplicateAlias is returned when a static forwarding address is
	// already taken.
	ErrDuplicateAlias = errors.New("forwarding: alias already registered")

	// ErrRateLimited is returned when registrations arrive too fast.
	ErrRateLimited = errors.New("forwarding: registration rate exceeded")
)

type registrationRequest struct {
	Alias string `cbor:"1,keyasint,omitempty"`
}

type registrationResponse struct {
	Address route.Address `cbor:"1,keyasint,omitempty"`
	Error   string        `cbor:"2,keyasint,omitempty"`
}

type consumerRegistration struct {
	id     flowcontrol.ID
	policy flowcontrol.Policy
}

type serviceOptions struct {
	serviceConsumers   []consumerRegistration
	forwarderConsumers []consumerRegistration
	limit              rate.Limit
	burst              int
}

// ServiceOption configures a forwarding service.
type ServiceOption func(*serviceOptions)

// ServiceAsConsumer registers the service as a consumer of id, so that
// registrations arriving over that flow are accepted.
func ServiceAsConsumer(id flowcontrol.ID, policy flowcontrol.Policy) ServiceOption {
	return func(o *serviceOptions) {
		o.serviceConsumers = append(o.serviceConsumers, consumerRegistration{id, policy})
	}
}

// ForwarderAsConsumer registers every forwarder as a consumer of id, so
// that messages arriving over that flow reach the forwarders.
func ForwarderAsConsumer(id flowcontrol.ID, policy flowcontrol.Policy) ServiceOption {
	return func(o *serviceOptions) {
		o.forwarderConsumers = append(o.forwarderConsumers, consumerRegistration{id, policy})
	}
}

// RegistrationLimit bounds how fast registrations are accepted.
func RegistrationLimit(limit rate.Limit, burst int) ServiceOption {
	return func(o *serviceOptions) {
		o.limit = limit
		o.burst = burst
	}
}

// Service is the forwarding service of a relay node.
type Service struct {
	sync.Mutex

	n       *node.Node
	ctx     *node.Context
	log     *logging.Logger
	address route.Address

	outbound node.AccessControl
	opts     serviceOptions
	limiter  *rate.Limiter

	forwarders map[route.Address]*forwarder
}

// CreateService starts a forwarding service at address.  inbound is applied
// to registrations, outbound to every message a forwarder emits.
func CreateService(n *node.Node, address route.Address, inbound, outbound node.AccessControl, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		n:          n,
		log:        n.LogBackend().GetLogger("forwarding:" + n.Name()),
		address:    address,
		outbound:   outbound,
		opts:       serviceOptions{limit: rate.Inf},
		forwarders: make(map[route.Address]*forwarder),
	}
	for _, o := range opts {
		o(&s.opts)
	}
	s.limiter = rate.NewLimiter(s.opts.limit, s.opts.burst)

	for _, c := range s.opts.serviceConsumers {
		n.FlowControls().AddConsumer(address, c.id, c.policy)
	}
	ctx, err := n.StartWorker(address, node.HandlerFunc(s.onRegistration), &node.Options{Incoming: inbound})
	if err != nil {
		return nil, fmt.Errorf("forwarding: failed to start service: %w", err)
	}
	s.ctx = ctx
	s.log.Noticef("Forwarding service started at %s", address)
	return s, nil
}

// Address returns the service address.
func (s *Service) Address() route.Address {
	return s.address
}

// Forwarders returns the addresses of the live forwarders.
func (s *Service) Forwarders() []route.Address {
	s.Lock()
	defer s.Unlock()
	out := make([]route.Address, 0, len(s.forwarders))
	for a := range s.forwarders {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stop stops the service and every forwarder it created.
func (s *Service) Stop() {
	s.Lock()
	fwds := s.forwarders
	s.forwarders = make(map[route.Address]*forwarder)
	s.Unlock()
	for a, f := range fwds {
		f.unwatch()
		s.n.StopWorker(a)
	}
	s.ctx.Stop()
}

func (s *Service) onRegistration(ctx *node.Context, msg *node.LocalMessage) error {
	var req registrationRequest
	if err := cbor.Unmarshal(msg.Payload, &req); err != nil {
		instrument.ForwarderRegistrationRejected()
		return fmt.Errorf("forwarding: malformed registration from %s: %w", msg.ReturnRoute, err)
	}

	resp := new(registrationResponse)
	address, err := s.register(&req, msg.ReturnRoute)
	if err != nil {
		instrument.ForwarderRegistrationRejected()
		s.log.Warningf("Rejected registration from %s: %v", msg.ReturnRoute, err)
		resp.Error = err.Error()
	} else {
		instrument.ForwarderRegistered()
		s.log.Infof("Forwarder %s registered for %s", address, msg.ReturnRoute)
		resp.Address = address
	}

	raw, err := cbor.Marshal(resp)
	if err != nil {
		return err
	}
	return ctx.Send(msg.ReturnRoute, raw)
}

func (s *Service) register(req *registrationRequest, routeBack route.Route) (route.Address, error) {
	if len(routeBack) == 0 {
		return "", errors.New("forwarding: registration has no return route")
	}
	if !s.limiter.Allow() {
		return "", ErrRateLimited
	}

	var address route.Address
	if req.Alias != "" {
		alias, err := precis.UsernameCaseMapped.String(req.Alias)
		if err != nil {
			return "", fmt.Errorf("forwarding: invalid alias %q: %w", req.Alias, err)
		}
		address = route.Address(StaticPrefix + alias)
	} else {
		address = node.RandomAddress(generatedPrefix)
	}

	s.Lock()
	defer s.Unlock()
	if _, ok := s.forwarders[address]; ok {
		return "", ErrDuplicateAlias
	}
	f := &forwarder{
		s:         s,
		address:   address,
		routeBack: route.New(routeBack...),
		unwatch:   func() {},
	}
	if _, err := s.n.StartWorker(address, f, &node.Options{Outgoing: s.outbound}); err != nil {
		return "", err
	}
	fc := s.n.FlowControls()
	for _, c := range s.opts.forwarderConsumers {
		fc.AddConsumer(address, c.id, c.policy)
	}
	// The forwarder lives as long as the flow it was registered over.
	if info, ok := fc.FindProducer(routeBack[0]); ok {
		f.unwatch = fc.WatchProducer(info.ID, func() {
			s.log.Debugf("Flow %s of forwarder %s retired", info.ID, address)
			s.removeForwarder(f)
		})
	}
	s.forwarders[address] = f
	return address, nil
}

func (s *Service) removeForwarder(f *forwarder) {
	s.Lock()
	ok := s.forwarders[f.address] == f
	if ok {
		delete(s.forwarders, f.address)
	}
	s.Unlock()
	if ok {
		f.unwatch()
		s.n.StopWorker(f.address)
		s.log.Infof("Forwarder %s removed", f.address)
	}
}

type forwarder struct {
	s         *Service
	address   route.Address
	routeBack route.Route
	unwatch   func()
}

// HandleMessage re-routes msg to the registrant.  The forwarded leg is
// untagged: the flow it continues on tags it again on arrival.
func (f *forwarder) HandleMessage(ctx *node.Context, msg *node.LocalMessage) error {
	_, rest, _ := msg.OnwardRoute.Next()
	err := ctx.Forward(&node.LocalMessage{
		OnwardRoute: f.routeBack.Concat(rest),
		ReturnRoute: msg.ReturnRoute,
		Payload:     msg.Payload,
	})
	if errors.Is(err, node.ErrUnknownAddress) {
		// The registrant's flow is gone.
		go f.s.removeForwarder(f)
	}
	return err
}
