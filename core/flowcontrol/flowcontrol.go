// flowcontrol.go - Flow control registry.
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

// Package flowcontrol tracks which flows (transport connections, secure
// channels) may deliver messages to which local endpoints.
package flowcontrol

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/katzenpost/trustroute/core/route"
)

// ID names one logical flow, or a spawner of flows.
type ID string

// IsZero returns true for the empty id, carried by untagged messages.
func (id ID) IsZero() bool {
	return id == ""
}

// Policy governs which messages a consumer registration authorizes.
type Policy uint8

const (
	// ProducerAllowMultiple authorizes every message emitted by the producer
	// that owns the id.
	ProducerAllowMultiple Policy = iota + 1

	// SpawnerAllowMultipleMessages authorizes every message emitted by any
	// producer spawned under the id.
	SpawnerAllowMultipleMessages
)

func (p Policy) String() string {
	switch p {
	case ProducerAllowMultiple:
		return "ProducerAllowMultiple"
	case SpawnerAllowMultipleMessages:
		return "SpawnerAllowMultipleMessages"
	default:
		return fmt.Sprintf("[Unknown policy: %d]", p)
	}
}

// ProducerInfo describes a registered producer.
type ProducerInfo struct {
	ID      ID
	Spawner ID
	Address route.Address
	Aliases []route.Address
}

// Registry is the flow control table of one node.  It is safe for
// concurrent use, and every registration is visible to all delivery checks
// that start after it returns.
type Registry struct {
	sync.RWMutex

	consumers   map[ID]map[route.Address]Policy
	producers   map[ID]*ProducerInfo
	byAddress   map[route.Address]*ProducerInfo
	spawners    map[ID]route.Address
	spawnerAddr map[route.Address]ID

	watchers  map[ID]map[uint64]func()
	nextWatch uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		consumers:   make(map[ID]map[route.Address]Policy),
		producers:   make(map[ID]*ProducerInfo),
		byAddress:   make(map[route.Address]*ProducerInfo),
		spawners:    make(map[ID]route.Address),
		spawnerAddr: make(map[route.Address]ID),
		watchers:    make(map[ID]map[uint64]func()),
	}
}

// GenerateID returns a fresh flow control id.
func (r *Registry) GenerateID() ID {
	return ID("fc-" + uuid.NewString())
}

// AddConsumer authorizes address to receive messages tagged with id under
// policy.  Registering the same (address, id) again replaces the policy.
func (r *Registry) AddConsumer(address route.Address, id ID, policy Policy) {
	if id.IsZero() {
		return
	}
	r.Lock()
	defer r.Unlock()
	m, ok := r.consumers[id]
	if !ok {
		m = make(map[route.Address]Policy)
		r.consumers[id] = m
	}
	m[address] = policy
}

// ConsumerPolicy returns the policy address was registered with for id.
func (r *Registry) ConsumerPolicy(address route.Address, id ID) (Policy, bool) {
	r.RLock()
	defer r.RUnlock()
	p, ok := r.consumers[id][address]
	return p, ok
}

// AddProducer records that the flow at address emits messages tagged with
// id.  spawner is the id of the spawner that created the flow, or empty.
// aliases are further addresses (e.g. the outgoing side of the same flow)
// that resolve to this producer in FindProducer.
func (r *Registry) AddProducer(address route.Address, id, spawner ID, aliases ...route.Address) {
	info := &ProducerInfo{
		ID:      id,
		Spawner: spawner,
		Address: address,
		Aliases: append([]route.Address(nil), aliases...),
	}
	r.Lock()
	defer r.Unlock()
	r.producers[id] = info
	r.byAddress[address] = info
	for _, a := range aliases {
		r.byAddress[a] = info
	}
}

// AddSpawner records that the listener at address spawns flows under id.
func (r *Registry) AddSpawner(address route.Address, id ID) {
	r.Lock()
	defer r.Unlock()
	r.spawners[id] = address
	r.spawnerAddr[address] = id
}

// FindProducer returns the producer registered at, or aliased to, address.
func (r *Registry) FindProducer(address route.Address) (ProducerInfo, bool) {
	r.RLock()
	defer r.RUnlock()
	info, ok := r.byAddress[address]
	if !ok {
		return ProducerInfo{}, false
	}
	return *info, true
}

// FindSpawner returns the spawner id registered for address.
func (r *Registry) FindSpawner(address route.Address) (ID, bool) {
	r.RLock()
	defer r.RUnlock()
	id, ok := r.spawnerAddr[address]
	return id, ok
}

// IsAllowed is the delivery check: it reports whether a message tagged
// with tag may be delivered to destination.  Untagged messages come from
// flows without flow control and are always allowed.
func (r *Registry) IsAllowed(tag ID, destination route.Address) bool {
	if tag.IsZero() {
		return true
	}

	r.RLock()
	defer r.RUnlock()
	if p, ok := r.consumers[tag][destination]; ok && p == ProducerAllowMultiple {
		return true
	}
	info, ok := r.producers[tag]
	if !ok || info.Spawner.IsZero() {
		return false
	}
	p, ok := r.consumers[info.Spawner][destination]
	return ok && p == SpawnerAllowMultipleMessages
}

// RemoveProducer retires the producer owning id, along with its aliases
// and every consumer registration made against id, then runs the watches
// set on it.
func (r *Registry) RemoveProducer(id ID) {
	r.Lock()
	info, ok := r.producers[id]
	if !ok {
		r.Unlock()
		return
	}
	delete(r.producers, id)
	delete(r.consumers, id)
	if r.byAddress[info.Address] == info {
		delete(r.byAddress, info.Address)
	}
	for _, a := range info.Aliases {
		if r.byAddress[a] == info {
			delete(r.byAddress, a)
		}
	}
	watches := r.watchers[id]
	delete(r.watchers, id)
	r.Unlock()

	for _, fn := range watches {
		go fn()
	}
}

// WatchProducer arranges for fn to run, on its own goroutine, once the
// producer owning id is retired.  If id has no producer fn runs right
// away.  The returned function cancels the watch.
func (r *Registry) WatchProducer(id ID, fn func()) (cancel func()) {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.producers[id]; !ok {
		go fn()
		return func() {}
	}
	r.nextWatch++
	key := r.nextWatch
	m, ok := r.watchers[id]
	if !ok {
		m = make(map[uint64]func())
		r.watchers[id] = m
	}
	m[key] = fn
	return func() {
		r.Lock()
		defer r.Unlock()
		if m, ok := r.watchers[id]; ok {
			delete(m, key)
			if len(m) == 0 {
				delete(r.watchers, id)
			}
		}
	}
}

// RemoveConsumer drops every consumer registration held by address.
func (r *Registry) RemoveConsumer(address route.Address) {
	r.Lock()
	defer r.Unlock()
	for id, m := range r.consumers {
		delete(m, address)
		if len(m) == 0 {
			delete(r.consumers, id)
		}
	}
}

// RemoveSpawner retires the spawner owning id.
func (r *Registry) RemoveSpawner(id ID) {
	r.Lock()
	defer r.Unlock()
	if a, ok := r.spawners[id]; ok {
		delete(r.spawnerAddr, a)
	}
	delete(r.spawners, id)
	delete(r.consumers, id)
}
