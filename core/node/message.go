// message.go - Routed messages and access control.
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
	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/route"
)

// LocalMessage is a message as it is routed between the workers of a node.
type LocalMessage struct {
	// OnwardRoute is the remaining route, starting with the destination.
	OnwardRoute route.Route

	// ReturnRoute is the route a reply should take.
	ReturnRoute route.Route

	// Payload is the opaque message body.
	Payload []byte

	// FlowControlID is the flow control tag of the producer that emitted
	// the message, empty for messages from flows without flow control.
	FlowControlID flowcontrol.ID
}

// Destination returns the first hop of the onward route.
func (m *LocalMessage) Destination() route.Address {
	next, _, _ := m.OnwardRoute.Next()
	return next
}

// Source returns the first hop of the return route.
func (m *LocalMessage) Source() route.Address {
	next, _, _ := m.ReturnRoute.Next()
	return next
}

// Clone returns a deep copy of m.
func (m *LocalMessage) Clone() *LocalMessage {
	return &LocalMessage{
		OnwardRoute:   route.New(m.OnwardRoute...),
		ReturnRoute:   route.New(m.ReturnRoute...),
		Payload:       append([]byte(nil), m.Payload...),
		FlowControlID: m.FlowControlID,
	}
}

// AccessControl decides whether a message may pass a worker boundary.
type AccessControl interface {
	IsAuthorized(msg *LocalMessage) bool
}

// AllowAll authorizes every message.
type AllowAll struct{}

// IsAuthorized implements AccessControl.
func (AllowAll) IsAuthorized(*LocalMessage) bool { return true }

// DenyAll authorizes nothing.
type DenyAll struct{}

// IsAuthorized implements AccessControl.
func (DenyAll) IsAuthorized(*LocalMessage) bool { return false }

// AllowSources authorizes messages whose return route starts with one of
// the listed addresses.
type AllowSources []route.Address

// IsAuthorized implements AccessControl.
func (a AllowSources) IsAuthorized(msg *LocalMessage) bool {
	src := msg.Source()
	for _, s := range a {
		if s == src {
			return true
		}
	}
	return false
}
