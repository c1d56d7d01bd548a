// options.go - Secure channel options and trust policies.
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
	"time"

	"github.com/katzenpost/trustroute/core/flowcontrol"
	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/trust"
)

// DefaultTimeout bounds a handshake when no timeout is given.
const DefaultTimeout = 10 * time.Second

// TrustPolicy decides whether a verified remote identity may complete a
// handshake.
type TrustPolicy interface {
	Check(remote identity.Identifier) bool
}

// TrustEveryone accepts any identity that verified.
type TrustEveryone struct{}

// Check implements TrustPolicy.
func (TrustEveryone) Check(identity.Identifier) bool { return true }

// TrustIdentifier accepts exactly one identity.
type TrustIdentifier identity.Identifier

// Check implements TrustPolicy.
func (t TrustIdentifier) Check(remote identity.Identifier) bool {
	return identity.Identifier(t).Equal(remote)
}

// TrustMultiIdentifiers accepts any of a fixed set of identities.
type TrustMultiIdentifiers []identity.Identifier

// Check implements TrustPolicy.
func (t TrustMultiIdentifiers) Check(remote identity.Identifier) bool {
	for _, id := range t {
		if id.Equal(remote) {
			return true
		}
	}
	return false
}

// Options configures the initiator of a secure channel.
type Options struct {
	// FlowControlID is used for the channel's flow instead of a freshly
	// generated id.
	FlowControlID flowcontrol.ID

	// TrustContext, if set, requires the responder to present a
	// credential issued by one of its authorities.
	TrustContext *trust.Context

	// Credentials are presented to the responder.  When empty and the
	// TrustContext has an authority, a credential is requested from it.
	Credentials []*identity.Credential

	// TrustPolicy defaults to TrustEveryone.
	TrustPolicy TrustPolicy

	// Timeout bounds the whole handshake.
	Timeout time.Duration
}

func (o *Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Consumer is a flow control registration inherited by every decryptor a
// listener spawns.
type Consumer struct {
	ID     flowcontrol.ID
	Policy flowcontrol.Policy
}

// ListenerOptions configures a secure channel listener.
type ListenerOptions struct {
	// SpawnerID is recorded as the spawner of every channel accepted by
	// the listener.  A fresh id is generated if empty.
	SpawnerID flowcontrol.ID

	// Consumers lists the flows handshake messages may arrive over.  The
	// listener and each decryptor it spawns consume them.
	Consumers []Consumer

	TrustContext *trust.Context
	Credentials  []*identity.Credential
	TrustPolicy  TrustPolicy

	// Timeout bounds each accepted handshake.
	Timeout time.Duration
}

func (o *ListenerOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func policyOrDefault(p TrustPolicy) TrustPolicy {
	if p == nil {
		return TrustEveryone{}
	}
	return p
}
