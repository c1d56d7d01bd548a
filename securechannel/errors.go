// errors.go - Secure channel errors.
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
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/route"
)

// HandshakeError describes a failed handshake attempt.  errors.Is and
// errors.As see through it to the identity.Error kind of the cause.
type HandshakeError struct {
	State       State
	Message     string
	Err         error
	IsInitiator bool
	Peer        route.Route
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "securechannel: handshake failed in %s", e.State)
	if e.IsInitiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}
	if len(e.Peer) > 0 {
		fmt.Fprintf(&b, " with %s", e.Peer)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Kind returns the identity error kind of the failure, if there is one.
func (e *HandshakeError) Kind() (identity.ErrorKind, bool) {
	return identity.KindOf(e.Err)
}

// IsHandshakeError reports whether err is a HandshakeError.
func IsHandshakeError(err error) bool {
	var e *HandshakeError
	return errors.As(err, &e)
}
