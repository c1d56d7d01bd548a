// state.go - Secure channel handshake state machine.
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
	"fmt"
	"sync"

	"github.com/katzenpost/trustroute/core/identity"
)

// State is the state of a secure channel handshake.
type State uint8

const (
	Initiated State = iota
	KeyExchangeInProgress
	IdentityExchanged
	CredentialsVerified
	Established
	Failed
)

func (s State) String() string {
	switch s {
	case Initiated:
		return "Initiated"
	case KeyExchangeInProgress:
		return "KeyExchangeInProgress"
	case IdentityExchanged:
		return "IdentityExchanged"
	case CredentialsVerified:
		return "CredentialsVerified"
	case Established:
		return "Established"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("[Unknown State: %d]", s)
	}
}

// Failed is reachable from every state but itself and is handled
// separately.
var transitions = map[State]State{
	Initiated:             KeyExchangeInProgress,
	KeyExchangeInProgress: IdentityExchanged,
	IdentityExchanged:     CredentialsVerified,
	CredentialsVerified:   Established,
}

type machine struct {
	sync.Mutex

	state State
}

func (m *machine) current() State {
	m.Lock()
	defer m.Unlock()
	return m.state
}

func (m *machine) advance(to State) error {
	m.Lock()
	defer m.Unlock()
	if to == Established {
		return identity.Errorf(identity.ConsistencyError, "Established is only reachable through establish")
	}
	return m.advanceLocked(to)
}

func (m *machine) advanceLocked(to State) error {
	if next, ok := transitions[m.state]; !ok || next != to {
		return identity.Errorf(identity.ConsistencyError, "illegal transition %v -> %v", m.state, to)
	}
	m.state = to
	return nil
}

// establish moves the machine to Established and only then runs register.
// Flow control registration is never performed from anywhere else.
func (m *machine) establish(register func()) error {
	m.Lock()
	defer m.Unlock()
	if err := m.advanceLocked(Established); err != nil {
		return err
	}
	register()
	return nil
}

// fail moves the machine to Failed, returning the state it failed in.
func (m *machine) fail() State {
	m.Lock()
	defer m.Unlock()
	prev := m.state
	m.state = Failed
	return prev
}
