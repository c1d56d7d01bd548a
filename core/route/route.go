// route.go - Routes and addresses.
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

// Package route implements the ordered hop lists messages travel along.
package route

import (
	"errors"
	"strings"
)

const separator = " => "

// ErrEmptyHop is returned when a route contains an empty address.
var ErrEmptyHop = errors.New("route: empty hop")

// Address names one hop within a node: a worker, a transport connection,
// a secure channel or a forwarder.
type Address string

// Route is an ordered sequence of hops.
type Route []Address

// New returns a route made of the given hops.
func New(hops ...Address) Route {
	r := make(Route, len(hops))
	copy(r, hops)
	return r
}

// Parse parses the "a => b => c" text form of a route.
func Parse(s string) (Route, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Route{}, nil
	}
	parts := strings.Split(s, "=>")
	r := make(Route, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, ErrEmptyHop
		}
		r = append(r, Address(p))
	}
	return r, nil
}

// Next returns the first hop and the remainder of the route.  ok is false
// for an empty route.
func (r Route) Next() (next Address, rest Route, ok bool) {
	if len(r) == 0 {
		return "", nil, false
	}
	return r[0], New(r[1:]...), true
}

// Prepend returns a new route with hops placed in front of r.
func (r Route) Prepend(hops ...Address) Route {
	out := make(Route, 0, len(hops)+len(r))
	out = append(out, hops...)
	return append(out, r...)
}

// Append returns a new route with hops placed after r.
func (r Route) Append(hops ...Address) Route {
	out := make(Route, 0, len(hops)+len(r))
	out = append(out, r...)
	return append(out, hops...)
}

// Concat returns a new route made of r followed by other.
func (r Route) Concat(other Route) Route {
	return r.Append(other...)
}

// Equal returns true iff both routes contain the same hops.
func (r Route) Equal(other Route) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

// Validate returns an error if any hop is empty.
func (r Route) Validate() error {
	for _, a := range r {
		if a == "" {
			return ErrEmptyHop
		}
	}
	return nil
}

func (r Route) String() string {
	s := make([]string, len(r))
	for i, a := range r {
		s[i] = string(a)
	}
	return strings.Join(s, separator)
}
