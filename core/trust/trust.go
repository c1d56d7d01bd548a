// trust.go - Trust contexts.
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

// Package trust implements trust contexts, which name the authorities
// whose credentials a node accepts, and the credential verifier.
package trust

import (
	"context"
	"errors"
	"sync"

	"github.com/katzenpost/trustroute/core/identity"
)

// CredentialRetriever obtains a credential for a subject from an authority.
type CredentialRetriever interface {
	RetrieveCredential(ctx context.Context, subject *identity.Identity) (*identity.Credential, error)
}

// AuthorityService is a handle on an authority: its identity, and
// optionally a way to obtain credentials from it.
type AuthorityService struct {
	identity  *identity.Identity
	retriever CredentialRetriever
}

// NewAuthorityService returns a handle on the authority with identity id.
// retriever may be nil.
func NewAuthorityService(id *identity.Identity, retriever CredentialRetriever) *AuthorityService {
	return &AuthorityService{identity: id, retriever: retriever}
}

// Identity returns the authority's identity.
func (a *AuthorityService) Identity() *identity.Identity {
	return a.identity
}

// Credential obtains a credential about subject from the authority.
func (a *AuthorityService) Credential(ctx context.Context, subject *identity.Identity) (*identity.Credential, error) {
	if a.retriever == nil {
		return nil, errors.New("trust: authority has no credential retriever")
	}
	return a.retriever.RetrieveCredential(ctx, subject)
}

// Context binds an authority and additionally trusted authority identities
// to a named scope.
type Context struct {
	sync.RWMutex

	id        string
	authority *AuthorityService
	trusted   []*identity.Identity
}

// New returns a trust context.  authority may be nil.
func New(id string, authority *AuthorityService, trusted ...*identity.Identity) *Context {
	return &Context{
		id:        id,
		authority: authority,
		trusted:   append([]*identity.Identity(nil), trusted...),
	}
}

// ID returns the trust context id.
func (c *Context) ID() string {
	return c.id
}

// Authority returns the configured authority, failing with
// UnknownAuthority when there is none.
func (c *Context) Authority() (*AuthorityService, error) {
	c.RLock()
	defer c.RUnlock()
	if c.authority == nil {
		return nil, identity.Errorf(identity.UnknownAuthority, "trust context %q has no authority", c.id)
	}
	return c.authority, nil
}

// Authorities returns the trusted identities followed by the authority's
// identity, without duplicates.
func (c *Context) Authorities() []*identity.Identity {
	c.RLock()
	defer c.RUnlock()
	out := make([]*identity.Identity, 0, len(c.trusted)+1)
	seen := make(map[identity.Identifier]bool, len(c.trusted)+1)
	add := func(i *identity.Identity) {
		if !seen[i.Identifier()] {
			seen[i.Identifier()] = true
			out = append(out, i)
		}
	}
	for _, i := range c.trusted {
		add(i)
	}
	if c.authority != nil {
		add(c.authority.Identity())
	}
	return out
}

// AddTrustedAuthority adds an authority identity.  Verifications started
// after it returns take it into account.
func (c *Context) AddTrustedAuthority(i *identity.Identity) {
	c.Lock()
	defer c.Unlock()
	c.trusted = append(c.trusted, i)
}

// AuthoritySet returns the authorities as an ordered verifier input.
func (c *Context) AuthoritySet() (*AuthoritySet, error) {
	set := NewAuthoritySet()
	for _, a := range c.Authorities() {
		if err := set.AddIdentity(a); err != nil {
			return nil, err
		}
	}
	return set, nil
}
