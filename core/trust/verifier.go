// verifier.go - Credential verification.
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

package trust

import (
	"sort"
	"time"

	"github.com/katzenpost/trustroute/core/identity"
)

type authorityEntry struct {
	id  identity.Identifier
	raw []byte
}

// AuthoritySet maps authority identifiers to serialized authority
// identities, remembering insertion order.
type AuthoritySet struct {
	entries []authorityEntry
	index   map[identity.Identifier]int
}

// NewAuthoritySet returns an empty set.
func NewAuthoritySet() *AuthoritySet {
	return &AuthoritySet{index: make(map[identity.Identifier]int)}
}

// AuthoritySetFromMap builds a set from a wire level map, ordered by
// identifier.
func AuthoritySetFromMap(m map[string][]byte) (*AuthoritySet, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	set := NewAuthoritySet()
	for _, k := range keys {
		id, err := identity.ParseIdentifier(k)
		if err != nil {
			return nil, err
		}
		set.Add(id, m[k])
	}
	return set, nil
}

// Add inserts or replaces the identity bytes for id.  Replacing keeps the
// original position.
func (s *AuthoritySet) Add(id identity.Identifier, raw []byte) {
	if i, ok := s.index[id]; ok {
		s.entries[i].raw = raw
		return
	}
	s.index[id] = len(s.entries)
	s.entries = append(s.entries, authorityEntry{id: id, raw: raw})
}

// AddIdentity inserts an identity.
func (s *AuthoritySet) AddIdentity(i *identity.Identity) error {
	raw, err := i.Export()
	if err != nil {
		return err
	}
	s.Add(i.Identifier(), raw)
	return nil
}

// Len returns the number of authorities.
func (s *AuthoritySet) Len() int {
	return len(s.entries)
}

// Map returns the wire level representation of the set.
func (s *AuthoritySet) Map() map[string][]byte {
	m := make(map[string][]byte, len(s.entries))
	for _, e := range s.entries {
		m[e.id.String()] = e.raw
	}
	return m
}

// Verifier verifies credentials against a set of authorities.  It holds
// no state besides its clock.
type Verifier struct {
	now func() time.Time
}

// NewVerifier returns a verifier using the system clock.
func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// NewVerifierWithClock returns a verifier using now as its clock.
func NewVerifierWithClock(now func() time.Time) *Verifier {
	return &Verifier{now: now}
}

// VerifyCredential checks that cred was issued to subject by one of the
// authorities, and has not expired.  Authorities are tried in insertion
// order; the first one whose identifier matches the issuer and whose key
// verifies the signature wins.
func (v *Verifier) VerifyCredential(cred *identity.Credential, subject identity.Identifier, authorities *AuthoritySet) (identity.Attributes, identity.Timestamp, error) {
	data, err := cred.Decode()
	if err != nil {
		return nil, 0, err
	}
	if !data.Subject.Equal(subject) {
		return nil, 0, identity.Errorf(identity.CredentialVerificationFailed, "credential subject %s is not %s", data.Subject, subject)
	}
	if data.ExpiresAt == 0 {
		return nil, 0, identity.Errorf(identity.UnknownTimestamp, "credential has no expiry")
	}
	if now := identity.TimestampFrom(v.now()); data.ExpiresAt <= now {
		return nil, 0, identity.Errorf(identity.CredentialVerificationFailed, "credential expired at %d", data.ExpiresAt)
	}

	matched := false
	for _, e := range authorities.entries {
		if !e.id.Equal(data.Issuer) {
			continue
		}
		matched = true
		id := e.id
		authority, err := identity.ImportIdentity(&id, e.raw)
		if err != nil {
			continue
		}
		if authority.VerifySignature(cred.Signature, cred.Data) {
			return data.Attributes.Clone(), data.ExpiresAt, nil
		}
	}
	if !matched {
		return nil, 0, identity.Errorf(identity.UnknownAuthority, "issuer %s is not a trusted authority", data.Issuer)
	}
	return nil, 0, identity.Errorf(identity.CredentialVerificationFailed, "invalid signature from %s", data.Issuer)
}

// VerifyAny verifies creds in order and returns the first success.
func (v *Verifier) VerifyAny(creds []*identity.Credential, subject identity.Identifier, authorities *AuthoritySet) (identity.Attributes, identity.Timestamp, error) {
	if len(creds) == 0 {
		return nil, 0, identity.Errorf(identity.CredentialVerificationFailed, "no credentials presented")
	}
	var lastErr error
	for _, c := range creds {
		attrs, exp, err := v.VerifyCredential(c, subject, authorities)
		if err == nil {
			return attrs, exp, nil
		}
		lastErr = err
	}
	return nil, 0, lastErr
}
