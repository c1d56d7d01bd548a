// identifier.go - Identity identifiers.
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

package identity

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// IdentifierSize is the size of an identifier in bytes.
const IdentifierSize = 20

const identifierPrefix = "I"

// Identifier is the stable name of an identity, derived from the hash of
// its first change.
type Identifier [IdentifierSize]byte

func identifierFromChange(changeData []byte) Identifier {
	h := blake2b.Sum256(changeData)
	var id Identifier
	copy(id[:], h[:IdentifierSize])
	return id
}

// ParseIdentifier parses the "I<hex>" text form of an identifier.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	if !strings.HasPrefix(s, identifierPrefix) {
		return id, Errorf(InvalidIdentifier, "missing %q prefix", identifierPrefix)
	}
	raw, err := hex.DecodeString(s[len(identifierPrefix):])
	if err != nil {
		return id, NewError(InvalidIdentifier, err)
	}
	if len(raw) != IdentifierSize {
		return id, Errorf(InvalidIdentifier, "must be %d bytes, got %d", IdentifierSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// IdentifierFromBytes copies b into an identifier.
func IdentifierFromBytes(b []byte) (Identifier, error) {
	var id Identifier
	if len(b) != IdentifierSize {
		return id, Errorf(InvalidIdentifier, "must be %d bytes, got %d", IdentifierSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Equal compares identifiers in constant time.
func (id Identifier) Equal(other Identifier) bool {
	return subtle.ConstantTimeCompare(id[:], other[:]) == 1
}

// IsZero returns true for the all zero identifier.
func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

func (id Identifier) String() string {
	return identifierPrefix + hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identifier) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentifier(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
