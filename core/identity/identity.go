// identity.go - Identities and their change histories.
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

// Package identity implements long lived cryptographic identities: the
// hash chained, signed history of an identity's keys, the identifier
// derived from it, credentials and the typed errors shared by the trust
// and secure channel layers.
package identity

import (
	"bytes"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// ChangeVersion is the only supported change data version.
const ChangeVersion = 1

// Timestamp is a count of seconds since the unix epoch.
type Timestamp uint64

// Now returns the current timestamp.
func Now() Timestamp {
	return TimestampFrom(time.Now())
}

// TimestampFrom converts t to a Timestamp.
func TimestampFrom(t time.Time) Timestamp {
	return Timestamp(t.Unix())
}

// Time converts the timestamp to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0)
}

// ChangeData is the signed body of a change.
type ChangeData struct {
	Version          uint8     `cbor:"1,keyasint"`
	PreviousChange   []byte    `cbor:"2,keyasint,omitempty"`
	PrimaryPublicKey PublicKey `cbor:"3,keyasint"`
	CreatedAt        Timestamp `cbor:"4,keyasint"`
	ExpiresAt        Timestamp `cbor:"5,keyasint"`
}

// Change is one link of a change history.  Signature is made by the key
// the change introduces, PreviousSignature by the key it replaces.
type Change struct {
	Data              []byte `cbor:"1,keyasint"`
	Signature         []byte `cbor:"2,keyasint"`
	PreviousSignature []byte `cbor:"3,keyasint,omitempty"`
}

// Hash returns the hash that the next change links to.
func (c *Change) Hash() [32]byte {
	return blake2b.Sum256(c.Data)
}

func (c *Change) equal(other *Change) bool {
	return bytes.Equal(c.Data, other.Data) &&
		bytes.Equal(c.Signature, other.Signature) &&
		bytes.Equal(c.PreviousSignature, other.PreviousSignature)
}

// ChangeHistory is the ordered list of an identity's changes.
type ChangeHistory []Change

// Bytes serializes the change history.
func (h ChangeHistory) Bytes() ([]byte, error) {
	return cbor.Marshal(h)
}

// Identity is a verified change history.
type Identity struct {
	identifier Identifier
	history    ChangeHistory
	keys       []Ed25519PublicKey
	data       []ChangeData
}

// ImportIdentity decodes and verifies a serialized change history.  If
// expected is not nil, the derived identifier must match it.
func ImportIdentity(expected *Identifier, raw []byte) (*Identity, error) {
	var h ChangeHistory
	if err := cbor.Unmarshal(raw, &h); err != nil {
		return nil, NewError(IdentityVerificationFailed, err)
	}
	id, err := verifyChangeHistory(h)
	if err != nil {
		return nil, err
	}
	if expected != nil && !id.identifier.Equal(*expected) {
		return nil, Errorf(IdentityVerificationFailed, "identifier mismatch: expected %s, got %s", expected, id.identifier)
	}
	return id, nil
}

func verifyChangeHistory(h ChangeHistory) (*Identity, error) {
	if len(h) == 0 {
		return nil, ErrEmptyIdentity
	}
	id := &Identity{
		identifier: identifierFromChange(h[0].Data),
		history:    append(ChangeHistory(nil), h...),
		keys:       make([]Ed25519PublicKey, 0, len(h)),
		data:       make([]ChangeData, 0, len(h)),
	}
	for i := range h {
		c := &h[i]
		var data ChangeData
		if err := cbor.Unmarshal(c.Data, &data); err != nil {
			return nil, NewError(IdentityVerificationFailed, err)
		}
		if data.Version != ChangeVersion {
			return nil, Errorf(UnknownIdentityVersion, "change %d has version %d", i, data.Version)
		}
		if data.CreatedAt == 0 {
			return nil, Errorf(UnknownTimestamp, "change %d has no creation time", i)
		}
		key, err := Ed25519PublicKeyFrom(data.PrimaryPublicKey)
		if err != nil {
			return nil, err
		}
		if !key.Verify(c.Signature, c.Data) {
			return nil, Errorf(IdentityVerificationFailed, "change %d: invalid self signature", i)
		}

		if i == 0 {
			if len(data.PreviousChange) != 0 || len(c.PreviousSignature) != 0 {
				return nil, Errorf(IdentityVerificationFailed, "first change links to a previous change")
			}
		} else {
			prev := &h[i-1]
			prevHash := prev.Hash()
			if !bytes.Equal(data.PreviousChange, prevHash[:]) {
				return nil, Errorf(IdentityVerificationFailed, "change %d: broken hash chain", i)
			}
			if !id.keys[i-1].Verify(c.PreviousSignature, c.Data) {
				return nil, Errorf(IdentityVerificationFailed, "change %d: not signed by the previous key", i)
			}
			if data.CreatedAt < id.data[i-1].CreatedAt {
				return nil, Errorf(IdentityVerificationFailed, "change %d: created before its predecessor", i)
			}
		}
		id.keys = append(id.keys, key)
		id.data = append(id.data, data)
	}
	return id, nil
}

// Identifier returns the identity's identifier.
func (i *Identity) Identifier() Identifier {
	return i.identifier
}

// ChangeHistory returns a copy of the change history.
func (i *Identity) ChangeHistory() ChangeHistory {
	return append(ChangeHistory(nil), i.history...)
}

// Export serializes the change history.
func (i *Identity) Export() ([]byte, error) {
	return i.history.Bytes()
}

// CurrentKey returns the key introduced by the latest change.
func (i *Identity) CurrentKey() Ed25519PublicKey {
	return i.keys[len(i.keys)-1]
}

// ExpiresAt returns the expiry of the latest change.
func (i *Identity) ExpiresAt() Timestamp {
	return i.data[len(i.data)-1].ExpiresAt
}

// VerifySignature verifies signature over data with the current key.
func (i *Identity) VerifySignature(signature, data []byte) bool {
	return i.CurrentKey().Verify(signature, data)
}

// Comparison is the result of comparing two versions of an identity.
type Comparison uint8

const (
	// Equal histories.
	Equal Comparison = iota
	// Newer means the history extends the known one.
	Newer
	// Older means the known history extends this one.
	Older
	// Conflict means the histories diverge, or belong to different
	// identifiers.
	Conflict
)

func (c Comparison) String() string {
	switch c {
	case Equal:
		return "Equal"
	case Newer:
		return "Newer"
	case Older:
		return "Older"
	default:
		return "Conflict"
	}
}

// Compare compares i with a previously known version of the same identity.
func (i *Identity) Compare(known *Identity) Comparison {
	if !i.identifier.Equal(known.identifier) {
		return Conflict
	}
	n := len(i.history)
	if len(known.history) < n {
		n = len(known.history)
	}
	for j := 0; j < n; j++ {
		if !i.history[j].equal(&known.history[j]) {
			return Conflict
		}
	}
	switch {
	case len(i.history) == len(known.history):
		return Equal
	case len(i.history) > len(known.history):
		return Newer
	default:
		return Older
	}
}
