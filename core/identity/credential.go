// credential.go - Credentials.
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
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CredentialVersion is the only supported credential data version.
const CredentialVersion = 1

// Attributes are the claims a credential makes about its subject.
type Attributes map[string][]byte

// Clone returns a copy of a.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// CredentialData is the signed body of a credential.
type CredentialData struct {
	Version    uint8      `cbor:"1,keyasint"`
	Subject    Identifier `cbor:"2,keyasint"`
	Issuer     Identifier `cbor:"3,keyasint"`
	Attributes Attributes `cbor:"4,keyasint"`
	CreatedAt  Timestamp  `cbor:"5,keyasint"`
	ExpiresAt  Timestamp  `cbor:"6,keyasint"`
}

// Credential is an attribute assertion signed by its issuer.
type Credential struct {
	Data      []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// ParseCredential decodes a serialized credential.
func ParseCredential(raw []byte) (*Credential, error) {
	c := new(Credential)
	if err := cbor.Unmarshal(raw, c); err != nil {
		return nil, NewError(CredentialVerificationFailed, err)
	}
	return c, nil
}

// Bytes serializes the credential.
func (c *Credential) Bytes() ([]byte, error) {
	return cbor.Marshal(c)
}

// Decode decodes the signed body without verifying it.
func (c *Credential) Decode() (*CredentialData, error) {
	d := new(CredentialData)
	if err := cbor.Unmarshal(c.Data, d); err != nil {
		return nil, NewError(CredentialVerificationFailed, err)
	}
	if d.Version != CredentialVersion {
		return nil, Errorf(UnknownCredentialVersion, "version %d", d.Version)
	}
	return d, nil
}

// Credentials issues credentials with identities held in the vaults.
type Credentials struct {
	identities *Identities
}

// Issue signs a credential asserting attrs about subject, valid for ttl.
func (c *Credentials) Issue(issuer *Identity, subject Identifier, attrs Attributes, ttl time.Duration) (*Credential, error) {
	now := c.identities.now()
	data := CredentialData{
		Version:    CredentialVersion,
		Subject:    subject,
		Issuer:     issuer.Identifier(),
		Attributes: attrs.Clone(),
		CreatedAt:  TimestampFrom(now),
		ExpiresAt:  TimestampFrom(now.Add(ttl)),
	}
	raw, err := cbor.Marshal(&data)
	if err != nil {
		return nil, err
	}
	c.identities.RLock()
	vaults := make([]*Vault, 0, len(c.identities.vaults))
	for _, v := range c.identities.vaults {
		vaults = append(vaults, v)
	}
	c.identities.RUnlock()
	for _, v := range vaults {
		if v.HasKey(issuer.CurrentKey()) {
			sig, err := v.Sign(issuer.CurrentKey(), raw)
			if err != nil {
				return nil, err
			}
			return &Credential{Data: raw, Signature: sig}, nil
		}
	}
	return nil, ErrUnknownKey
}
