// keys.go - Tagged public keys.
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
	"fmt"

	"github.com/katzenpost/hpqc/sign/ed25519"
)

// SecretType is the algorithm tag of a key.
type SecretType uint8

const (
	SecretTypeEd25519 SecretType = iota + 1
	SecretTypeX25519
	SecretTypeNistP256
)

const (
	Ed25519PublicKeySize = 32
	X25519PublicKeySize  = 32
	P256PublicKeySize    = 64
)

func (t SecretType) String() string {
	switch t {
	case SecretTypeEd25519:
		return "Ed25519"
	case SecretTypeX25519:
		return "X25519"
	case SecretTypeNistP256:
		return "NistP256"
	default:
		return fmt.Sprintf("[Unknown SecretType: %d]", t)
	}
}

// PublicKey is the generic, wire level representation of a public key.
type PublicKey struct {
	Data []byte     `cbor:"1,keyasint"`
	Type SecretType `cbor:"2,keyasint"`
}

// NewPublicKey returns a generic key holding a copy of data.
func NewPublicKey(data []byte, t SecretType) PublicKey {
	return PublicKey{Data: append([]byte(nil), data...), Type: t}
}

// Equal compares keys in constant time with respect to the key bytes.
func (k PublicKey) Equal(other PublicKey) bool {
	typeEq := subtle.ConstantTimeByteEq(uint8(k.Type), uint8(other.Type))
	return subtle.ConstantTimeCompare(k.Data, other.Data)&typeEq == 1
}

// Zeroize clears the key bytes.
func (k *PublicKey) Zeroize() {
	for i := range k.Data {
		k.Data[i] = 0
	}
}

// TypedPublicKey is one of Ed25519PublicKey, X25519PublicKey or
// P256PublicKey.
type TypedPublicKey interface {
	SecretType() SecretType
	PublicKey() PublicKey
	isTypedPublicKey()
}

// Ed25519PublicKey is an Ed25519 verifying key.
type Ed25519PublicKey [Ed25519PublicKeySize]byte

// X25519PublicKey is an X25519 key agreement key.
type X25519PublicKey [X25519PublicKeySize]byte

// P256PublicKey is an uncompressed (x || y) NIST P-256 ECDSA verifying key.
type P256PublicKey [P256PublicKeySize]byte

func (Ed25519PublicKey) SecretType() SecretType { return SecretTypeEd25519 }
func (X25519PublicKey) SecretType() SecretType  { return SecretTypeX25519 }
func (P256PublicKey) SecretType() SecretType    { return SecretTypeNistP256 }

func (k Ed25519PublicKey) PublicKey() PublicKey { return NewPublicKey(k[:], SecretTypeEd25519) }
func (k X25519PublicKey) PublicKey() PublicKey  { return NewPublicKey(k[:], SecretTypeX25519) }
func (k P256PublicKey) PublicKey() PublicKey    { return NewPublicKey(k[:], SecretTypeNistP256) }

func (Ed25519PublicKey) isTypedPublicKey() {}
func (X25519PublicKey) isTypedPublicKey()  {}
func (P256PublicKey) isTypedPublicKey()    {}

// Zeroize clears the key bytes.
func (k *Ed25519PublicKey) Zeroize() { *k = Ed25519PublicKey{} }

// Zeroize clears the key bytes.
func (k *X25519PublicKey) Zeroize() { *k = X25519PublicKey{} }

// Zeroize clears the key bytes.
func (k *P256PublicKey) Zeroize() { *k = P256PublicKey{} }

// Equal compares keys in constant time.
func (k Ed25519PublicKey) Equal(other Ed25519PublicKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// Verify verifies an Ed25519 signature over message.
func (k Ed25519PublicKey) Verify(signature, message []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	pk := new(ed25519.PublicKey)
	if err := pk.FromBytes(k[:]); err != nil {
		return false
	}
	return pk.Verify(signature, message)
}

func checkKey(k PublicKey, t SecretType, size int) error {
	if k.Type != t {
		return Errorf(InvalidKeyType, "expected %s key, got %s", t, k.Type)
	}
	if len(k.Data) != size {
		return Errorf(InvalidKeyType, "%s key must be %d bytes, got %d", t, size, len(k.Data))
	}
	return nil
}

// Ed25519PublicKeyFrom converts a generic key.
func Ed25519PublicKeyFrom(k PublicKey) (Ed25519PublicKey, error) {
	var out Ed25519PublicKey
	if err := checkKey(k, SecretTypeEd25519, Ed25519PublicKeySize); err != nil {
		return out, err
	}
	copy(out[:], k.Data)
	return out, nil
}

// X25519PublicKeyFrom converts a generic key.
func X25519PublicKeyFrom(k PublicKey) (X25519PublicKey, error) {
	var out X25519PublicKey
	if err := checkKey(k, SecretTypeX25519, X25519PublicKeySize); err != nil {
		return out, err
	}
	copy(out[:], k.Data)
	return out, nil
}

// P256PublicKeyFrom converts a generic key.
func P256PublicKeyFrom(k PublicKey) (P256PublicKey, error) {
	var out P256PublicKey
	if err := checkKey(k, SecretTypeNistP256, P256PublicKeySize); err != nil {
		return out, err
	}
	copy(out[:], k.Data)
	return out, nil
}

// TypedFrom converts a generic key to the variant named by its tag.
func TypedFrom(k PublicKey) (TypedPublicKey, error) {
	switch k.Type {
	case SecretTypeEd25519:
		return Ed25519PublicKeyFrom(k)
	case SecretTypeX25519:
		return X25519PublicKeyFrom(k)
	case SecretTypeNistP256:
		return P256PublicKeyFrom(k)
	default:
		return nil, Errorf(InvalidKeyType, "unsupported key type %s", k.Type)
	}
}
