// vault.go - Signing key vault.
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
	"errors"
	"fmt"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// DefaultVaultName names the vault used when none is specified.
const DefaultVaultName = "default"

// ErrUnknownKey is returned when the vault does not hold a key.
var ErrUnknownKey = errors.New("identity: vault: unknown signing key")

// KeyStore persists vault secrets.
type KeyStore interface {
	SaveVaultKey(vault string, public, private []byte) error
	LoadVaultKeys(vault string) (map[string][]byte, error)
}

// Vault holds Ed25519 signing keys indexed by their public key.
type Vault struct {
	sync.RWMutex

	name  string
	keys  map[Ed25519PublicKey]*ed25519.PrivateKey
	store KeyStore
}

// NewVault returns an empty in-memory vault.
func NewVault(name string) *Vault {
	return &Vault{
		name: name,
		keys: make(map[Ed25519PublicKey]*ed25519.PrivateKey),
	}
}

// OpenVault returns a vault backed by store, loading the keys it holds.
func OpenVault(name string, store KeyStore) (*Vault, error) {
	v := NewVault(name)
	v.store = store
	raw, err := store.LoadVaultKeys(name)
	if err != nil {
		return nil, err
	}
	for _, priv := range raw {
		if _, err := v.importKey(priv); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Name returns the vault name.
func (v *Vault) Name() string {
	return v.name
}

// GenerateSigningKey creates and stores a fresh signing key.
func (v *Vault) GenerateSigningKey() (Ed25519PublicKey, error) {
	priv, pub, err := ed25519.NewKeypair(rand.Reader)
	if err != nil {
		return Ed25519PublicKey{}, err
	}
	var k Ed25519PublicKey
	copy(k[:], pub.Bytes())

	v.Lock()
	v.keys[k] = priv
	v.Unlock()

	if v.store != nil {
		if err := v.store.SaveVaultKey(v.name, k[:], priv.Bytes()); err != nil {
			return Ed25519PublicKey{}, fmt.Errorf("identity: vault: failed to persist key: %w", err)
		}
	}
	return k, nil
}

func (v *Vault) importKey(raw []byte) (Ed25519PublicKey, error) {
	priv := new(ed25519.PrivateKey)
	if err := priv.FromBytes(raw); err != nil {
		return Ed25519PublicKey{}, err
	}
	var k Ed25519PublicKey
	copy(k[:], priv.PublicKey().Bytes())
	v.Lock()
	v.keys[k] = priv
	v.Unlock()
	return k, nil
}

// Sign signs data with the key matching public.
func (v *Vault) Sign(public Ed25519PublicKey, data []byte) ([]byte, error) {
	v.RLock()
	priv, ok := v.keys[public]
	v.RUnlock()
	if !ok {
		return nil, ErrUnknownKey
	}
	return priv.SignMessage(data), nil
}

// HasKey returns true iff the vault holds the secret for public.
func (v *Vault) HasKey(public Ed25519PublicKey) bool {
	v.RLock()
	defer v.RUnlock()
	_, ok := v.keys[public]
	return ok
}
