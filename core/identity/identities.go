// identities.go - Identity creation and known identities.
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
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// DefaultIdentityTTL is how long a key introduced by a change is valid.
const DefaultIdentityTTL = 10 * 365 * 24 * time.Hour

// Repository stores the latest known version of remote identities.
type Repository interface {
	GetIdentity(id Identifier) (*Identity, bool, error)
	PutIdentity(identity *Identity) error
}

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	sync.RWMutex
	m map[Identifier]*Identity
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{m: make(map[Identifier]*Identity)}
}

// GetIdentity implements Repository.
func (r *MemoryRepository) GetIdentity(id Identifier) (*Identity, bool, error) {
	r.RLock()
	defer r.RUnlock()
	i, ok := r.m[id]
	return i, ok, nil
}

// PutIdentity implements Repository.
func (r *MemoryRepository) PutIdentity(identity *Identity) error {
	r.Lock()
	defer r.Unlock()
	r.m[identity.Identifier()] = identity
	return nil
}

// Identities ties vaults and the known identity repository together.
type Identities struct {
	sync.RWMutex

	vaults     map[string]*Vault
	repository Repository
	now        func() time.Time
}

// NewIdentities returns an Identities backed by vault and repository.  A nil
// repository is replaced with an in-memory one.
func NewIdentities(vault *Vault, repository Repository) *Identities {
	if repository == nil {
		repository = NewMemoryRepository()
	}
	i := &Identities{
		vaults:     map[string]*Vault{vault.Name(): vault},
		repository: repository,
		now:        time.Now,
	}
	if _, ok := i.vaults[DefaultVaultName]; !ok {
		i.vaults[DefaultVaultName] = vault
	}
	return i
}

// AddVault makes an additional named vault available.
func (i *Identities) AddVault(v *Vault) {
	i.Lock()
	defer i.Unlock()
	i.vaults[v.Name()] = v
}

// Vault returns the named vault, or the default vault for an empty name.
func (i *Identities) Vault(name string) (*Vault, error) {
	if name == "" {
		name = DefaultVaultName
	}
	i.RLock()
	defer i.RUnlock()
	v, ok := i.vaults[name]
	if !ok {
		return nil, fmt.Errorf("identity: unknown vault %q", name)
	}
	return v, nil
}

// Repository returns the known identity repository.
func (i *Identities) Repository() Repository {
	return i.repository
}

// Creation returns the identity constructor.
func (i *Identities) Creation() *IdentitiesCreation {
	return &IdentitiesCreation{identities: i}
}

// Credentials returns the credential issuer.
func (i *Identities) Credentials() *Credentials {
	return &Credentials{identities: i}
}

// CreateSignature signs data with the current key of signer, held in the
// named vault.
func (i *Identities) CreateSignature(signer *Identity, data []byte, vaultName string) ([]byte, error) {
	v, err := i.Vault(vaultName)
	if err != nil {
		return nil, err
	}
	return v.Sign(signer.CurrentKey(), data)
}

// Sign signs data with the current key of signer, in whichever vault
// holds it.
func (i *Identities) Sign(signer *Identity, data []byte) ([]byte, error) {
	v, err := i.Creation().vaultFor(signer)
	if err != nil {
		return nil, err
	}
	return v.Sign(signer.CurrentKey(), data)
}

// VerifySignature verifies a signature made by signer's current key.
func (i *Identities) VerifySignature(signer *Identity, data, signature []byte) bool {
	return signer.VerifySignature(signature, data)
}

// IdentitiesCreation creates and rotates identities.
type IdentitiesCreation struct {
	identities *Identities
}

// CreateIdentity creates a new identity in the default vault.
func (c *IdentitiesCreation) CreateIdentity() (*Identity, error) {
	return c.CreateIdentityIn(DefaultVaultName)
}

// CreateIdentityIn creates a new identity whose key lives in the named vault.
func (c *IdentitiesCreation) CreateIdentityIn(vaultName string) (*Identity, error) {
	v, err := c.identities.Vault(vaultName)
	if err != nil {
		return nil, err
	}
	key, err := v.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	change, err := c.makeChange(v, nil, nil, key)
	if err != nil {
		return nil, err
	}
	return verifyChangeHistory(ChangeHistory{*change})
}

// RotateKey appends a change introducing a fresh key to identity.
func (c *IdentitiesCreation) RotateKey(identity *Identity) (*Identity, error) {
	v, err := c.vaultFor(identity)
	if err != nil {
		return nil, err
	}
	key, err := v.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	prev := identity.history[len(identity.history)-1]
	prevKey := identity.CurrentKey()
	change, err := c.makeChange(v, &prev, &prevKey, key)
	if err != nil {
		return nil, err
	}
	return verifyChangeHistory(append(identity.ChangeHistory(), *change))
}

func (c *IdentitiesCreation) vaultFor(identity *Identity) (*Vault, error) {
	c.identities.RLock()
	defer c.identities.RUnlock()
	for _, v := range c.identities.vaults {
		if v.HasKey(identity.CurrentKey()) {
			return v, nil
		}
	}
	return nil, ErrUnknownKey
}

func (c *IdentitiesCreation) makeChange(v *Vault, prev *Change, prevKey *Ed25519PublicKey, key Ed25519PublicKey) (*Change, error) {
	now := c.identities.now()
	data := ChangeData{
		Version:          ChangeVersion,
		PrimaryPublicKey: key.PublicKey(),
		CreatedAt:        TimestampFrom(now),
		ExpiresAt:        TimestampFrom(now.Add(DefaultIdentityTTL)),
	}
	if prev != nil {
		h := prev.Hash()
		data.PreviousChange = h[:]
	}
	raw, err := cbor.Marshal(&data)
	if err != nil {
		return nil, err
	}
	change := &Change{Data: raw}
	if change.Signature, err = v.Sign(key, raw); err != nil {
		return nil, err
	}
	if prevKey != nil {
		if change.PreviousSignature, err = v.Sign(*prevKey, raw); err != nil {
			return nil, err
		}
	}
	return change, nil
}
