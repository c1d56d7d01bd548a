// store.go - Persistent node state.
// Copyright (C) 2017  Yawning Angel.
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

// Package store persists trust context profiles, vault keys and known
// identities in a bbolt database.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/trust"
)

const (
	metadataBucket      = "metadata"
	trustContextsBucket = "trust_contexts"
	vaultBucket         = "vault"
	identitiesBucket    = "identities"
	credentialsBucket   = "credentials"

	versionKey       = "version"
	localIdentityKey = "local_identity"

	version = 0

	openTimeout = 2 * time.Second
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// TrustContextProfile is the persisted form of a trust context.
type TrustContextProfile struct {
	ID                 string   `cbor:"1,keyasint"`
	AuthorityIdentity  []byte   `cbor:"2,keyasint,omitempty"`
	AuthorityRoute     string   `cbor:"3,keyasint,omitempty"`
	TrustedAuthorities [][]byte `cbor:"4,keyasint,omitempty"`
}

// NewTrustContextProfile returns the profile of a trust context with the
// given authority, which may be nil, and additionally trusted identities.
func NewTrustContextProfile(id string, authority *identity.Identity, trusted ...*identity.Identity) (*TrustContextProfile, error) {
	p := &TrustContextProfile{ID: id}
	if authority != nil {
		raw, err := authority.Export()
		if err != nil {
			return nil, err
		}
		p.AuthorityIdentity = raw
	}
	for _, t := range trusted {
		raw, err := t.Export()
		if err != nil {
			return nil, err
		}
		p.TrustedAuthorities = append(p.TrustedAuthorities, raw)
	}
	return p, nil
}

// TrustContext imports the identities of the profile.  retriever is used
// to obtain credentials from the authority and may be nil.
func (p *TrustContextProfile) TrustContext(retriever trust.CredentialRetriever) (*trust.Context, error) {
	var authority *trust.AuthorityService
	if len(p.AuthorityIdentity) > 0 {
		id, err := identity.ImportIdentity(nil, p.AuthorityIdentity)
		if err != nil {
			return nil, fmt.Errorf("store: trust context %q: authority: %w", p.ID, err)
		}
		authority = trust.NewAuthorityService(id, retriever)
	}
	trusted := make([]*identity.Identity, 0, len(p.TrustedAuthorities))
	for _, raw := range p.TrustedAuthorities {
		id, err := identity.ImportIdentity(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("store: trust context %q: trusted authority: %w", p.ID, err)
		}
		trusted = append(trusted, id)
	}
	return trust.New(p.ID, authority, trusted...), nil
}

// Store is a bbolt backed node database.  It implements identity.KeyStore
// and identity.Repository.
type Store struct {
	db *bolt.DB
}

// Open creates or loads the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{trustContextsBucket, vaultBucket, identitiesBucket, credentialsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != version {
				return fmt.Errorf("store: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{version})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close syncs and closes the database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *Store) put(bucket string, key []byte, v interface{}) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, raw)
	})
}

func (s *Store) get(bucket string, key []byte, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucket)).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(raw, v)
	})
}

// SaveTrustContext stores p under name, replacing any previous profile.
func (s *Store) SaveTrustContext(name string, p *TrustContextProfile) error {
	if name == "" {
		return errors.New("store: empty trust context name")
	}
	return s.put(trustContextsBucket, []byte(name), p)
}

// LoadTrustContext returns the profile stored under name.
func (s *Store) LoadTrustContext(name string) (*TrustContextProfile, error) {
	p := new(TrustContextProfile)
	if err := s.get(trustContextsBucket, []byte(name), p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListTrustContexts returns the stored profile names in order.
func (s *Store) ListTrustContexts() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(trustContextsBucket)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

// DeleteTrustContext removes the profile stored under name.
func (s *Store) DeleteTrustContext(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(trustContextsBucket))
		if bkt.Get([]byte(name)) == nil {
			return ErrNotFound
		}
		return bkt.Delete([]byte(name))
	})
}

// SaveCredential stores a credential issued to subject under the
// authority of the named trust context.
func (s *Store) SaveCredential(trustContext string, subject identity.Identifier, c *identity.Credential) error {
	raw, err := c.Bytes()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(credentialsBucket)).CreateBucketIfNotExists([]byte(trustContext))
		if err != nil {
			return err
		}
		return bkt.Put(subject[:], raw)
	})
}

// Credential returns the credential stored for subject in the named
// trust context.
func (s *Store) Credential(trustContext string, subject identity.Identifier) (*identity.Credential, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(credentialsBucket)).Bucket([]byte(trustContext))
		if bkt == nil {
			return nil
		}
		if v := bkt.Get(subject[:]); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return identity.ParseCredential(raw)
}

// Retriever returns a trust.CredentialRetriever serving the credentials
// stored for the named trust context.
func (s *Store) Retriever(trustContext string) trust.CredentialRetriever {
	return &retriever{s: s, name: trustContext}
}

type retriever struct {
	s    *Store
	name string
}

func (r *retriever) RetrieveCredential(_ context.Context, subject *identity.Identity) (*identity.Credential, error) {
	c, err := r.s.Credential(r.name, subject.Identifier())
	if err != nil {
		return nil, fmt.Errorf("store: trust context %q: credential: %w", r.name, err)
	}
	return c, nil
}

// SaveVaultKey implements identity.KeyStore.
func (s *Store) SaveVaultKey(vault string, public, private []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(vaultBucket)).CreateBucketIfNotExists([]byte(vault))
		if err != nil {
			return err
		}
		return bkt.Put(public, private)
	})
}

// LoadVaultKeys implements identity.KeyStore.
func (s *Store) LoadVaultKeys(vault string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(vaultBucket)).Bucket([]byte(vault))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			keys[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return keys, err
}

// GetIdentity implements identity.Repository.
func (s *Store) GetIdentity(id identity.Identifier) (*identity.Identity, bool, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(identitiesBucket)).Get(id[:]); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	i, err := identity.ImportIdentity(&id, raw)
	if err != nil {
		return nil, false, err
	}
	return i, true, nil
}

// PutIdentity implements identity.Repository.
func (s *Store) PutIdentity(i *identity.Identity) error {
	raw, err := i.Export()
	if err != nil {
		return err
	}
	id := i.Identifier()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(identitiesBucket)).Put(id[:], raw)
	})
}

// SaveLocalIdentity records the node's own identity.
func (s *Store) SaveLocalIdentity(i *identity.Identity) error {
	raw, err := i.Export()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metadataBucket)).Put([]byte(localIdentityKey), raw)
	})
}

// LocalIdentity returns the node's own identity.
func (s *Store) LocalIdentity() (*identity.Identity, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(metadataBucket)).Get([]byte(localIdentityKey)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return identity.ImportIdentity(nil, raw)
}
