// models.go - Identity and verifier wire models.
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

package api

import (
	"github.com/katzenpost/trustroute/core/identity"
)

// The field numbers below are part of the wire format and must never be
// renumbered.

// CreateResponse carries a newly created identity.
type CreateResponse struct {
	Identity   []byte `cbor:"1,keyasint"`
	IdentityID string `cbor:"2,keyasint"`
}

// ValidateIdentityChangeHistoryRequest asks for a change history to be
// verified.
type ValidateIdentityChangeHistoryRequest struct {
	Identity []byte `cbor:"1,keyasint"`
}

// ValidateIdentityChangeHistoryResponse carries the identifier of a
// verified change history.
type ValidateIdentityChangeHistoryResponse struct {
	IdentityID string `cbor:"1,keyasint"`
}

// CompareIdentityChangeHistoryRequest compares a presented change history
// with a previously known one.
type CompareIdentityChangeHistoryRequest struct {
	CurrentIdentity []byte `cbor:"1,keyasint"`
	KnownIdentity   []byte `cbor:"2,keyasint"`
}

// CompareIdentityChangeHistoryResponse carries the comparison outcome.
type CompareIdentityChangeHistoryResponse struct {
	Comparison identity.Comparison `cbor:"1,keyasint"`
}

// CreateSignatureRequest asks for data to be signed by an identity whose
// key is held by the serving node.
type CreateSignatureRequest struct {
	Identity  []byte `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint"`
	VaultName string `cbor:"3,keyasint,omitempty"`
}

// CreateSignatureResponse carries the signature.
type CreateSignatureResponse struct {
	Signature []byte `cbor:"1,keyasint"`
}

// VerifySignatureRequest asks for a signature to be checked.
type VerifySignatureRequest struct {
	SignerIdentity []byte `cbor:"1,keyasint"`
	Data           []byte `cbor:"2,keyasint"`
	Signature      []byte `cbor:"3,keyasint"`
}

// VerifySignatureResponse carries the outcome of a signature check.
type VerifySignatureResponse struct {
	Verified bool `cbor:"1,keyasint"`
}

// VerifyRequest asks for a credential to be verified for a subject against
// authorities keyed by their identifier.
type VerifyRequest struct {
	Credential  []byte            `cbor:"1,keyasint"`
	Subject     string            `cbor:"2,keyasint"`
	Authorities map[string][]byte `cbor:"3,keyasint"`
}

// VerifyResponse carries the attributes and expiry of a verified
// credential.
type VerifyResponse struct {
	Attributes identity.Attributes `cbor:"1,keyasint"`
	Expires    identity.Timestamp  `cbor:"2,keyasint"`
}

// LongIdentityResponse carries a node's full identity.
type LongIdentityResponse struct {
	Identity []byte `cbor:"1,keyasint"`
}

// ShortIdentityResponse carries a node's identifier.
type ShortIdentityResponse struct {
	IdentityID string `cbor:"1,keyasint"`
}
