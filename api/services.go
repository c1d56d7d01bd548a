// services.go - Identity and verifier services.
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
	"errors"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
	"github.com/katzenpost/trustroute/core/trust"
)

// IdentityService serves identity operations for a node.
type IdentityService struct {
	ids   *identity.Identities
	local *identity.Identity
	log   *logging.Logger

	handlers map[string]handlerFunc
}

// StartIdentityService starts an IdentityService at address.  local is the
// identity reported by the long and short methods and may be nil.
func StartIdentityService(n *node.Node, address route.Address, ids *identity.Identities, local *identity.Identity, opts *node.Options) (*IdentityService, error) {
	s := &IdentityService{
		ids:   ids,
		local: local,
		log:   n.LogBackend().GetLogger("api:" + n.Name()),
	}
	s.handlers = map[string]handlerFunc{
		MethodCreate:          s.create,
		MethodValidate:        s.validate,
		MethodCompare:         s.compare,
		MethodSign:            s.sign,
		MethodVerifySignature: s.verifySignature,
		MethodLong:            s.long,
		MethodShort:           s.short,
	}
	if _, err := n.StartWorker(address, s, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// HandleMessage implements node.Handler.
func (s *IdentityService) HandleMessage(ctx *node.Context, msg *node.LocalMessage) error {
	return serve(ctx, msg, s.handlers)
}

func (s *IdentityService) create([]byte) (interface{}, Status, error) {
	id, err := s.ids.Creation().CreateIdentity()
	if err != nil {
		return nil, StatusInternalError, err
	}
	raw, err := id.Export()
	if err != nil {
		return nil, StatusInternalError, err
	}
	s.log.Infof("Created identity %s", id.Identifier())
	return &CreateResponse{Identity: raw, IdentityID: id.Identifier().String()}, StatusOK, nil
}

func (s *IdentityService) validate(body []byte) (interface{}, Status, error) {
	var req ValidateIdentityChangeHistoryRequest
	if err := decode(body, &req); err != nil {
		return nil, StatusBadRequest, err
	}
	id, err := identity.ImportIdentity(nil, req.Identity)
	if err != nil {
		return nil, StatusBadRequest, err
	}
	return &ValidateIdentityChangeHistoryResponse{IdentityID: id.Identifier().String()}, StatusOK, nil
}

func (s *IdentityService) compare(body []byte) (interface{}, Status, error) {
	var req CompareIdentityChangeHistoryRequest
	if err := decode(body, &req); err != nil {
		return nil, StatusBadRequest, err
	}
	current, err := identity.ImportIdentity(nil, req.CurrentIdentity)
	if err != nil {
		return nil, StatusBadRequest, err
	}
	known, err := identity.ImportIdentity(nil, req.KnownIdentity)
	if err != nil {
		return nil, StatusBadRequest, err
	}
	return &CompareIdentityChangeHistoryResponse{Comparison: current.Compare(known)}, StatusOK, nil
}

func (s *IdentityService) sign(body []byte) (interface{}, Status, error) {
	var req CreateSignatureRequest
	if err := decode(body, &req); err != nil {
		return nil, StatusBadRequest, err
	}
	signer, err := identity.ImportIdentity(nil, req.Identity)
	if err != nil {
		return nil, StatusBadRequest, err
	}
	sig, err := s.ids.CreateSignature(signer, req.Data, req.VaultName)
	if err != nil {
		return nil, StatusNotFound, err
	}
	return &CreateSignatureResponse{Signature: sig}, StatusOK, nil
}

func (s *IdentityService) verifySignature(body []byte) (interface{}, Status, error) {
	var req VerifySignatureRequest
	if err := decode(body, &req); err != nil {
		return nil, StatusBadRequest, err
	}
	signer, err := identity.ImportIdentity(nil, req.SignerIdentity)
	if err != nil {
		return nil, StatusBadRequest, err
	}
	return &VerifySignatureResponse{Verified: s.ids.VerifySignature(signer, req.Data, req.Signature)}, StatusOK, nil
}

func (s *IdentityService) long([]byte) (interface{}, Status, error) {
	if s.local == nil {
		return nil, StatusNotFound, identity.ErrEmptyIdentity
	}
	raw, err := s.local.Export()
	if err != nil {
		return nil, StatusInternalError, err
	}
	return &LongIdentityResponse{Identity: raw}, StatusOK, nil
}

func (s *IdentityService) short([]byte) (interface{}, Status, error) {
	if s.local == nil {
		return nil, StatusNotFound, identity.ErrEmptyIdentity
	}
	return &ShortIdentityResponse{IdentityID: s.local.Identifier().String()}, StatusOK, nil
}

// VerifierService serves credential verification.
type VerifierService struct {
	verifier *trust.Verifier
	handlers map[string]handlerFunc
}

// StartVerifierService starts a VerifierService at address.
func StartVerifierService(n *node.Node, address route.Address, verifier *trust.Verifier, opts *node.Options) (*VerifierService, error) {
	if verifier == nil {
		verifier = trust.NewVerifier()
	}
	s := &VerifierService{verifier: verifier}
	s.handlers = map[string]handlerFunc{MethodVerify: s.verify}
	if _, err := n.StartWorker(address, s, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// HandleMessage implements node.Handler.
func (s *VerifierService) HandleMessage(ctx *node.Context, msg *node.LocalMessage) error {
	return serve(ctx, msg, s.handlers)
}

func (s *VerifierService) verify(body []byte) (interface{}, Status, error) {
	var req VerifyRequest
	if err := decode(body, &req); err != nil {
		return nil, StatusBadRequest, err
	}
	cred, err := identity.ParseCredential(req.Credential)
	if err != nil {
		return nil, StatusBadRequest, err
	}
	subject, err := identity.ParseIdentifier(req.Subject)
	if err != nil {
		return nil, StatusBadRequest, err
	}
	authorities, err := trust.AuthoritySetFromMap(req.Authorities)
	if err != nil {
		return nil, StatusBadRequest, err
	}
	attrs, expires, err := s.verifier.VerifyCredential(cred, subject, authorities)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownAuthority) {
			return nil, StatusNotFound, err
		}
		return nil, StatusBadRequest, err
	}
	return &VerifyResponse{Attributes: attrs, Expires: expires}, StatusOK, nil
}
