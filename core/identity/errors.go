// errors.go - Identity and trust errors.
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
)

// ErrorKind classifies identity, trust and secure channel failures.
type ErrorKind uint8

const (
	InvalidKeyType ErrorKind = iota + 1
	InvalidIdentifier
	EmptyIdentity
	IdentityVerificationFailed
	PurposeKeyAttestationVerificationFailed
	CredentialVerificationFailed
	UnknownTimestamp
	UnknownAuthority
	UnknownCredentialVersion
	UnknownIdentityVersion
	SecureChannelVerificationFailed
	SecureChannelTrustCheckFailed
	InvalidNonce
	NonceOverflow
	UnknownChannelMsgDestination
	InvalidLocalInfoType
	DuplicateSecureChannel
	ConsistencyError
)

var kindNames = map[ErrorKind]string{
	InvalidKeyType:                          "InvalidKeyType",
	InvalidIdentifier:                       "InvalidIdentifier",
	EmptyIdentity:                           "EmptyIdentity",
	IdentityVerificationFailed:              "IdentityVerificationFailed",
	PurposeKeyAttestationVerificationFailed: "PurposeKeyAttestationVerificationFailed",
	CredentialVerificationFailed:            "CredentialVerificationFailed",
	UnknownTimestamp:                        "UnknownTimestamp",
	UnknownAuthority:                        "UnknownAuthority",
	UnknownCredentialVersion:                "UnknownCredentialVersion",
	UnknownIdentityVersion:                  "UnknownIdentityVersion",
	SecureChannelVerificationFailed:         "SecureChannelVerificationFailed",
	SecureChannelTrustCheckFailed:           "SecureChannelTrustCheckFailed",
	InvalidNonce:                            "InvalidNonce",
	NonceOverflow:                           "NonceOverflow",
	UnknownChannelMsgDestination:            "UnknownChannelMsgDestination",
	InvalidLocalInfoType:                    "InvalidLocalInfoType",
	DuplicateSecureChannel:                  "DuplicateSecureChannel",
	ConsistencyError:                        "ConsistencyError",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("[Unknown ErrorKind: %d]", k)
}

// Error is a typed identity error.  errors.Is matches on Kind against the
// package sentinels.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError returns an Error of kind wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf returns an Error of kind with a formatted cause.
func Errorf(kind ErrorKind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, a...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "identity: " + e.Kind.String()
	}
	return fmt.Sprintf("identity: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

var (
	ErrInvalidKeyType                          = &Error{Kind: InvalidKeyType}
	ErrInvalidIdentifier                       = &Error{Kind: InvalidIdentifier}
	ErrEmptyIdentity                           = &Error{Kind: EmptyIdentity}
	ErrIdentityVerificationFailed              = &Error{Kind: IdentityVerificationFailed}
	ErrPurposeKeyAttestationVerificationFailed = &Error{Kind: PurposeKeyAttestationVerificationFailed}
	ErrCredentialVerificationFailed            = &Error{Kind: CredentialVerificationFailed}
	ErrUnknownTimestamp                        = &Error{Kind: UnknownTimestamp}
	ErrUnknownAuthority                        = &Error{Kind: UnknownAuthority}
	ErrUnknownCredentialVersion                = &Error{Kind: UnknownCredentialVersion}
	ErrUnknownIdentityVersion                  = &Error{Kind: UnknownIdentityVersion}
	ErrSecureChannelVerificationFailed         = &Error{Kind: SecureChannelVerificationFailed}
	ErrSecureChannelTrustCheckFailed           = &Error{Kind: SecureChannelTrustCheckFailed}
	ErrInvalidNonce                            = &Error{Kind: InvalidNonce}
	ErrNonceOverflow                           = &Error{Kind: NonceOverflow}
	ErrUnknownChannelMsgDestination            = &Error{Kind: UnknownChannelMsgDestination}
	ErrInvalidLocalInfoType                    = &Error{Kind: InvalidLocalInfoType}
	ErrDuplicateSecureChannel                  = &Error{Kind: DuplicateSecureChannel}
	ErrConsistencyError                        = &Error{Kind: ConsistencyError}
)
