// api.go - Request/response envelopes.
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

// Package api exposes identity and credential operations to other nodes as
// CBOR request/response workers.
package api

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/trustroute/core/node"
	"github.com/katzenpost/trustroute/core/route"
)

const (
	// IdentityServiceAddress is the default address of the IdentityService.
	IdentityServiceAddress route.Address = "identity_service"

	// VerifierServiceAddress is the default address of the VerifierService.
	VerifierServiceAddress route.Address = "verifier"
)

// Methods served by the IdentityService and VerifierService.
const (
	MethodCreate          = "create"
	MethodValidate        = "validate"
	MethodCompare         = "compare"
	MethodSign            = "sign"
	MethodVerifySignature = "verify_signature"
	MethodLong            = "long"
	MethodShort           = "short"
	MethodVerify          = "verify"
)

// Status is a response status code.
type Status uint16

const (
	StatusOK             Status = 200
	StatusBadRequest     Status = 400
	StatusNotFound       Status = 404
	StatusInternalError  Status = 500
	StatusNotImplemented Status = 501
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "BadRequest"
	case StatusNotFound:
		return "NotFound"
	case StatusInternalError:
		return "InternalError"
	case StatusNotImplemented:
		return "NotImplemented"
	default:
		return fmt.Sprintf("[Unknown Status: %d]", uint16(s))
	}
}

// Request is the envelope of every request.
type Request struct {
	Method string `cbor:"1,keyasint"`
	Body   []byte `cbor:"2,keyasint,omitempty"`
}

// Marshal encodes the request.
func (r *Request) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal decodes b into the request.
func (r *Request) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, r)
}

// Response is the envelope of every response.
type Response struct {
	Status Status `cbor:"1,keyasint"`
	Body   []byte `cbor:"2,keyasint,omitempty"`
	Error  string `cbor:"3,keyasint,omitempty"`
}

// Marshal encodes the response.
func (r *Response) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal decodes b into the response.
func (r *Response) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, r)
}

// RemoteError is a failed response.
type RemoteError struct {
	Method string
	Status Status
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("api: %s failed: %v: %s", e.Method, e.Status, e.Reason)
}

// Call sends a request for method with body req along r from ctx and
// decodes the response body into resp, which may be nil.
func Call(ctx *node.Context, r route.Route, method string, req, resp interface{}, timeout time.Duration) error {
	request := &Request{Method: method}
	if req != nil {
		b, err := cbor.Marshal(req)
		if err != nil {
			return err
		}
		request.Body = b
	}
	raw, err := request.Marshal()
	if err != nil {
		return err
	}
	reply, err := ctx.SendAndReceive(r, raw, timeout)
	if err != nil {
		return err
	}
	response := new(Response)
	if err := response.Unmarshal(reply); err != nil {
		return fmt.Errorf("api: malformed response to %s: %w", method, err)
	}
	if response.Status != StatusOK {
		return &RemoteError{Method: method, Status: response.Status, Reason: response.Error}
	}
	if resp == nil {
		return nil
	}
	if err := cbor.Unmarshal(response.Body, resp); err != nil {
		return fmt.Errorf("api: malformed %s response body: %w", method, err)
	}
	return nil
}

type handlerFunc func(body []byte) (interface{}, Status, error)

// serve decodes a request, runs the handler for its method and replies to
// the return route.
func serve(ctx *node.Context, msg *node.LocalMessage, handlers map[string]handlerFunc) error {
	resp := &Response{Status: StatusOK}
	req := new(Request)
	if err := req.Unmarshal(msg.Payload); err != nil {
		resp.Status, resp.Error = StatusBadRequest, err.Error()
	} else if h, ok := handlers[req.Method]; !ok {
		resp.Status, resp.Error = StatusNotImplemented, fmt.Sprintf("unknown method %q", req.Method)
	} else {
		body, status, err := h(req.Body)
		switch {
		case err != nil:
			resp.Status, resp.Error = status, err.Error()
		case body != nil:
			if resp.Body, err = cbor.Marshal(body); err != nil {
				resp.Status, resp.Error = StatusInternalError, err.Error()
			}
		}
	}
	raw, err := resp.Marshal()
	if err != nil {
		return err
	}
	return ctx.Send(msg.ReturnRoute, raw)
}

func decode(body []byte, v interface{}) error {
	return cbor.Unmarshal(body, v)
}
