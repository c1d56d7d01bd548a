// frame.go - Secure channel wire frames.
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

package securechannel

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/trustroute/core/route"
)

type frameType uint8

const (
	frameHandshake frameType = iota + 1
	frameConfirm
	frameAbort
	frameData
)

// frame is the payload of every message exchanged between the two ends of
// a channel.  Handshake bodies are Noise messages, confirm and data
// bodies are ciphertext under Nonce, abort bodies are a reason string.
type frame struct {
	Type  frameType `cbor:"1,keyasint"`
	Nonce uint64    `cbor:"2,keyasint,omitempty"`
	Body  []byte    `cbor:"3,keyasint"`
}

// plaintext is the content of a data frame.
type plaintext struct {
	Onward  route.Route `cbor:"1,keyasint"`
	Return  route.Route `cbor:"2,keyasint"`
	Payload []byte      `cbor:"3,keyasint"`
}

// handshakePayload rides the second and third Noise messages.
type handshakePayload struct {
	ChangeHistory   []byte   `cbor:"1,keyasint"`
	StaticSignature []byte   `cbor:"2,keyasint"`
	Credentials     [][]byte `cbor:"3,keyasint,omitempty"`
}

func encodeFrame(t frameType, nonce uint64, body []byte) ([]byte, error) {
	return cbor.Marshal(&frame{Type: t, Nonce: nonce, Body: body})
}

func decodeFrame(raw []byte) (*frame, error) {
	f := new(frame)
	if err := cbor.Unmarshal(raw, f); err != nil {
		return nil, err
	}
	return f, nil
}
