// frame.go - TCP transport framing.
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

package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/trustroute/core/route"
)

const (
	frameHeaderLength = 4

	// MaxFrameLength bounds the size of a serialized transport message.
	MaxFrameLength = 1 << 20
)

var errFrameTooLarge = errors.New("tcp: frame exceeds maximum length")

// transportMessage is the serialized form of a routed message on a TCP
// connection.
type transportMessage struct {
	OnwardRoute route.Route `cbor:"1,keyasint"`
	ReturnRoute route.Route `cbor:"2,keyasint"`
	Payload     []byte      `cbor:"3,keyasint"`
}

func writeFrame(w io.Writer, m *transportMessage) error {
	body, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameLength {
		return errFrameTooLarge
	}
	buf := make([]byte, frameHeaderLength+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[frameHeaderLength:], body)
	_, err = w.Write(buf)
	return err
}

func readFrame(r io.Reader) (*transportMessage, error) {
	var hdr [frameHeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameLength {
		return nil, errFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	m := new(transportMessage)
	if err := cbor.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("tcp: malformed frame: %w", err)
	}
	return m, nil
}
