package encryption

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers on the wire.
const (
	fieldVersion    protowire.Number = 1
	fieldNonce      protowire.Number = 2
	fieldCiphertext protowire.Number = 3
)

// Envelope is the sealed wire form of a document update, frame or signaling
// payload. It is encoded as protobuf fields so foreign peers can read it
// without sharing Go types.
type Envelope struct {
	Version    uint8
	Nonce      []byte
	Ciphertext []byte
}

func (e Envelope) Marshal() []byte {
	b := make([]byte, 0, 8+len(e.Nonce)+len(e.Ciphertext))
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Version))
	b = protowire.AppendTag(b, fieldNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Nonce)
	b = protowire.AppendTag(b, fieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Ciphertext)
	return b
}

// ParseEnvelope decodes an envelope. Unknown fields are skipped.
func ParseEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			if v > 255 {
				return Envelope{}, fmt.Errorf("envelope version %d out of range", v)
			}
			e.Version = uint8(v)
			b = b[n:]
		case num == fieldNonce && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			e.Nonce = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldCiphertext && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			e.Ciphertext = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return e, nil
}
