package revexec

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Agent wire message types this system cares about. The full vocabulary
// of the ssh-agent protocol is much larger; everything that isn't one of
// these four passes through Router untouched (see router.go).
const (
	MsgFailure          byte = 5
	MsgSuccess          byte = 6
	MsgExtension        byte = 27
	MsgExtensionFailure byte = 28
)

// A Message is the smallest unit on the agent wire: a one-byte type tag
// followed by an opaque payload. Everything above this layer (extension
// envelopes, our RPC opcodes) is just interpretation of Contents.
type Message struct {
	Type     byte
	Contents []byte
}

// FailureMessage, SuccessMessage and ExtensionFailureMessage build the
// three reply shapes the rest of this package ever sends.
func FailureMessage() Message {
	return Message{Type: MsgFailure}
}

func ExtensionFailureMessage() Message {
	return Message{Type: MsgExtensionFailure}
}

func SuccessMessage(contents []byte) Message {
	return Message{Type: MsgSuccess, Contents: contents}
}

// Encode renders a Message as it appears on the wire: a 4-byte
// big-endian length prefix (covering the type byte and the contents),
// the type byte, then the contents.
func Encode(m Message) []byte {
	out := make([]byte, 4+1+len(m.Contents))
	binary.BigEndian.PutUint32(out[0:4], uint32(1+len(m.Contents)))
	out[4] = m.Type
	copy(out[5:], m.Contents)
	return out
}

// FrameDecoder is a streaming decoder: feed it chunks of bytes as they
// arrive, in any split, and it yields whichever complete Messages those
// chunks add up to. It retains whatever's left over (a partial length
// prefix, or a partial body) for the next Feed call, which is what makes
// frame decoding restartable across network reads of arbitrary size.
type FrameDecoder struct {
	buf bytes.Buffer
}

// Feed appends chunk to the internal buffer and decodes as many complete
// messages as are now available. A length of zero anywhere in the stream
// is a protocol violation and terminates decoding for good; the partial
// messages already yielded (if any) in this call are still returned
// alongside the error so a caller can flush them before giving up.
func (d *FrameDecoder) Feed(chunk []byte) ([]Message, error) {
	d.buf.Write(chunk)

	var out []Message
	for {
		b := d.buf.Bytes()
		if len(b) < 4 {
			break
		}
		length := binary.BigEndian.Uint32(b[0:4])
		if length == 0 {
			return out, ErrZeroLengthFrame
		}
		if uint64(len(b)) < 4+uint64(length) {
			break
		}

		body := make([]byte, length)
		copy(body, b[4:4+length])
		d.buf.Next(4 + int(length))

		out = append(out, Message{Type: body[0], Contents: body[1:]})
	}
	return out, nil
}

// Decoder wraps an io.Reader with a FrameDecoder so callers can pull one
// Message at a time, the way the frame reader, the upstream proxy and the
// client driver all want to.
type Decoder struct {
	r       io.Reader
	fd      FrameDecoder
	pending []Message
	readBuf [4096]byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode returns the next Message on the stream, reading from the
// underlying io.Reader as needed. It returns the underlying read error
// (including io.EOF) once no further buffered messages remain.
func (d *Decoder) Decode() (Message, error) {
	for len(d.pending) == 0 {
		n, err := d.r.Read(d.readBuf[:])
		if n > 0 {
			msgs, ferr := d.fd.Feed(d.readBuf[:n])
			d.pending = append(d.pending, msgs...)
			if ferr != nil {
				return Message{}, ferr
			}
		}
		if err != nil {
			if len(d.pending) > 0 {
				break
			}
			return Message{}, err
		}
	}

	m := d.pending[0]
	d.pending = d.pending[1:]
	return m, nil
}

// Encoder writes Messages to an io.Writer in wire format.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(m Message) error {
	_, err := e.w.Write(Encode(m))
	return err
}
