package revexec

import (
	"encoding/binary"
)

// RevExecExtensionType is the only agent-protocol extension this system
// recognizes. Router answers an EXTENSION message carrying a different
// type string with AGENT_FAILURE; it is not forwarded upstream.
const RevExecExtensionType = "ssh-rev-exec.1@koba789.com"

// Extension is the decoded form of an agent EXTENSION message's
// contents: a length-prefixed type string followed by opaque
// opcode-tagged bytes (see rpc.go for what lives in Contents).
type Extension struct {
	Type     string
	Contents []byte
}

// DecodeExtension parses the contents of an EXTENSION message. It fails
// if there aren't even 4 bytes for the type-length prefix, or if the
// prefix claims more bytes than are actually present.
func DecodeExtension(b []byte) (Extension, error) {
	if len(b) < 4 {
		return Extension{}, ErrShortExtension
	}
	typeLen := binary.BigEndian.Uint32(b[0:4])
	rest := b[4:]
	if uint64(len(rest)) < uint64(typeLen) {
		return Extension{}, ErrExtensionTypeLen
	}

	return Extension{
		Type:     string(rest[:typeLen]),
		Contents: rest[typeLen:],
	}, nil
}

// Encode is the inverse of DecodeExtension.
func (e Extension) Encode() []byte {
	out := make([]byte, 4+len(e.Type)+len(e.Contents))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(e.Type)))
	copy(out[4:], e.Type)
	copy(out[4+len(e.Type):], e.Contents)
	return out
}

// extensionRequestMessage wraps a Request as the EXTENSION message that carries
// it, tagged with RevExecExtensionType. This is the only shape a client
// driver ever sends.
func extensionRequestMessage(req Request) (Message, error) {
	payload, err := req.Encode()
	if err != nil {
		return Message{}, err
	}
	ext := Extension{Type: RevExecExtensionType, Contents: payload}
	return Message{Type: MsgExtension, Contents: ext.Encode()}, nil
}
