package revexec

import (
	"errors"
	"io"
	"net"
)

// UpstreamProxy holds a framed duplex to the real upstream ssh-agent.
// It is owned by exactly one Router (one per client connection); there
// is no sharing across connections, and forwarding is strictly serial —
// write one request, read the one reply it provokes, in that order.
type UpstreamProxy struct {
	conn net.Conn
	dec  *Decoder
	enc  *Encoder
}

// DialUpstream opens a framed connection to the agent socket at path.
func DialUpstream(path string) (*UpstreamProxy, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return &UpstreamProxy{
		conn: conn,
		dec:  NewDecoder(conn),
		enc:  NewEncoder(conn),
	}, nil
}

// Forward writes req to the upstream agent and returns the single reply
// it sends back. Closure of the upstream mid-call surfaces as
// ErrUpstreamClosed; any other read failure is returned as-is.
func (u *UpstreamProxy) Forward(req Message) (Message, error) {
	if err := u.enc.Encode(req); err != nil {
		return Message{}, err
	}
	reply, err := u.dec.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, ErrUpstreamClosed
		}
		return Message{}, err
	}
	return reply, nil
}

func (u *UpstreamProxy) Close() error {
	return u.conn.Close()
}
