package revexec

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/jhunt/go-log"
)

// Driver is the exec-side state machine of spec.md §4.7: it sends Exec,
// awaits the ack, then drives Exec->Watch*->Exited, pumping local stdin
// alongside. The outgoing half is shared between the event loop and the
// stdin pump under a mutex held only for the duration of one frame
// write — reads are single-threaded through the event loop, matching
// spec.md §5's ordering guarantees.
type Driver struct {
	conn net.Conn
	dec  *Decoder

	mu  sync.Mutex
	enc *Encoder
}

// Dial opens a framed connection to the agent endpoint at path — in
// practice, the same SSH_AUTH_SOCK the exec role was handed in place of
// a real ssh-agent socket.
func Dial(path string) (*Driver, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return &Driver{
		conn: conn,
		dec:  NewDecoder(conn),
		enc:  NewEncoder(conn),
	}, nil
}

func (d *Driver) Close() error {
	return d.conn.Close()
}

// Run executes desc on the agent side and drives its stdio against the
// given local streams until the child exits, returning its exit code.
func (d *Driver) Run(desc ExecDescriptor, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if err := d.send(Request{Op: OpExec, Exec: desc}); err != nil {
		return 0, fmt.Errorf("send exec request: %w", err)
	}
	if err := d.expectAck(); err != nil {
		return 0, fmt.Errorf("exec request rejected: %w", err)
	}
	if err := d.send(Request{Op: OpWatch}); err != nil {
		return 0, fmt.Errorf("send initial watch: %w", err)
	}

	go d.pumpStdin(stdin)

	for {
		ev, err := d.recvEvent()
		if err != nil {
			return 0, err
		}

		switch ev.Code {
		case EventStdout:
			if _, err := stdout.Write(ev.Data); err != nil {
				return 0, err
			}
			if err := d.send(Request{Op: OpWatch}); err != nil {
				return 0, err
			}

		case EventStderr:
			if _, err := stderr.Write(ev.Data); err != nil {
				return 0, err
			}
			if err := d.send(Request{Op: OpWatch}); err != nil {
				return 0, err
			}

		case EventCancelled:
			if err := d.send(Request{Op: OpWatch}); err != nil {
				return 0, err
			}

		case EventExited:
			return int(ev.ExitCode), nil
		}
	}
}

// pumpStdin reads local stdin in small chunks and forwards each as a
// Stdin request, finishing with one empty Stdin to signal EOF. Errors
// here are logged rather than surfaced: if the connection is actually
// broken, the event loop's own reads will fail and report it.
func (d *Driver) pumpStdin(stdin io.Reader) {
	buf := make([]byte, 256)
	for {
		n, rerr := stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := d.send(Request{Op: OpStdin, Stdin: chunk}); err != nil {
				log.Errorf("exec: failed to forward stdin: %s", err)
				return
			}
		}
		if rerr != nil {
			if err := d.send(Request{Op: OpStdin, Stdin: []byte{}}); err != nil {
				log.Errorf("exec: failed to signal stdin eof: %s", err)
			}
			return
		}
	}
}

func (d *Driver) send(req Request) error {
	msg, err := extensionRequestMessage(req)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enc.Encode(msg)
}

// expectAck awaits the reply to Exec: AGENT_SUCCESS with an empty body.
// Anything else is fatal, per spec.md §4.7's reply-type table.
func (d *Driver) expectAck() error {
	msg, err := d.dec.Decode()
	if err != nil {
		return err
	}
	if msg.Type == MsgSuccess && len(msg.Contents) == 0 {
		return nil
	}
	if isAgentFailure(msg.Type) {
		return ErrRemoteFailure
	}
	return fmt.Errorf("revexec: unexpected reply to exec (type %d)", msg.Type)
}

// recvEvent awaits the next Event-bearing reply, skipping over the
// empty-body AGENT_SUCCESS acks that answer every Stdin request along
// the way — those interleave with the Watch/event stream on this same
// read loop (reads are single-threaded, see Driver's doc comment) and
// carry no event of their own.
func (d *Driver) recvEvent() (Event, error) {
	for {
		msg, err := d.dec.Decode()
		if err != nil {
			return Event{}, err
		}
		if msg.Type == MsgSuccess && len(msg.Contents) > 0 {
			return DecodeEvent(msg.Contents)
		}
		if msg.Type == MsgSuccess && len(msg.Contents) == 0 {
			continue
		}
		if isAgentFailure(msg.Type) {
			return Event{}, ErrRemoteFailure
		}
		return Event{}, fmt.Errorf("revexec: unexpected reply while watching (type %d)", msg.Type)
	}
}
