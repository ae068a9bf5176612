package revexec

import (
	"encoding/binary"
	"encoding/json"
)

// OpCode tags the single byte that leads every Request.
type OpCode byte

const (
	OpExec  OpCode = 0
	OpStdin OpCode = 1
	OpWatch OpCode = 2
)

// ExecDescriptor is the JSON body of an Exec request. JSON is used
// deliberately here, and only here: it lets the descriptor grow new
// fields without touching the framing, while Stdin and Watch — the hot
// path once a session is running — stay raw bytes.
type ExecDescriptor struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args"`
	Envs map[string]string `json:"envs"`
	Cwd  *string           `json:"cwd"`
}

// Request is the decoded form of an extension envelope's Contents.
// Only the field matching Op is meaningful.
type Request struct {
	Op    OpCode
	Exec  ExecDescriptor
	Stdin []byte
}

// Encode renders a Request as opcode byte + opcode-specific payload.
func (r Request) Encode() ([]byte, error) {
	switch r.Op {
	case OpExec:
		body, err := json.Marshal(r.Exec)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 1+len(body))
		out[0] = byte(OpExec)
		copy(out[1:], body)
		return out, nil

	case OpStdin:
		out := make([]byte, 1+len(r.Stdin))
		out[0] = byte(OpStdin)
		copy(out[1:], r.Stdin)
		return out, nil

	case OpWatch:
		return []byte{byte(OpWatch)}, nil

	default:
		return nil, ErrUnknownOpCode
	}
}

// DecodeRequest parses an extension envelope's Contents into a Request.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) == 0 {
		return Request{}, ErrEmptyRequest
	}
	op, body := OpCode(b[0]), b[1:]
	switch op {
	case OpExec:
		var desc ExecDescriptor
		if err := json.Unmarshal(body, &desc); err != nil {
			return Request{}, err
		}
		return Request{Op: OpExec, Exec: desc}, nil

	case OpStdin:
		return Request{Op: OpStdin, Stdin: body}, nil

	case OpWatch:
		return Request{Op: OpWatch}, nil

	default:
		return Request{}, ErrUnknownOpCode
	}
}

// EventCode tags the single byte that leads every Event.
type EventCode byte

const (
	EventCancelled EventCode = 0
	EventStdout    EventCode = 1
	EventStderr    EventCode = 2
	EventExited    EventCode = 3
)

// Event is the decoded form of a Watch reply's contents.
type Event struct {
	Code     EventCode
	Data     []byte
	ExitCode int32
}

// Encode renders an Event as opcode byte + opcode-specific payload.
func (e Event) Encode() []byte {
	switch e.Code {
	case EventCancelled:
		return []byte{byte(EventCancelled)}

	case EventStdout, EventStderr:
		out := make([]byte, 1+len(e.Data))
		out[0] = byte(e.Code)
		copy(out[1:], e.Data)
		return out

	case EventExited:
		out := make([]byte, 5)
		out[0] = byte(EventExited)
		binary.BigEndian.PutUint32(out[1:], uint32(e.ExitCode))
		return out

	default:
		return []byte{byte(e.Code)}
	}
}

// DecodeEvent parses a Watch reply's contents into an Event.
func DecodeEvent(b []byte) (Event, error) {
	if len(b) == 0 {
		return Event{}, ErrEmptyRequest
	}
	code, body := EventCode(b[0]), b[1:]
	switch code {
	case EventCancelled:
		return Event{Code: EventCancelled}, nil

	case EventStdout, EventStderr:
		return Event{Code: code, Data: body}, nil

	case EventExited:
		if len(body) < 4 {
			return Event{}, ErrTruncatedEvent
		}
		return Event{Code: EventExited, ExitCode: int32(binary.BigEndian.Uint32(body[:4]))}, nil

	default:
		return Event{}, ErrUnknownOpCode
	}
}
