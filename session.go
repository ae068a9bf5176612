package revexec

import (
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/jhunt/go-log"
)

// A runningChild wraps one spawned child process: its stdin write end,
// its stdout/stderr read ends, and a fan-in events channel that the
// three background pumps (stdout, stderr, exit) feed. The channel is
// unbuffered, which is what gives us "at most one outstanding event in
// flight" for free — a pump blocks on its send until Session's Watch
// handler is ready to receive, so nothing races ahead of what Watch
// actually asked for.
//
// drained tracks the stdout/stderr pumps only: pumpExit waits on it
// before delivering Exited, so a child reaped by cmd.Wait() before its
// pipes are fully read never lets Exited preempt output still in
// flight.
//
// This was broken out into its own type for the same reason the
// teacher's session type was: it cleanly separates child-process
// bookkeeping from the request/reply state machine that drives it.
type runningChild struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	events  chan Event
	drained sync.WaitGroup
}

// spawn starts desc with all three standard streams piped, using plain
// os.Pipe handles rather than exec.Cmd's own StdoutPipe/StderrPipe
// helpers. That matters: Cmd.Wait closes pipes it opened itself as soon
// as the process exits, and the stdlib explicitly warns that reading
// from such a pipe concurrently with Wait is racy. By owning the pipe
// ends ourselves (cmd.Stdout/cmd.Stderr are *os.File, which Cmd passes
// straight to the child instead of wrapping), the "child exit races
// output reads" semantics from spec.md §4.6 are safe to implement as
// three independent goroutines.
func spawn(desc ExecDescriptor) (*runningChild, error) {
	cmd := exec.Command(desc.Cmd, desc.Args...)
	cmd.Env = mergeEnv(os.Environ(), desc.Envs)
	if desc.Cwd != nil {
		cmd.Dir = *desc.Cwd
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, err
	}

	// We handed the child our read/write ends of each pipe; close our
	// copies of the ends that now belong to the child.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	r := &runningChild{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		events: make(chan Event),
	}
	r.drained.Add(2)
	r.pump()
	return r, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, len(base), len(base)+len(overrides))
	copy(out, base)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

func (r *runningChild) pump() {
	go r.pumpReader(r.stdout, EventStdout)
	go r.pumpReader(r.stderr, EventStderr)
	go r.pumpExit()
}

// pumpReader reads up to 4KiB at a time and emits one event per
// non-empty read, then a single empty-buffer event on EOF before it
// stops reading for good — exactly the contract spec.md §4.6 describes
// for stdout/stderr under Watch. It marks itself drained on return so
// pumpExit knows this pipe is fully read.
func (r *runningChild) pumpReader(in io.Reader, code EventCode) {
	defer r.drained.Done()
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			r.events <- Event{Code: code, Data: data}
		}
		if err != nil {
			r.events <- Event{Code: code, Data: []byte{}}
			return
		}
	}
}

// pumpExit reaps the child, then withholds Exited until both stdout and
// stderr have been fully drained. cmd.Wait can return the moment the
// process exits, well before the stdout/stderr pumps finish reading
// whatever was still buffered in their pipes; without this wait, Exited
// could reach Session.watch and end the session while output events are
// still in flight.
func (r *runningChild) pumpExit() {
	err := r.cmd.Wait()
	code := int32(0)
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = int32(exitErr.ExitCode())
	} else if err == nil && r.cmd.ProcessState != nil {
		code = int32(r.cmd.ProcessState.ExitCode())
	}
	r.drained.Wait()
	r.events <- Event{Code: EventExited, ExitCode: code}
}

// kill guarantees the child is signalled for termination no matter how
// the session handler exits — normally, on error, or because some other
// part of the per-connection pipeline failed and tore everything down.
// This is the kill-on-drop guarantee spec.md §9 calls out as essential;
// Go has no destructor to hang it on, so Session calls this in a defer
// the moment a child is spawned.
func (r *runningChild) kill() {
	if r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
}

func (r *runningChild) closeStdin() {
	if r.stdin != nil {
		r.stdin.Close()
		r.stdin = nil
	}
}

// Session is the agent-side state machine of spec.md §4.6: Idle until an
// Exec arrives, then Spawned/Watching until the child exits. It owns a
// single "peeked" request slot so that a request which preempts an
// outstanding Watch isn't lost — the next loop iteration drains the peek
// slot before it goes back to the request channel.
type Session struct {
	reqs <-chan extRequestEnvelope
	peek *extRequestEnvelope
}

func newSession(reqs <-chan extRequestEnvelope) *Session {
	return &Session{reqs: reqs}
}

// Run drives the full Idle -> Spawned/Watching -> Finished lifecycle. It
// returns nil when the request channel closes (the connection is being
// torn down) or when the child has exited and its Exited event has been
// delivered.
func (s *Session) Run() error {
	child, err := s.idle()
	if err != nil {
		return err
	}
	if child == nil {
		return nil
	}
	defer child.kill()
	return s.watch(child)
}

// idle accepts only Exec requests; anything else draws EXTENSION_FAILURE
// and the session stays Idle.
func (s *Session) idle() (*runningChild, error) {
	for env := range s.reqs {
		req, err := DecodeRequest(env.payload)
		if err != nil {
			env.slot.Fulfill(ExtensionFailureMessage())
			continue
		}
		if req.Op != OpExec {
			env.slot.Fulfill(ExtensionFailureMessage())
			continue
		}

		child, err := spawn(req.Exec)
		if err != nil {
			log.Errorf("session: failed to spawn %q: %s", req.Exec.Cmd, err)
			env.slot.Fulfill(FailureMessage())
			return nil, err
		}

		log.Debugf("session: spawned %q (pid %d)", req.Exec.Cmd, child.cmd.Process.Pid)
		env.slot.Fulfill(SuccessMessage(nil))
		return child, nil
	}
	return nil, nil
}

// watch implements Spawned/Watching: Stdin writes happen immediately,
// and Watch races the child's next event against the next request
// arriving on the wire.
func (s *Session) watch(child *runningChild) error {
	for {
		env, ok := s.next()
		if !ok {
			return nil
		}

		req, err := DecodeRequest(env.payload)
		if err != nil {
			env.slot.Fulfill(ExtensionFailureMessage())
			continue
		}

		switch req.Op {
		case OpStdin:
			s.handleStdin(child, req.Stdin, env.slot)

		case OpWatch:
			if s.handleWatch(child, env.slot) {
				return nil
			}

		default:
			// OpExec while already spawned, or anything else: at most
			// one Exec is honored per connection.
			env.slot.Fulfill(ExtensionFailureMessage())
		}
	}
}

// next returns the peeked request if Watch stashed one, otherwise blocks
// on the request channel.
func (s *Session) next() (extRequestEnvelope, bool) {
	if s.peek != nil {
		env := *s.peek
		s.peek = nil
		return env, true
	}
	env, ok := <-s.reqs
	return env, ok
}

func (s *Session) handleStdin(child *runningChild, data []byte, slot *ReplySlot) {
	if child.stdin == nil {
		slot.Fulfill(ExtensionFailureMessage())
		return
	}
	if len(data) == 0 {
		child.closeStdin()
		slot.Fulfill(SuccessMessage(nil))
		return
	}
	if _, err := child.stdin.Write(data); err != nil {
		log.Errorf("session: stdin write failed: %s", err)
		slot.Fulfill(ExtensionFailureMessage())
		return
	}
	slot.Fulfill(SuccessMessage(nil))
}

// handleWatch races the next child event against the next request
// arriving on the wire. If a request wins, it's stashed in s.peek and
// this Watch resolves as Cancelled — the core mechanism that lets a
// client interleave Stdin writes without waiting out a long poll.
//
// It returns true once the child's Exited event has been delivered,
// telling Run the session is Finished.
func (s *Session) handleWatch(child *runningChild, slot *ReplySlot) bool {
	select {
	case ev, ok := <-child.events:
		if !ok {
			slot.Fulfill(FailureMessage())
			return true
		}
		slot.Fulfill(SuccessMessage(ev.Encode()))
		return ev.Code == EventExited

	case next, ok := <-s.reqs:
		if !ok {
			slot.Fulfill(SuccessMessage(Event{Code: EventCancelled}.Encode()))
			return true
		}
		s.peek = &next
		slot.Fulfill(SuccessMessage(Event{Code: EventCancelled}.Encode()))
		return false
	}
}
