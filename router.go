package revexec

import (
	"sync"

	"github.com/jhunt/go-log"
)

// A ReplySlot is a single-use, awaitable one-shot: the frame reader
// creates one per inbound request, in arrival order, and the frame
// writer (see listener.go's writeReplies) consumes them from a FIFO
// queue, blocking on each in turn. That serializes what goes out on the
// wire without serializing how long any one request takes to handle —
// the trickiest invariant in this whole system (spec.md §4.5/§9).
//
// Fulfill is idempotent: only the first call takes effect. Recv blocks
// until some holder calls Fulfill; nothing resolves a slot on a holder's
// behalf, so each handler in this package fulfills its slot on every one
// of its return paths. A slot still queued when the connection is torn
// down is never fulfilled, and the reply writer stays blocked on it.
type ReplySlot struct {
	ch   chan Message
	once sync.Once
}

func newReplySlot() *ReplySlot {
	return &ReplySlot{ch: make(chan Message, 1)}
}

func (s *ReplySlot) Fulfill(m Message) {
	s.once.Do(func() {
		s.ch <- m
	})
}

func (s *ReplySlot) Recv() Message {
	return <-s.ch
}

// requestEnvelope pairs a raw agent Message with the reply slot that a
// reply to it must eventually fill.
type requestEnvelope struct {
	msg  Message
	slot *ReplySlot
}

// extRequestEnvelope is what Router hands off to the Session once it has
// established that a Message is a recognized extension request: just
// the extension's inner Contents (the opcode byte and whatever follows)
// plus the same reply slot.
type extRequestEnvelope struct {
	payload []byte
	slot    *ReplySlot
}

// Router implements the per-client dispatch split of spec.md §4.5:
// extension traffic for our custom ext_type goes to the session, an
// extension message that is malformed or carries any other ext_type is
// answered with AGENT_FAILURE, and every non-extension message is
// forwarded to the upstream proxy verbatim. It never
// panics on a malformed request — it turns protocol errors into failure
// replies so the connection survives to carry on pass-through traffic
// (spec.md §7).
type Router struct {
	upstream    *UpstreamProxy
	sessionReqs chan<- extRequestEnvelope
}

func newRouter(upstream *UpstreamProxy, sessionReqs chan<- extRequestEnvelope) *Router {
	return &Router{upstream: upstream, sessionReqs: sessionReqs}
}

// Run drains reqs until the channel closes (the frame reader exited) or
// a forwarding error makes the whole connection unrecoverable. Router is
// the only sender on sessionReqs, so it closes that channel on the way
// out — that's what lets Session's request loop (and, after Session has
// already finished, listener.go's post-Session drain of sessionReqs)
// terminate instead of blocking forever on a channel nothing will ever
// send to again.
func (r *Router) Run(reqs <-chan requestEnvelope) error {
	defer close(r.sessionReqs)
	for env := range reqs {
		if err := r.dispatch(env); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) dispatch(env requestEnvelope) error {
	if env.msg.Type != MsgExtension {
		return r.forwardToUpstream(env)
	}

	ext, err := DecodeExtension(env.msg.Contents)
	if err != nil {
		log.Debugf("router: malformed extension envelope: %s", err)
		env.slot.Fulfill(FailureMessage())
		return nil
	}

	// TODO: support "4.7.1. Query extension" so agents can introspect
	// which extensions we answer, without changing dispatch itself.
	if ext.Type != RevExecExtensionType {
		env.slot.Fulfill(FailureMessage())
		return nil
	}

	r.sessionReqs <- extRequestEnvelope{payload: ext.Contents, slot: env.slot}
	return nil
}

func (r *Router) forwardToUpstream(env requestEnvelope) error {
	if r.upstream == nil {
		env.slot.Fulfill(FailureMessage())
		return nil
	}

	reply, err := r.upstream.Forward(env.msg)
	if err != nil {
		log.Errorf("router: upstream forward failed: %s", err)
		env.slot.Fulfill(FailureMessage())
		return err
	}

	env.slot.Fulfill(reply)
	return nil
}
