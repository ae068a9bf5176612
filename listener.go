package revexec

import (
	"net"

	"github.com/jhunt/go-log"
)

// Agent is the agent-role listener (C8): it accepts client connections
// on ListenPath and spins up a per-connection Pipeline for each one,
// exactly the way the teacher's Hub accepted SSH connections and handed
// each off to its own goroutine in hub.go's Listen loop.
type Agent struct {
	// ListenPath is the filesystem socket this process listens on, in
	// place of the conventional ssh-agent socket.
	ListenPath string

	// UpstreamPath is the real ssh-agent socket to forward pass-through
	// requests to. If empty, every pass-through request fails.
	UpstreamPath string
}

// ListenAndServe binds ListenPath and serves client connections until
// the listener errors out (typically because the socket was removed out
// from under it).
func (a *Agent) ListenAndServe() error {
	ln, err := net.Listen("unix", a.ListenPath)
	if err != nil {
		return err
	}
	defer ln.Close()

	if a.UpstreamPath == "" {
		log.Infof("agent: no upstream agent configured; pass-through requests will fail")
	}

	id := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}

		id++
		log.Debugf("agent: [%d] connection accepted", id)
		go a.serve(id, conn)
	}
}

func (a *Agent) serve(id int, conn net.Conn) {
	defer conn.Close()

	p := &Pipeline{conn: conn, upstreamPath: a.UpstreamPath}
	if err := p.Run(); err != nil {
		log.Errorf("agent: [%d] connection ended: %s", id, err)
		return
	}
	log.Debugf("agent: [%d] connection closed", id)
}

// Pipeline wires together the four concurrent sub-tasks that service a
// single client connection: the frame reader, the reply writer, the
// router, and the session. It's a "first-to-resolve-wins" composition —
// spec.md §5 calls this out explicitly — so whichever sub-task ends
// first (cleanly or with an error) triggers teardown of the other three
// by closing the underlying connection out from under their blocking
// reads and writes.
type Pipeline struct {
	conn         net.Conn
	upstreamPath string
}

func (p *Pipeline) Run() error {
	var upstream *UpstreamProxy
	if p.upstreamPath != "" {
		up, err := DialUpstream(p.upstreamPath)
		if err != nil {
			return err
		}
		upstream = up
		defer upstream.Close()
	}

	dec := NewDecoder(p.conn)
	enc := NewEncoder(p.conn)

	replyQueue := make(chan *ReplySlot, 64)
	routerReqs := make(chan requestEnvelope, 64)
	sessionReqs := make(chan extRequestEnvelope, 64)

	router := newRouter(upstream, sessionReqs)
	session := newSession(sessionReqs)

	done := make(chan error, 4)
	go func() { done <- readFrames(dec, replyQueue, routerReqs) }()
	go func() { done <- writeReplies(enc, replyQueue) }()
	go func() { done <- router.Run(routerReqs) }()
	go func() { done <- runSession(session, sessionReqs) }()

	err := <-done
	p.conn.Close()
	return err
}

// readFrames decodes messages off the wire in arrival order, allocating
// a reply slot for each one before handing the (message, slot) pair to
// the router — the slot is pushed onto replyQueue first, which is what
// lets the reply writer emit replies strictly in request-arrival order
// even though the router and session may finish them out of order.
func readFrames(dec *Decoder, replyQueue chan<- *ReplySlot, routerReqs chan<- requestEnvelope) error {
	defer close(replyQueue)
	defer close(routerReqs)

	for {
		msg, err := dec.Decode()
		if err != nil {
			return err
		}

		slot := newReplySlot()
		replyQueue <- slot
		routerReqs <- requestEnvelope{msg: msg, slot: slot}
	}
}

// writeReplies drains replyQueue in order, blocking on each slot before
// encoding and writing its reply. This is the serialization point: slow
// handlers (a long Watch) never reorder output ahead of faster ones that
// arrived after them, because the writer won't move on to the next slot
// until the current one resolves.
func writeReplies(enc *Encoder, replyQueue <-chan *ReplySlot) error {
	for slot := range replyQueue {
		if err := enc.Encode(slot.Recv()); err != nil {
			return err
		}
	}
	return nil
}

// runSession runs the session to completion, then keeps draining
// sessionReqs for as long as Router is still sending to it — Session
// itself may finish (child reaped, Exited delivered) well before the
// connection does, and the router keeps routing extension requests to
// this channel until it closes it. Router is the channel's only sender
// and closes it on its own way out (see router.go's Run), which is what
// lets this drain loop terminate instead of leaking for the life of the
// process.
func runSession(session *Session, sessionReqs <-chan extRequestEnvelope) error {
	err := session.Run()
	// Drain and discard any further extension requests the router
	// still tries to forward — the session consumer is gone, so this
	// loop answers each of them with AGENT_FAILURE.
	for env := range sessionReqs {
		env.slot.Fulfill(FailureMessage())
	}
	return err
}
