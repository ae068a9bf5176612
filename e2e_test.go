package revexec_test

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/jhunt/go-revexec"
)

func startAgent(upstream string) (sockPath string, stop func()) {
	dir, err := os.MkdirTemp("", "revexec-test")
	Expect(err).NotTo(HaveOccurred())
	sockPath = filepath.Join(dir, "agent.sock")

	a := &revexec.Agent{ListenPath: sockPath, UpstreamPath: upstream}
	errCh := make(chan error, 1)
	go func() { errCh <- a.ListenAndServe() }()

	Eventually(func() error {
		_, err := os.Stat(sockPath)
		return err
	}, time.Second, 5*time.Millisecond).Should(Succeed())

	return sockPath, func() { os.RemoveAll(dir) }
}

var _ = Describe("end-to-end agent/exec", func() {
	var sock string
	var stop func()

	BeforeEach(func() {
		sock, stop = startAgent("")
	})

	AfterEach(func() {
		stop()
	})

	It("captures stdout and propagates a zero exit code", func() {
		d, err := revexec.Dial(sock)
		Expect(err).NotTo(HaveOccurred())
		defer d.Close()

		var stdout, stderr bytes.Buffer
		code, err := d.Run(revexec.ExecDescriptor{Cmd: "/bin/echo", Args: []string{"hello", "world"}},
			strings.NewReader(""), &stdout, &stderr)

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(0))
		Expect(stdout.String()).To(Equal("hello world\n"))
		Expect(stderr.String()).To(BeEmpty())
	})

	It("propagates a non-zero exit code", func() {
		d, err := revexec.Dial(sock)
		Expect(err).NotTo(HaveOccurred())
		defer d.Close()

		code, err := d.Run(revexec.ExecDescriptor{Cmd: "/bin/sh", Args: []string{"-c", "exit 3"}},
			strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(3))
	})

	It("interleaves stdout and stderr into their own streams", func() {
		d, err := revexec.Dial(sock)
		Expect(err).NotTo(HaveOccurred())
		defer d.Close()

		var stdout, stderr bytes.Buffer
		script := "echo out1; echo err1 >&2; echo out2; echo err2 >&2"
		code, err := d.Run(revexec.ExecDescriptor{Cmd: "/bin/sh", Args: []string{"-c", script}},
			strings.NewReader(""), &stdout, &stderr)

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(0))
		Expect(stdout.String()).To(Equal("out1\nout2\n"))
		Expect(stderr.String()).To(Equal("err1\nerr2\n"))
	})

	It("forwards local stdin to the child and closes it on EOF", func() {
		d, err := revexec.Dial(sock)
		Expect(err).NotTo(HaveOccurred())
		defer d.Close()

		var stdout bytes.Buffer
		code, err := d.Run(revexec.ExecDescriptor{Cmd: "/bin/cat"}, strings.NewReader("line one\nline two\n"), &stdout, &bytes.Buffer{})

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(0))
		Expect(stdout.String()).To(Equal("line one\nline two\n"))
	})

	It("applies Envs as overrides on top of the inherited environment, not a replacement", func() {
		d, err := revexec.Dial(sock)
		Expect(err).NotTo(HaveOccurred())
		defer d.Close()

		var stdout bytes.Buffer
		desc := revexec.ExecDescriptor{
			Cmd:  "/bin/sh",
			Args: []string{"-c", "echo $GREETING; echo $PATH"},
			Envs: map[string]string{"GREETING": "hi"},
		}
		code, err := d.Run(desc, strings.NewReader(""), &stdout, &bytes.Buffer{})

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(0))
		lines := strings.SplitN(stdout.String(), "\n", 2)
		Expect(lines[0]).To(Equal("hi"))
		Expect(strings.TrimSpace(lines[1])).To(Equal(os.Getenv("PATH")))
	})
})

var _ = Describe("pass-through traffic with no upstream configured", func() {
	It("fails a plain (non-extension) request, then still serves the custom extension on the same connection", func() {
		sock, stop := startAgent("")
		defer stop()

		conn, err := net.Dial("unix", sock)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		enc := revexec.NewEncoder(conn)
		dec := revexec.NewDecoder(conn)

		// A request-identity request (type 11), as any real ssh-agent
		// client might send, with no upstream configured to answer it.
		Expect(enc.Encode(revexec.Message{Type: 11})).To(Succeed())
		reply, err := dec.Decode()
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Type).To(Equal(revexec.MsgFailure))

		// The connection itself must still be usable for our extension.
		req := revexec.Request{Op: revexec.OpExec, Exec: revexec.ExecDescriptor{Cmd: "/bin/true"}}
		payload, err := req.Encode()
		Expect(err).NotTo(HaveOccurred())
		ext := revexec.Extension{Type: revexec.RevExecExtensionType, Contents: payload}
		msg := revexec.Message{Type: revexec.MsgExtension, Contents: ext.Encode()}
		Expect(enc.Encode(msg)).To(Succeed())

		reply, err = dec.Decode()
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Type).To(Equal(revexec.MsgSuccess))
	})
})
