package revexec

import (
	"bytes"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Message framing", func() {
	It("round-trips through Encode/Decode regardless of how reads are chunked", func() {
		msgs := []Message{
			FailureMessage(),
			SuccessMessage(nil),
			SuccessMessage([]byte("hello")),
			{Type: MsgExtension, Contents: []byte{1, 2, 3}},
		}

		var wire []byte
		for _, m := range msgs {
			wire = append(wire, Encode(m)...)
		}

		// Feed the whole thing back one byte at a time; the decoder must
		// still recover every message, in order.
		var fd FrameDecoder
		var got []Message
		for _, b := range wire {
			out, err := fd.Feed([]byte{b})
			Expect(err).NotTo(HaveOccurred())
			got = append(got, out...)
		}

		Expect(got).To(HaveLen(len(msgs)))
		for i, m := range msgs {
			Expect(got[i].Type).To(Equal(m.Type))
			Expect(got[i].Contents).To(Equal(m.Contents))
		}
	})

	It("rejects a zero-length frame", func() {
		var fd FrameDecoder
		_, err := fd.Feed([]byte{0, 0, 0, 0})
		Expect(err).To(Equal(ErrZeroLengthFrame))
	})

	It("decodes a literal example frame (AGENT_SUCCESS, empty body)", func() {
		// 00 00 00 01 06 — length 1, type 6 (AGENT_SUCCESS), no contents.
		wire := []byte{0x00, 0x00, 0x00, 0x01, 0x06}
		dec := NewDecoder(bytes.NewReader(wire))
		m, err := dec.Decode()
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Type).To(Equal(MsgSuccess))
		Expect(m.Contents).To(BeEmpty())
	})

	It("streams multiple messages off one io.Reader in order", func() {
		var wire []byte
		wire = append(wire, Encode(SuccessMessage([]byte("a")))...)
		wire = append(wire, Encode(SuccessMessage([]byte("b")))...)

		dec := NewDecoder(bytes.NewReader(wire))
		m1, err := dec.Decode()
		Expect(err).NotTo(HaveOccurred())
		Expect(m1.Contents).To(Equal([]byte("a")))

		m2, err := dec.Decode()
		Expect(err).NotTo(HaveOccurred())
		Expect(m2.Contents).To(Equal([]byte("b")))
	})
})
