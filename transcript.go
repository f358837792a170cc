package smtp4j

// Exchange pairs the raw command lines read since the previous reply with
// the full reply text that was emitted in response. The session appends
// one exchange per reply; concatenating every exchange's lines (received
// lines then reply text, in order) reproduces the wire conversation
// byte-for-byte under the ISO-8859-1 projection.
type Exchange struct {
	ReceivedLines []string
	ReplyText     string
}

// transcriptRecorder buffers raw lines read since the last reply and turns
// each reply emission into one Exchange. Each line is stored as its own
// string (the ISO-8859-1 projection plus the re-appended CRLF); its
// lifetime is bounded by the session it belongs to.
type transcriptRecorder struct {
	pending   []string
	exchanges []Exchange
}

// recordLine appends one raw line (already projected to the ISO-8859-1
// string form, with its terminating CRLF/LF already stripped by the line
// reader) to the buffer awaiting the next reply. The CRLF is re-appended
// here so that ReceivedLines, concatenated, reproduce the CRLF-terminated
// bytes actually read off the wire -- the line reader itself only ever
// strips the terminator, it never has a reason to report it back.
func (t *transcriptRecorder) recordLine(line string) {
	t.pending = append(t.pending, line+"\r\n")
}

// recordReply closes out the current exchange with the reply text that
// was just sent, and clears the pending-line buffer.
func (t *transcriptRecorder) recordReply(replyText string) {
	t.exchanges = append(t.exchanges, Exchange{
		ReceivedLines: t.pending,
		ReplyText:     replyText,
	})
	t.pending = nil
}

// snapshot returns the transcript accumulated so far, safe to hand to a
// delivered message.
func (t *transcriptRecorder) snapshot() []Exchange {
	out := make([]Exchange, len(t.exchanges))
	copy(out, t.exchanges)
	return out
}

// snapshotThroughPending is like snapshot, but additionally appends a
// synthetic trailing Exchange covering whatever lines are currently
// pending (read off the wire but not yet paired with a reply).
//
// It exists for Message.Transcript: the DATA terminator arrives, and the
// message's raw bytes and transcript are snapshotted, before the session
// knows (or can honestly report) what the closing reply will be -- that
// depends on the firewall and the delivery sink, both consulted after
// this snapshot is taken. Per the base spec's invariant 2, the delivered
// message only needs to reproduce the wire bytes read up to and
// including the "." terminator, not the reply that eventually closes the
// exchange, so a trailing Exchange with an empty ReplyText satisfies
// that without misreporting a reply that hasn't been sent yet. The real
// recordReply call that follows (on the session's own transcriptRecorder,
// once the closing reply is actually sent) is unaffected: t.pending is
// left untouched here.
func (t *transcriptRecorder) snapshotThroughPending() []Exchange {
	out := t.snapshot()
	if len(t.pending) > 0 {
		out = append(out, Exchange{ReceivedLines: append([]string(nil), t.pending...)})
	}
	return out
}

// toLatin1 projects raw bytes read off the wire onto a Go string using the
// ISO-8859-1 (1:1 byte-to-rune) mapping, so the transcript round-trips
// losslessly regardless of the actual encoding used on the wire.
func toLatin1(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}
