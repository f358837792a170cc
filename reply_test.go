package smtp4j

import (
	"bufio"
	"bytes"
	"testing"
)

func TestReplySingleLine(t *testing.T) {
	r := NewReply(250, "OK")
	if got, want := string(r.Bytes()), "250 OK\r\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReplyMultiLine(t *testing.T) {
	r := NewReply(250, "mail.example.test greets you")
	r.Add("8BITMIME")
	r.Add("SIZE 1024")

	want := "250-mail.example.test greets you\r\n" +
		"250-8BITMIME\r\n" +
		"250 SIZE 1024\r\n"
	if got := string(r.Bytes()); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReplyWriterFlushes(t *testing.T) {
	var buf bytes.Buffer
	w := newReplyWriter(bufio.NewWriter(&buf))

	if err := w.write(NewReply(220, "ready")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, want := buf.String(), "220 ready\r\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
