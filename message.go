package smtp4j

import "context"

// Message is an immutable snapshot of one delivered mail: the envelope,
// the raw (dot-unstuffed, terminator-stripped) RFC 5322 byte stream, and
// the full transcript of the SMTP exchange that produced it. Parsed views
// (headers, body, attachments) are the concern of a MIME collaborator,
// not this package.
type Message struct {
	Secure             bool
	EnvelopeSender     string
	EnvelopeRecipients []string
	RawMIME            []byte
	Transcript         []Exchange
}

// DeliverySink is the capability by which a completed message, together
// with its transcript, is handed to the embedding program. It may reject
// the message by returning an error, whose text is sent back to the
// client as a 554 reply; no message is delivered in that case.
//
// Generalised from goms/inboundconnection.go's
// InboundTransactionProcessor.ProcessMail(ctx, conn, data) signature.
type DeliverySink interface {
	Deliver(ctx context.Context, msg *Message) error
}

// DeliverySinkFunc adapts a plain function to a DeliverySink.
type DeliverySinkFunc func(ctx context.Context, msg *Message) error

func (f DeliverySinkFunc) Deliver(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}
