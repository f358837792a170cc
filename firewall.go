package smtp4j

import (
	"io"
	"net"
)

// Firewall is the admission-control capability consulted at peer-connect,
// MAIL FROM, RCPT TO and message-complete time. A rejected connection is
// closed without a reply. A rejected MAIL FROM or message gets a 550 reply
// and latches the session's forbidden flag; a rejected RCPT TO gets a 550
// reply without latching it.
//
// Renamed and reshaped from goms/inboundconnection.go's
// InboundTransactionProcessor: the teacher's four Check*/ProcessMail hooks
// return (*ICResponse, error) because they double as the reply text
// source; this spec wants plain admission predicates; a unique 550 text
// is supplied by the session.
type Firewall interface {
	// AcceptConnection is consulted once, right after accept().
	AcceptConnection(peer net.Addr) bool
	// AllowedFrom is consulted after MAIL FROM is parsed.
	AllowedFrom(addr string) bool
	// AllowedRecipient is consulted after each RCPT TO is parsed.
	AllowedRecipient(addr string) bool
	// AllowedMessage is consulted once the DATA terminator has arrived,
	// with the raw (dot-unstuffed) message bytes.
	AllowedMessage(raw []byte) bool
}

// StreamFirewall is an optional extension of Firewall that can wrap the
// peer's input stream for byte-level inspection before the session reads
// from it at all.
type StreamFirewall interface {
	Firewall
	WrapInputStream(r io.Reader) io.Reader
}

// OpenFirewall admits every connection, sender, recipient and message.
// It is the default when no Firewall is configured, grounded on
// goms/inboundconnection.go's DummyITP.
type OpenFirewall struct{}

func (OpenFirewall) AcceptConnection(net.Addr) bool { return true }
func (OpenFirewall) AllowedFrom(string) bool        { return true }
func (OpenFirewall) AllowedRecipient(string) bool   { return true }
func (OpenFirewall) AllowedMessage([]byte) bool     { return true }

var _ Firewall = OpenFirewall{}
