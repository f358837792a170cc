package smtp4j

import "fmt"

// ProtocolError indicates a malformed command, a bad sequence of commands,
// or an unrecognised verb. The session answers these locally with a 50x
// reply and keeps the connection open, except once a client exceeds the
// unrecognised-command limit, when the connection is closed after the reply.
type ProtocolError struct {
	Code int
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("smtp4j: protocol error %d: %s", e.Code, e.Msg)
}

// AuthError indicates bad credentials or too many AUTH attempts.
type AuthError struct {
	Code int
	Msg  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("smtp4j: auth error %d: %s", e.Code, e.Msg)
}

// AdmissionError indicates a firewall rejection at connect, MAIL FROM, RCPT
// TO or message-complete time. A MAIL FROM or message-complete rejection
// latches the session's forbidden flag; a RCPT TO rejection does not, since
// the client may still retry with a different recipient.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("smtp4j: admission refused: %s", e.Reason)
}

// SizeExceededError indicates the per-connection byte ceiling was hit.
// The connection is closed after the reply is sent.
type SizeExceededError struct {
	Limit int
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("smtp4j: message exceeds %d byte limit", e.Limit)
}

// DeliveryError wraps an error returned by a DeliverySink. Its Error()
// text is what is sent back to the client in the 554 reply.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// TLSUpgradeError indicates the STARTTLS handshake, or the TLS provider
// itself, failed.
type TLSUpgradeError struct {
	Err error
}

func (e *TLSUpgradeError) Error() string {
	return fmt.Sprintf("smtp4j: TLS upgrade failed: %v", e.Err)
}

func (e *TLSUpgradeError) Unwrap() error {
	return e.Err
}
