package smtp4j

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
)

// sessionState is the tagged state variant driving the per-connection
// protocol engine (C8), per the base spec's design note: an explicit
// state machine rather than ad hoc boolean flags, so that sequencing
// rules (and the forbidden latch) are enforced by the transition logic
// instead of scattered "is MAIL FROM set?" checks scattered through
// goms/inboundconnection.go's InboundConnection.
type sessionState int

const (
	stateGreeted sessionState = iota
	stateAuthenticating
	stateAuthenticated
	stateHaveSender
	stateHaveRecipients
	stateInData
	stateForbidden
	stateClosed
)

// maxUnrecognisedCommands bounds the number of UNKNOWN verbs a client may
// send before the connection is torn down; this is a defense against a
// desynced client, distinct from the firewall's forbidden latch. Kept
// from goms/inboundconnection.go's identical constant.
const maxUnrecognisedCommands = 20

// Session holds all per-connection state. Per the concurrency model,
// exactly one goroutine ever touches a Session, so none of its fields
// need synchronization.
type Session struct {
	cfg    *Config
	logger *log.Logger

	conn   net.Conn
	peer   net.Addr
	secure bool

	rd         *bufio.Reader
	wr         *bufio.Writer
	lr         *lineReader
	replyW     *replyWriter
	transcript transcriptRecorder

	state sessionState

	authenticated bool
	authTries     int
	authFlow      authFlowState
	authEngine    *authEngine

	ehloDomain string

	mailFrom   string
	recipients []string
	// The DATA accumulator called for by the data model is implicit:
	// it only exists transiently inside readDataPhase while state is
	// stateInData, so there is nothing to carry as a field between
	// commands.

	unrecognisedCommands int

	// lastErr records the most recently constructed typed error from the
	// errors.go taxonomy, alongside the wire reply it was translated
	// into. The wire protocol itself has no room for anything beyond a
	// three-digit code and text, but SPEC_FULL.md 10.2 calls for the
	// taxonomy to be real values callers (and tests) can errors.As/
	// errors.Is against, not just declared types, so each failure path
	// below sets this before returning its Reply.
	lastErr error

	// onDeliver, when set by the owning Server, is invoked after a
	// message is accepted (the configured DeliverySink, if any, already
	// ran and did not reject it). It feeds the server's mailbox and
	// listener fan-out; a Session used outside of Server (e.g. in a
	// unit test driven over net.Pipe) leaves this nil.
	onDeliver func(*Message)
}

// newSession wraps an accepted connection. secure is true only
// when this Session is being (re-)entered immediately after a STARTTLS
// upgrade, per spec 4.7.4: no greeting banner is sent in that case.
func newSession(cfg *Config, conn net.Conn, secure bool) *Session {
	s := &Session{
		cfg:    cfg,
		logger: cfg.logger(),
		conn:   conn,
		peer:   conn.RemoteAddr(),
		secure: secure,
		state:  stateGreeted,
	}
	if cfg.AuthProvider != nil {
		s.authEngine = newAuthEngine(cfg.AuthProvider, cfg.hostname())
	}
	s.resetIO(conn)
	return s
}

// resetIO (re)builds the buffered reader/writer/line-reader/reply-writer
// around conn. Used both at session creation and after a STARTTLS
// handshake swaps the underlying net.Conn.
func (s *Session) resetIO(conn net.Conn) {
	s.conn = conn
	var r io.Reader = conn
	if sf, ok := s.cfg.firewall().(StreamFirewall); ok {
		r = sf.WrapInputStream(r)
	}
	s.rd = bufio.NewReaderSize(r, 4096)
	s.wr = bufio.NewWriter(conn)
	s.lr = newLineReader(s.rd, int64(s.cfg.MaxMessageSize))
	s.replyW = newReplyWriter(s.wr)
}

// Serve runs the full SMTP conversation until the client disconnects, an
// unrecoverable I/O error occurs, or the connection is forcibly closed by
// server shutdown. It never panics and never leaks conn: Serve closes it
// on return, so the caller (Server's runSession) does not, matching
// goms/inboundconnection.go's
// Serve/serveLoop split (here folded into one method since smtp4j has no
// separate parent/session context to juggle).
func (s *Session) Serve(ctx context.Context) {
	defer s.conn.Close()

	if !s.secure {
		if err := s.send(NewReply(220, fmt.Sprintf("%s smtp4j server ready", s.cfg.hostname()))); err != nil {
			s.logf("[DEBUG] greeting write failed: %v", err)
			return
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := s.lr.readCommandLine()
		if perr, ok := err.(*ProtocolError); ok {
			// Line itself was read off the wire fine; it was just too
			// long. Record it before replying so the transcript still
			// reproduces what was actually read, then keep the
			// connection open -- this is a malformed-command condition,
			// not an I/O failure.
			s.transcript.recordLine(toLatin1(line))
			if werr := s.send(NewReply(perr.Code, perr.Msg)); werr != nil {
				s.logf("[DEBUG] reply write failed: %v", werr)
				return
			}
			continue
		}
		if err != nil {
			s.handleReadError(err)
			return
		}
		lineStr := toLatin1(line)
		s.transcript.recordLine(lineStr)

		cmd := ParseCommand(lineStr)
		if cmd == nil {
			// Empty line outside of DATA: nothing to reply to, keep reading.
			continue
		}

		reply, closeAfter := s.dispatch(ctx, cmd)
		if reply != nil {
			if err := s.send(reply); err != nil {
				s.logf("[DEBUG] reply write failed: %v", err)
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

// protocolFail records a *ProtocolError (malformed command, bad sequence,
// or unrecognised/unsupported verb -- spec 7's ProtocolError category)
// alongside the wire reply it produces.
func (s *Session) protocolFail(code int, msg string) *Reply {
	s.lastErr = &ProtocolError{Code: code, Msg: msg}
	return NewReply(code, msg)
}

func (s *Session) handleReadError(err error) {
	if szErr, ok := err.(*SizeExceededError); ok {
		_ = s.send(NewReply(552, fmt.Sprintf("message exceeds %d byte limit", szErr.Limit)))
		return
	}
	if err == io.EOF {
		s.logf("[DEBUG] connection closed by peer")
		return
	}
	s.logf("[DEBUG] read error: %v", err)
}

// send writes a reply, records the matching transcript exchange, and
// flushes. Invariant: every emitted reply has exactly one appended
// exchange whose ReplyText equals the emitted bytes.
func (s *Session) send(r *Reply) error {
	wire := string(r.Bytes())
	if err := s.replyW.write(r); err != nil {
		return err
	}
	s.transcript.recordReply(wire)
	return nil
}

// dispatch routes one parsed command through the state machine. It
// returns the reply to send (nil means nothing more to send: STARTTLS has
// already replied, or an I/O failure during DATA or AUTH ended the
// exchange) and whether the connection should be closed after sending.
func (s *Session) dispatch(ctx context.Context, cmd *Command) (*Reply, bool) {
	if s.state == stateForbidden {
		if cmd.Type == CmdQuit {
			return NewReply(221, "smtp4j closing connection"), true
		}
		return NewReply(550, "forbidden"), false
	}

	if s.tlsRequiredButMissing(cmd) {
		return NewReply(530, "must issue STARTTLS first"), false
	}

	// Transparent commands, valid in every state except IN_DATA (handled
	// separately) and FORBIDDEN (handled above).
	switch cmd.Type {
	case CmdNoop:
		return NewReply(250, "OK"), false
	case CmdReset:
		return s.doReset(), false
	case CmdVerify, CmdExpand, CmdHelp:
		return NewReply(502, "not supported"), false
	case CmdQuit:
		return NewReply(221, "OK"), true
	case CmdUnknown:
		s.unrecognisedCommands++
		if s.unrecognisedCommands > maxUnrecognisedCommands {
			return s.protocolFail(500, "too many unrecognised commands"), true
		}
		return s.protocolFail(500, "unrecognised command"), false
	}

	switch s.state {
	case stateGreeted:
		return s.dispatchGreeted(cmd)
	case stateAuthenticating:
		return s.dispatchAuthenticating(ctx, cmd)
	case stateAuthenticated:
		return s.dispatchAuthenticated(cmd)
	case stateHaveSender, stateHaveRecipients:
		return s.dispatchEnvelope(cmd)
	default:
		return s.protocolFail(503, "bad sequence of commands"), false
	}
}

func (s *Session) tlsRequiredButMissing(cmd *Command) bool {
	if !s.cfg.RequireTLS || s.secure {
		return false
	}
	switch cmd.Type {
	case CmdEHLO, CmdHELO, CmdStartTLS, CmdQuit:
		return false
	default:
		return true
	}
}

func (s *Session) doReset() *Reply {
	s.resetEnvelope()
	if s.state == stateHaveSender || s.state == stateHaveRecipients {
		s.state = stateAuthenticated
	}
	return NewReply(250, "OK")
}

func (s *Session) resetEnvelope() {
	s.mailFrom = ""
	s.recipients = nil
}

func (s *Session) dispatchGreeted(cmd *Command) (*Reply, bool) {
	switch cmd.Type {
	case CmdEHLO:
		return s.doEHLO(cmd.Param, true), false
	case CmdHELO:
		return s.doEHLO(cmd.Param, false), false
	case CmdStartTLS:
		return s.doStartTLS()
	default:
		return s.protocolFail(503, "bad sequence of commands"), false
	}
}

// doEHLO implements both EHLO (extended is true) and HELO (extended is
// false, per the base spec's resolved open question: HELO is treated
// permissively as EHLO-without-extensions).
func (s *Session) doEHLO(param string, extended bool) *Reply {
	peer := param
	if peer == "" {
		peer = "you"
	}
	s.ehloDomain = param

	r := NewReply(250, fmt.Sprintf("%s greets %s", s.cfg.hostname(), peer))
	if extended {
		r.Add("8BITMIME")
		if s.authEngine != nil {
			r.Add("AUTH " + strings.Join(s.authEngine.mechanisms(), " "))
		}
		if s.cfg.TLSProvider != nil && !s.secure {
			r.Add("STARTTLS")
			r.Add("REQUIRETLS")
		}
		size := ""
		if s.cfg.MaxMessageSize > 0 {
			size = strconv.Itoa(s.cfg.MaxMessageSize)
		}
		r.Add("SIZE " + size)
	}

	if s.authEngine != nil {
		s.state = stateAuthenticating
	} else {
		s.state = stateAuthenticated
	}
	return r
}

func (s *Session) dispatchAuthenticating(ctx context.Context, cmd *Command) (*Reply, bool) {
	switch cmd.Type {
	case CmdAuth:
		return s.doAUTH(cmd.Param)
	case CmdStartTLS:
		return s.doStartTLS()
	default:
		return s.protocolFail(503, "bad sequence of commands"), false
	}
}

func (s *Session) dispatchAuthenticated(cmd *Command) (*Reply, bool) {
	switch cmd.Type {
	case CmdMailFrom:
		return s.doMAIL(cmd.Param), false
	case CmdStartTLS:
		return s.doStartTLS()
	case CmdAuth:
		if s.authEngine == nil {
			return s.protocolFail(500, "not supported"), false
		}
		return s.protocolFail(503, "already authenticated"), false
	default:
		return s.protocolFail(503, "bad sequence of commands"), false
	}
}

func (s *Session) dispatchEnvelope(cmd *Command) (*Reply, bool) {
	switch cmd.Type {
	case CmdRecipient:
		return s.doRCPT(cmd.Param), false
	case CmdData:
		if s.state != stateHaveRecipients {
			return s.protocolFail(503, "bad sequence of commands"), false
		}
		return s.doDATA()
	default:
		return s.protocolFail(503, "bad sequence of commands"), false
	}
}

func addrFromParam(param string) string {
	p := strings.TrimSpace(param)
	p = strings.TrimPrefix(p, "<")
	p = strings.TrimSuffix(p, ">")
	return p
}

func (s *Session) doMAIL(param string) *Reply {
	if param == "" {
		return s.protocolFail(501, "malformed MAIL FROM parameter")
	}
	addr := addrFromParam(param)

	if fw := s.cfg.Firewall; fw != nil && !fw.AllowedFrom(addr) {
		s.lastErr = &AdmissionError{Reason: fmt.Sprintf("MAIL FROM <%s> rejected by firewall", addr)}
		s.latchForbidden()
		return NewReply(550, "forbidden")
	}

	s.mailFrom = addr
	s.state = stateHaveSender
	return NewReply(250, "OK")
}

func (s *Session) doRCPT(param string) *Reply {
	if param == "" {
		return s.protocolFail(501, "malformed RCPT TO parameter")
	}
	addr := addrFromParam(param)

	if fw := s.cfg.Firewall; fw != nil && !fw.AllowedRecipient(addr) {
		s.lastErr = &AdmissionError{Reason: fmt.Sprintf("RCPT TO <%s> rejected by firewall", addr)}
		return NewReply(550, "recipient refused")
	}

	s.recipients = append(s.recipients, addr)
	s.state = stateHaveRecipients
	return NewReply(250, "OK")
}

func (s *Session) doDATA() (*Reply, bool) {
	if err := s.send(NewReply(354, "Start mail input; end with <CRLF>.<CRLF>")); err != nil {
		return nil, true
	}

	s.state = stateInData
	raw, err := s.readDataPhase()
	if err != nil {
		if szErr, ok := err.(*SizeExceededError); ok {
			return NewReply(552, fmt.Sprintf("message exceeds %d byte limit", szErr.Limit)), true
		}
		return nil, true
	}

	if fw := s.cfg.Firewall; fw != nil && !fw.AllowedMessage(raw) {
		s.lastErr = &AdmissionError{Reason: "message rejected by firewall"}
		s.latchForbidden()
		return NewReply(550, "message refused"), false
	}

	msg := &Message{
		Secure:             s.secure,
		EnvelopeSender:     s.mailFrom,
		EnvelopeRecipients: append([]string(nil), s.recipients...),
		RawMIME:            raw,
		Transcript:         s.transcript.snapshotThroughPending(),
	}

	var deliverErr error
	if s.cfg.MessageHandler != nil {
		deliverErr = s.cfg.MessageHandler.Deliver(context.Background(), msg)
	}

	s.resetEnvelope()
	s.state = stateAuthenticated

	if deliverErr != nil {
		s.lastErr = &DeliveryError{Err: deliverErr}
		return NewReply(554, deliverErr.Error()), false
	}
	if s.onDeliver != nil {
		s.onDeliver(msg)
	}
	return NewReply(250, "OK"), false
}

// readDataPhase reads DATA lines until the bare "." terminator, applying
// dot-unstuffing and recording each raw line in the transcript as it
// is read (so the transcript invariant holds even though no reply is
// sent until the terminator arrives). Grounded on
// goms/inboundconnection.go's doDATA loop.
func (s *Session) readDataPhase() ([]byte, error) {
	var body bytes.Buffer
	first := true
	for {
		line, err := s.lr.readLine()
		if err != nil {
			return nil, err
		}
		// Record the raw wire line (still dot-stuffed) in the
		// transcript: invariant 2 requires the transcript to reproduce
		// exactly what was read off the wire, not the unstuffed body.
		s.transcript.recordLine(toLatin1(line))

		if len(line) == 1 && line[0] == '.' {
			break
		}

		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}

		if !first {
			body.WriteString("\r\n")
		}
		body.Write(line)
		first = false
	}
	return body.Bytes(), nil
}

func (s *Session) latchForbidden() {
	s.state = stateForbidden
}

// doAUTH handles the AUTH verb in AUTHENTICATING state: AUTH PLAIN
// <resp>, AUTH PLAIN (334 then read one line), and AUTH CRAM-MD5 (334
// challenge then read one line), per spec 4.6/4.8.
func (s *Session) doAUTH(param string) (*Reply, bool) {
	if s.authEngine == nil {
		return s.protocolFail(500, "AUTH not supported"), false
	}

	s.authTries++
	if s.authTries > s.authEngine.maxTries() {
		s.lastErr = &AuthError{Code: 550, Msg: "too many authentication attempts"}
		s.latchForbidden()
		return NewReply(550, "too many authentication attempts"), false
	}

	mech, rest := splitFirstToken(param)
	mech = strings.ToUpper(mech)

	switch mech {
	case "PLAIN":
		resp := rest
		if resp == "" {
			r, err := s.promptAndReadLine(334, "")
			if err != nil {
				return nil, true
			}
			resp = r
		}
		ok, malformed := s.authEngine.startPlain(resp)
		return s.authResult(ok, malformed), false

	case "CRAM-MD5":
		challengeB64, flow := s.authEngine.startCramMD5()
		s.authFlow = flow
		line, err := s.promptAndReadLine(334, challengeB64)
		if err != nil {
			return nil, true
		}
		ok, malformed := s.authEngine.finishCramMD5(s.authFlow.cramChallenge, line)
		s.authFlow = authFlowState{}
		return s.authResult(ok, malformed), false

	default:
		return s.protocolFail(504, "unrecognised authentication mechanism"), false
	}
}

// promptAndReadLine sends a 334 continue reply carrying text, then reads
// and returns exactly one more raw line from the client (the SASL
// response), recording both in the transcript.
func (s *Session) promptAndReadLine(code int, text string) (string, error) {
	if err := s.send(NewReply(code, text)); err != nil {
		return "", err
	}
	line, err := s.lr.readLine()
	if err != nil {
		s.handleReadError(err)
		return "", err
	}
	lineStr := toLatin1(line)
	s.transcript.recordLine(lineStr)
	return lineStr, nil
}

func (s *Session) authResult(ok, malformed bool) *Reply {
	if malformed {
		return s.protocolFail(501, "malformed AUTH response")
	}
	if !ok {
		s.lastErr = &AuthError{Code: 535, Msg: "authentication failed"}
		return NewReply(535, "authentication failed")
	}
	s.authenticated = true
	s.state = stateAuthenticated
	return NewReply(235, "authentication successful")
}

// doStartTLS implements C7: reply 220, flush, upgrade the connection to
// TLS, and continue the SAME session object without re-sending the
// greeting banner -- functionally equivalent to the spec's "hand the
// upgraded socket back to the listener's per-connection entry point"
// (which would just construct a new Session with secure=true and no
// banner), but avoiding a second goroutine/listener round-trip.
// Grounded on albertito-chasquid's Conn.STARTTLS, which does the same
// in-place swap.
func (s *Session) doStartTLS() (*Reply, bool) {
	if s.secure {
		return NewReply(503, "already using TLS"), false
	}
	if s.cfg.TLSProvider == nil {
		return NewReply(454, "TLS not available"), false
	}

	if err := s.send(NewReply(220, "Ready to start TLS")); err != nil {
		return nil, true
	}

	tlsConn := tls.Server(s.conn, s.cfg.TLSProvider.ServerConfig())
	if err := tlsConn.Handshake(); err != nil {
		upErr := &TLSUpgradeError{Err: err}
		s.lastErr = upErr
		s.logf("[ERROR] TLS handshake failed: %v", upErr)
		return nil, true
	}

	s.resetIO(tlsConn)
	s.secure = true
	s.resetEnvelope()
	s.authenticated = false
	s.authTries = 0
	s.ehloDomain = ""
	s.state = stateGreeted
	return nil, false
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
