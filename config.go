package smtp4j

import (
	"log"
	"os"
	"time"
)

// defaultLogger is used whenever a Config leaves Logger nil, matching
// smtpd/logging.go's policy of always having somewhere to write
// diagnostics rather than silently discarding them.
var defaultLogger = log.New(os.Stderr, "smtp4j: ", log.LstdFlags)

// Config is the Go-native embedder-facing configuration for a Server.
// There is deliberately no file format here: a library embedded in a test
// process is configured by the host program constructing a Config value,
// not by pointing it at a YAML file on disk. The YAML-plus-daemon path
// lives in cmd/smtp4jd, which loads a Config from a file for the
// standalone-process use case.
type Config struct {
	// Port to listen on. 0 means "pick one automatically": try the
	// well-known SMTP port first, then scan upward from 1024.
	Port int

	// LocalHostname is used in the greeting banner and EHLO response. A
	// blank value resolves to "localhost".
	LocalHostname string

	// MaxMessageSize caps cumulative bytes read from a connection
	// (commands plus DATA) before the session is aborted with a 552. A
	// value <= 0 means unlimited.
	MaxMessageSize int

	// SocketTimeout bounds how long a read may block before the
	// connection is dropped. A value <= 0 means no deadline.
	SocketTimeout time.Duration

	// MaxConnections caps concurrently open connections via a
	// golang.org/x/net/netutil.LimitListener. A value <= 0 means
	// unlimited.
	MaxConnections int

	// RequireTLS, when set, rejects every command except EHLO/HELO,
	// STARTTLS and QUIT until the connection is upgraded.
	RequireTLS bool

	Firewall       Firewall
	AuthProvider   AuthProvider
	TLSProvider    TLSProvider
	MessageHandler DeliverySink

	// Logger receives diagnostic output. A nil Logger discards nothing:
	// it defaults to a stderr logger, matching smtpd/logging.go's
	// "always have somewhere to write" behaviour.
	Logger *log.Logger
}

func (c *Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return defaultLogger
}

func (c *Config) hostname() string {
	if c.LocalHostname != "" {
		return c.LocalHostname
	}
	return "localhost"
}

func (c *Config) firewall() Firewall {
	if c.Firewall != nil {
		return c.Firewall
	}
	return OpenFirewall{}
}
