// Package logging builds a *log.Logger from a small YAML-friendly
// configuration, adapted from smtpd/logging.go for smtp4jd's standalone
// daemon. The embeddable smtp4j core never imports this package: an
// embedding test process supplies its own *log.Logger via Config.Logger.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/syslog"
	"os"
	"regexp"
	"strconv"
)

// Config describes where daemon diagnostics should go.
type Config struct {
	File           string // path to a log file; mutually exclusive with SyslogFacility
	FileMode       string // octal file mode, e.g. "0644"
	SyslogFacility string // syslog facility name; enables syslog logging
	Date           bool
	Time           bool
	Microseconds   bool
	UTC            bool
	SourceFile     bool
}

var facilityMap = map[string]syslog.Priority{
	"kern": syslog.LOG_KERN, "user": syslog.LOG_USER, "mail": syslog.LOG_MAIL,
	"daemon": syslog.LOG_DAEMON, "auth": syslog.LOG_AUTH, "syslog": syslog.LOG_SYSLOG,
	"lpr": syslog.LOG_LPR, "news": syslog.LOG_NEWS, "uucp": syslog.LOG_UUCP,
	"cron": syslog.LOG_CRON, "authpriv": syslog.LOG_AUTHPRIV, "ftp": syslog.LOG_FTP,
	"local0": syslog.LOG_LOCAL0, "local1": syslog.LOG_LOCAL1, "local2": syslog.LOG_LOCAL2,
	"local3": syslog.LOG_LOCAL3, "local4": syslog.LOG_LOCAL4, "local5": syslog.LOG_LOCAL5,
	"local6": syslog.LOG_LOCAL6, "local7": syslog.LOG_LOCAL7,
}

// SyslogWriter adapts smtp4j's bracketed "[LEVEL] message" log lines onto
// the matching syslog priority.
type SyslogWriter struct {
	w *syslog.Writer
}

// NewSyslogWriter dials the local syslog daemon on the given facility.
func NewSyslogWriter(facility string) (*SyslogWriter, error) {
	f := syslog.LOG_DAEMON
	if ff, ok := facilityMap[facility]; ok {
		f = ff
	}
	w, err := syslog.New(f|syslog.LOG_INFO, "smtp4jd:")
	if err != nil {
		return nil, err
	}
	return &SyslogWriter{w: w}, nil
}

func (s *SyslogWriter) Close() error { return s.w.Close() }

var deletePrefix = regexp.MustCompile("smtp4j: ?")
var levelTag = regexp.MustCompile(`\[[A-Z]+\] `)

func (s *SyslogWriter) Write(p []byte) (int, error) {
	stripped := deletePrefix.ReplaceAllString(string(p), "")
	level := ""
	rest := levelTag.ReplaceAllStringFunc(stripped, func(m string) string {
		level = m
		return ""
	})
	switch level {
	case "[DEBUG] ":
		s.w.Debug(rest)
	case "[INFO] ":
		s.w.Info(rest)
	case "[NOTICE] ":
		s.w.Notice(rest)
	case "[WARNING] ", "[WARN] ":
		s.w.Warning(rest)
	case "[ERROR] ", "[ERR] ":
		s.w.Err(rest)
	case "[CRIT] ":
		s.w.Crit(rest)
	default:
		s.w.Notice(rest)
	}
	return len(p), nil
}

// Build returns a logger per cfg, plus an optional io.Closer the caller
// must close on shutdown (nil when logging to stderr).
func (c *Config) Build() (*log.Logger, io.Closer, error) {
	flags := 0
	if c.Date {
		flags |= log.Ldate
	}
	if c.Time {
		flags |= log.Ltime
	}
	if c.Microseconds {
		flags |= log.Lmicroseconds
	}
	if c.SourceFile {
		flags |= log.Lshortfile
	}
	if c.UTC {
		flags |= log.LUTC
	}

	if c.File != "" {
		mode := os.FileMode(0644)
		if c.FileMode != "" {
			i, err := strconv.ParseInt(c.FileMode, 8, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("logging: parse file mode: %w", err)
			}
			mode = os.FileMode(i)
		}
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
		if err != nil {
			return nil, nil, err
		}
		return log.New(f, "smtp4jd: ", flags), f, nil
	}

	if c.SyslogFacility != "" {
		w, err := NewSyslogWriter(c.SyslogFacility)
		if err != nil {
			return nil, nil, err
		}
		return log.New(w, "smtp4jd: ", flags), w, nil
	}

	return log.New(os.Stderr, "smtp4jd: ", flags), nil, nil
}
