// Command smtp4jd runs smtp4j as a standalone daemon, configured from a
// YAML file on disk. Adapted from goms/main.go and smtpd/control.go: the
// daemonization, PID file and signal handling are kept nearly as-is, with
// the server construction swapped out for smtp4j.NewServer.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/abligh/go-daemon"

	"github.com/imario42/smtp4j"
	"github.com/imario42/smtp4j/internal/logging"
	"github.com/imario42/smtp4j/mailbox"
)

const (
	envConfFile = "_SMTP4JD_CONFFILE"
	envPIDFile  = "_SMTP4JD_PIDFILE"
)

var (
	configFile = flag.String("c", "/etc/smtp4jd.yaml", "Path to YAML config file")
	pidFile    = flag.String("p", "/var/run/smtp4jd.pid", "Path to PID file")
	sendSignal = flag.String("s", "", `Send signal to daemon ("stop")`)
	foreground = flag.Bool("f", false, "Run in foreground (not as daemon)")
)

func main() {
	flag.Parse()

	logger := log.New(os.Stderr, "smtp4jd: ", log.LstdFlags)

	daemon.AddFlag(daemon.StringFlag(sendSignal, "stop"), syscall.SIGTERM)

	if daemon.WasReborn() {
		if v := os.Getenv(envConfFile); v != "" {
			*configFile = v
		}
		if v := os.Getenv(envPIDFile); v != "" {
			*pidFile = v
		}
	}

	var err error
	if *configFile, err = filepath.Abs(*configFile); err != nil {
		logger.Fatalf("[CRIT] canonicalising config path: %v", err)
	}
	if *pidFile, err = filepath.Abs(*pidFile); err != nil {
		logger.Fatalf("[CRIT] canonicalising pid path: %v", err)
	}

	if _, err := parseConfig(*configFile); err != nil {
		logger.Fatalf("[CRIT] cannot parse configuration file: %v", err)
	}

	if *foreground {
		run(logger)
		return
	}

	os.Setenv(envConfFile, *configFile)
	os.Setenv(envPIDFile, *pidFile)

	d := &daemon.Context{
		PidFileName: *pidFile,
		PidFilePerm: 0644,
		Umask:       027,
	}

	if len(daemon.ActiveFlags()) > 0 {
		p, err := d.Search()
		if err != nil {
			logger.Fatalf("[CRIT] daemon not running")
		}
		daemon.SendCommands(p)
		return
	}

	child, err := d.Reborn()
	if err != nil {
		logger.Fatalf("[CRIT] daemonize: %v", err)
	}
	if child != nil {
		return
	}
	defer d.Release()

	run(logger)
}

// run loads the configuration, starts the server and blocks until an
// interrupt or terminate signal arrives.
func run(fallbackLogger *log.Logger) {
	dc, err := parseConfig(*configFile)
	if err != nil {
		fallbackLogger.Fatalf("[CRIT] cannot parse configuration file: %v", err)
	}

	logger, logCloser, err := dc.Logging.Build()
	if err != nil {
		fallbackLogger.Fatalf("[CRIT] cannot build logger: %v", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	cfg := &smtp4j.Config{
		Port:           dc.Port,
		LocalHostname:  dc.LocalHostname,
		MaxMessageSize: dc.MaxMessageSize,
		SocketTimeout:  dc.SocketTimeout,
		MaxConnections: dc.MaxConnections,
		RequireTLS:     dc.RequireTLS,
		Logger:         logger,
	}

	box := mailbox.New()
	cfg.MessageHandler = box

	if dc.TLS != nil {
		cert, err := tls.LoadX509KeyPair(dc.TLS.CertFile, dc.TLS.KeyFile)
		if err != nil {
			logger.Fatalf("[CRIT] loading TLS keypair: %v", err)
		}
		cfg.TLSProvider = smtp4j.NewStaticTLSProvider(&tls.Config{Certificates: []tls.Certificate{cert}})
	}

	srv := smtp4j.NewServer(cfg)
	srv.AddListener(&logListener{logger: logger})

	if err := srv.Start(); err != nil {
		logger.Fatalf("[CRIT] starting server: %v", err)
	}
	logger.Printf("[INFO] listening on %s", srv.Addr())

	go drainMailbox(box, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Printf("[INFO] shutting down")
	box.Close()
	srv.Close()
}

// drainMailbox logs each delivered message; a real deployment would wire
// a different smtp4j.DeliverySink instead of the default mailbox, but the
// daemon has nowhere else to put mail, so it just reports arrivals.
func drainMailbox(box *mailbox.Mailbox, logger *log.Logger) {
	for {
		msg, ok := box.Take()
		if !ok {
			return
		}
		logger.Printf("[INFO] delivered message from %s to %v (%d bytes)",
			msg.EnvelopeSender, msg.EnvelopeRecipients, len(msg.RawMIME))
	}
}

type logListener struct {
	logger *log.Logger
}

func (l *logListener) NotifyStart(srv *smtp4j.Server) {
	l.logger.Printf("[INFO] server started on %s", srv.Addr())
}

func (l *logListener) NotifyClose(*smtp4j.Server) {
	l.logger.Printf("[INFO] server closed")
}

func (l *logListener) NotifyMessage(_ *smtp4j.Server, msg *smtp4j.Message) {
	l.logger.Printf("[DEBUG] notify: message from %s", msg.EnvelopeSender)
}
