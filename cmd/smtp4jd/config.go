package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/imario42/smtp4j/internal/logging"
)

// daemonConfig is the on-disk YAML shape for the standalone smtp4jd
// process. The embeddable smtp4j.Config it is translated into has no YAML
// tags of its own: a file format is smtp4jd's concern, not the library's.
//
// Example:
//
//	port: 2525
//	localHostname: mail.example.test
//	maxMessageSize: 10485760
//	socketTimeout: 30s
//	maxConnections: 256
//	requireTLS: false
//	tls:
//	  certFile: /etc/smtp4jd/cert.pem
//	  keyFile: /etc/smtp4jd/key.pem
//	logging:
//	  syslogfacility: mail
type daemonConfig struct {
	Port           int           `yaml:"port"`
	LocalHostname  string        `yaml:"localHostname"`
	MaxMessageSize int           `yaml:"maxMessageSize"`
	SocketTimeout  time.Duration `yaml:"socketTimeout"`
	MaxConnections int           `yaml:"maxConnections"`
	RequireTLS     bool          `yaml:"requireTLS"`
	TLS            *tlsConfig    `yaml:"tls"`
	Logging        logging.Config `yaml:"logging"`
}

type tlsConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// parseConfig reads and unmarshals a daemonConfig from path, matching
// smtpd/config.go's ParseConfig shape.
func parseConfig(path string) (*daemonConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &daemonConfig{}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("smtp4jd: parse config: %w", err)
	}
	return c, nil
}
