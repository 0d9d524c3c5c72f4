package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Server struct {
	ListenAddress  string   `yaml:"listenAddress"`
	TLSCertFile    string   `yaml:"tlsCertFile"`
	TLSKeyFile     string   `yaml:"tlsKeyFile"`
	TrustedProxies []string `yaml:"trustedProxies"` // IPs/CIDRs to trust for X-Forwarded-For headers
}

// Contact describes the contact endpoint and the fixed outbound addressing.
// The recipient is a single mailbox; submissions are never fanned out.
type Contact struct {
	Path             string `yaml:"path"`
	SenderAddress    string `yaml:"senderAddress"`
	SenderName       string `yaml:"senderName"`
	RecipientAddress string `yaml:"recipientAddress"`
	Subject          string `yaml:"subject"`
}

type Turnstile struct {
	Secret string `yaml:"secret"`
	// VerifyURL overrides the Cloudflare siteverify endpoint, mainly for tests
	// and staging. Empty means the production endpoint.
	VerifyURL string `yaml:"verifyURL"`
}

type Mail struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupID"`
}

type Queue struct {
	// Kind selects the dispatch queue implementation: "memory" or "kafka".
	Kind             string `yaml:"kind"`
	Size             int    `yaml:"size"`
	BatchSize        int    `yaml:"batchSize"`
	BaseDelaySeconds int    `yaml:"baseDelaySeconds"`
	Kafka            Kafka  `yaml:"kafka"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Contact   Contact   `yaml:"contact"`
	Turnstile Turnstile `yaml:"turnstile"`
	Mail      Mail      `yaml:"mail"`
	Queue     Queue     `yaml:"queue"`
}

// Load loads the service configuration from a file path.
// If configPath is empty, defaults to "./config.yaml"; the path can also be
// overridden via the VOWEB_CONFIG_PATH environment variable.
func Load(configPath ...string) (Config, error) {
	var path string

	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	} else if env := os.Getenv("VOWEB_CONFIG_PATH"); env != "" {
		path = env
	} else {
		path = "./config.yaml"
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open config file %s: %v", path, err)
	}

	err = yaml.Unmarshal(content, &config)
	if err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %v", path, err)
	}
	return config, nil
}

// Defaults fills in the values that may be omitted from the config file.
func (c *Config) Defaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Contact.Path == "" {
		c.Contact.Path = "/api/contact"
	}
	if c.Contact.Subject == "" {
		c.Contact.Subject = "Submission"
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = 587
	}
	if c.Queue.Kind == "" {
		c.Queue.Kind = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1000
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.BaseDelaySeconds <= 0 {
		c.Queue.BaseDelaySeconds = 30
	}
	if c.Queue.Kafka.Topic == "" {
		c.Queue.Kafka.Topic = "contact-email"
	}
	if c.Queue.Kafka.GroupID == "" {
		c.Queue.Kafka.GroupID = "contact-email-worker"
	}
}
