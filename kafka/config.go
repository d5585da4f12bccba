// Package kafka produces scan job and option events to Kafka clusters.
package kafka

import (
	"crypto/tls"
	"strings"
	"time"

	"scanlink/config"
	ns "scanlink/namespace"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds the runtime settings for one cluster.
type Config struct {
	Name          string
	Enabled       bool
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	RequiredAcks int // -1=all, 0=none, 1=leader only
	MaxRetries   int
	RetryBackoff time.Duration

	// Topic receives job events; option changes go to Topic + ".options".
	Topic string

	EnableWriteback bool
	ConsumerGroup   string
	WriteMaxAge     time.Duration
}

// DefaultWriteMaxAge bounds how old a write request may be when it is applied.
const DefaultWriteMaxAge = 10 * time.Second

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// FromConfig builds the runtime configuration from the YAML section,
// filling defaults. The topic defaults to <namespace>.scans.
func FromConfig(kc config.KafkaConfig, namespace string) Config {
	c := DefaultConfig(kc.Name)
	c.Enabled = kc.Enabled
	if len(kc.Brokers) > 0 {
		c.Brokers = kc.Brokers
	}
	c.UseTLS = kc.UseTLS
	c.TLSSkipVerify = kc.TLSSkipVerify
	c.SASLMechanism = SASLMechanism(strings.ToUpper(kc.SASLMechanism))
	c.Username = kc.Username
	c.Password = kc.Password
	if kc.RequiredAcks != 0 {
		c.RequiredAcks = kc.RequiredAcks
	}
	if kc.MaxRetries > 0 {
		c.MaxRetries = kc.MaxRetries
	}
	if kc.RetryBackoff > 0 {
		c.RetryBackoff = kc.RetryBackoff
	}
	c.Topic = kc.Topic
	if c.Topic == "" {
		c.Topic = ns.New(namespace, "").KafkaScansTopic()
	}
	c.EnableWriteback = kc.EnableWriteback
	c.ConsumerGroup = kc.ConsumerGroup
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "scanlink-" + namespace + "-writes"
	}
	c.WriteMaxAge = kc.WriteMaxAge
	return c
}

// OptionsTopic is the topic for option change events.
func (c *Config) OptionsTopic() string {
	return ns.KafkaOptionsTopic(c.Topic)
}

// WriteTopic is the topic option write requests are consumed from.
func (c *Config) WriteTopic() string {
	return ns.KafkaWriteTopic(c.Topic)
}

// WriteResponseTopic is the topic write results are produced to.
func (c *Config) WriteResponseTopic() string {
	return ns.KafkaWriteResponseTopic(c.Topic)
}

// GetWriteMaxAge returns the write max age, or the default when unset.
func (c *Config) GetWriteMaxAge() time.Duration {
	if c.WriteMaxAge <= 0 {
		return DefaultWriteMaxAge
	}
	return c.WriteMaxAge
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
