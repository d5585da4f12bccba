// Package namespace builds topic, key and routing-key names with a
// consistent namespace prefix across all sinks (MQTT, Valkey, Kafka, AMQP).
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder. The selector is optional.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTBase returns {ns}[/{sel}].
func (b *Builder) MQTTBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// MQTTStatusTopic returns the retained session status topic: {base}/status
func (b *Builder) MQTTStatusTopic() string {
	return b.MQTTBase() + "/status"
}

// MQTTOptionTopic returns the retained topic of one option: {base}/options/{option}
func (b *Builder) MQTTOptionTopic(option string) string {
	return b.MQTTBase() + "/options/" + option
}

// MQTTJobTopic returns the retained topic of one job: {base}/jobs/{id}
func (b *Builder) MQTTJobTopic(id string) string {
	return b.MQTTBase() + "/jobs/" + id
}

// MQTTEventsTopic returns the job event stream: {base}/events
func (b *Builder) MQTTEventsTopic() string {
	return b.MQTTBase() + "/events"
}

// MQTTWriteTopic returns the option write topic: {base}/options/set
func (b *Builder) MQTTWriteTopic() string {
	return b.MQTTBase() + "/options/set"
}

// --- Valkey (delimiter: :) ---

// JoinKey joins key segments with colons. Leading and trailing colons are
// trimmed from each segment and empty segments are skipped.
func JoinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// ValkeyPrefix returns {ns}[:{sel}].
func (b *Builder) ValkeyPrefix() string {
	return JoinKey(b.namespace, b.selector)
}

// ValkeyKey returns a key under the prefix.
func (b *Builder) ValkeyKey(segments ...string) string {
	return JoinKey(append([]string{b.ValkeyPrefix()}, segments...)...)
}

// ValkeyWriteQueue returns the write request list: {prefix}:option_writes
func (b *Builder) ValkeyWriteQueue() string {
	return b.ValkeyKey("option_writes")
}

// ValkeyWriteResponseChannel returns {prefix}:option_writes:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return b.ValkeyKey("option_writes", "responses")
}

// --- Kafka (delimiter: .) ---

// KafkaScansTopic returns the default job topic: {ns}.scans
func (b *Builder) KafkaScansTopic() string {
	return b.namespace + ".scans"
}

// KafkaOptionsTopic returns the option topic paired with a job topic.
func KafkaOptionsTopic(scansTopic string) string {
	return scansTopic + ".options"
}

// KafkaWriteTopic returns the option write request topic paired with a job topic.
func KafkaWriteTopic(scansTopic string) string {
	return scansTopic + ".writes"
}

// KafkaWriteResponseTopic returns the topic write results are produced to.
func KafkaWriteResponseTopic(scansTopic string) string {
	return KafkaWriteTopic(scansTopic) + ".responses"
}

// --- AMQP (delimiter: .) ---

// AMQPJobKey returns the routing key of a job event: {ns}.job.{event}
func (b *Builder) AMQPJobKey(event string) string {
	return b.namespace + ".job." + event
}

// AMQPOptionKey returns the routing key of an option change: {ns}.option.{option}
func (b *Builder) AMQPOptionKey(option string) string {
	return b.namespace + ".option." + option
}
