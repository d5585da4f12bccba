package engine

import (
	"fmt"

	"scanlink/kafka"
)

// Service kinds accepted by StartService and StopService.
const (
	ServiceMQTT   = "mqtt"
	ServiceValkey = "valkey"
	ServiceKafka  = "kafka"
	ServiceAMQP   = "amqp"
)

// ServiceInfo describes one configured sink.
type ServiceInfo struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Running bool   `json:"running"`
}

// Services lists every configured sink and whether it is running.
func (e *Engine) Services() []ServiceInfo {
	var out []ServiceInfo
	for _, p := range e.mqttMgr.List() {
		out = append(out, ServiceInfo{Kind: ServiceMQTT, Name: p.Name(), Address: p.Address(), Running: p.IsRunning()})
	}
	for _, p := range e.valkeyMgr.List() {
		out = append(out, ServiceInfo{Kind: ServiceValkey, Name: p.Name(), Address: p.Address(), Running: p.IsRunning()})
	}
	for _, name := range e.kafkaMgr.ListClusters() {
		st, _ := e.kafkaMgr.GetClusterStatus(name)
		out = append(out, ServiceInfo{Kind: ServiceKafka, Name: name, Running: st == kafka.StatusConnected})
	}
	for _, p := range e.amqpMgr.List() {
		out = append(out, ServiceInfo{Kind: ServiceAMQP, Name: p.Name(), Running: p.IsRunning()})
	}
	return out
}

// StartService starts one named sink.
func (e *Engine) StartService(kind, name string) error {
	var err error
	switch kind {
	case ServiceMQTT:
		p := e.mqttMgr.Get(name)
		if p == nil {
			return fmt.Errorf("%w: MQTT broker '%s'", ErrNotFound, name)
		}
		if err = p.Start(); err == nil {
			go e.forcePublishMQTT()
		}
	case ServiceValkey:
		p := e.valkeyMgr.Get(name)
		if p == nil {
			return fmt.Errorf("%w: Valkey server '%s'", ErrNotFound, name)
		}
		err = p.Start()
	case ServiceKafka:
		if e.kafkaMgr.GetProducer(name) == nil {
			return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
		}
		err = e.kafkaMgr.Connect(name)
	case ServiceAMQP:
		p := e.amqpMgr.Get(name)
		if p == nil {
			return fmt.Errorf("%w: AMQP broker '%s'", ErrNotFound, name)
		}
		err = p.Start()
	default:
		return fmt.Errorf("%w: unknown service kind '%s'", ErrInvalidInput, kind)
	}
	if err != nil {
		return err
	}

	e.logFn("Started %s %s", kind, name)
	e.emit(EventServiceStarted, ServiceEvent{Kind: kind, Name: name})
	return nil
}

// StopService stops one named sink.
func (e *Engine) StopService(kind, name string) error {
	switch kind {
	case ServiceMQTT:
		p := e.mqttMgr.Get(name)
		if p == nil {
			return fmt.Errorf("%w: MQTT broker '%s'", ErrNotFound, name)
		}
		p.Stop()
	case ServiceValkey:
		p := e.valkeyMgr.Get(name)
		if p == nil {
			return fmt.Errorf("%w: Valkey server '%s'", ErrNotFound, name)
		}
		p.Stop()
	case ServiceKafka:
		if e.kafkaMgr.GetProducer(name) == nil {
			return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
		}
		e.kafkaMgr.Disconnect(name)
	case ServiceAMQP:
		p := e.amqpMgr.Get(name)
		if p == nil {
			return fmt.Errorf("%w: AMQP broker '%s'", ErrNotFound, name)
		}
		p.Stop()
	default:
		return fmt.Errorf("%w: unknown service kind '%s'", ErrInvalidInput, kind)
	}

	e.logFn("Stopped %s %s", kind, name)
	e.emit(EventServiceStopped, ServiceEvent{Kind: kind, Name: name})
	return nil
}
