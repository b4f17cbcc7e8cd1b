// Package eventsink publishes supervisor lifecycle events to Kafka.
package eventsink

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/cmatc13/overseer/pkg/config"
	"github.com/cmatc13/overseer/pkg/logging"
	"github.com/cmatc13/overseer/pkg/service"
)

// flushTimeoutMs bounds how long Close waits for outstanding deliveries.
const flushTimeoutMs = 15 * 1000

// Producer is the subset of *kafka.Producer used by the sink.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// Sink forwards every event as a JSON EventRecord keyed by service name.
type Sink struct {
	producer Producer
	topic    string
	logger   *logging.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New connects a producer to cfg.Brokers.
func New(cfg config.KafkaConfig, logger *logging.Logger) (*Sink, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewWithProducer(producer, cfg.Topic, logger), nil
}

// NewWithProducer wraps an existing producer.
func NewWithProducer(p Producer, topic string, logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Sink{
		producer: p,
		topic:    topic,
		logger:   logger.WithField("component", "event-sink"),
		done:     make(chan struct{}),
	}
	go s.deliveries()
	return s
}

// Attach subscribes the sink to sup.
func (s *Sink) Attach(sup *service.Supervisor) (unsubscribe func()) {
	return sup.Subscribe(s.Publish)
}

// Publish enqueues ev. Failures are logged; event delivery never blocks the
// supervisor.
func (s *Sink) Publish(ev service.Event) {
	rec := service.Record(ev)
	value, err := json.Marshal(rec)
	if err != nil {
		s.logger.WithError(err).Error("Error serializing event", "kind", rec.Kind)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	err = s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &s.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(rec.Service),
		Value: value,
	}, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Error publishing event", "kind", rec.Kind, "service", rec.Service)
	}
}

// deliveries logs failed deliveries reported on the producer's event channel.
func (s *Sink) deliveries() {
	defer close(s.done)
	for ev := range s.producer.Events() {
		switch e := ev.(type) {
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				s.logger.WithError(e.TopicPartition.Error).Warn("Event delivery failed", "key", string(e.Key))
			}
		case kafka.Error:
			s.logger.WithError(e).Warn("Kafka producer error")
		}
	}
}

// Close flushes outstanding messages and closes the producer. It returns the
// number of messages still undelivered.
func (s *Sink) Close() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.closed = true
	s.mu.Unlock()

	remaining := s.producer.Flush(flushTimeoutMs)
	if remaining > 0 {
		s.logger.Warn("Undelivered events on close", "count", remaining)
	}
	s.producer.Close()
	<-s.done
	return remaining
}
