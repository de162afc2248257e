package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"admission-gateway/gateway/domain"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink publica cada envelope entregue num tópico, com o stream como chave
// (mantém a ordem por stream dentro da partição).
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

func NewKafkaSink(brokers []string, topic string, opts ...kgo.Opt) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka sink: topic is required")
	}

	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(3),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

func (s *KafkaSink) Topic() string { return s.topic }

func (s *KafkaSink) Publish(ctx context.Context, env domain.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(env.StreamID),
		Value: value,
	}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	return nil
}

// Close tenta esvaziar o buffer por alguns segundos antes de fechar.
func (s *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}
