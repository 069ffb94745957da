package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"stagegate/internal/domain"
)

// KafkaGateway publishes requests to a topic keyed by case id, so all
// messages of one case land on the same partition.
type KafkaGateway struct {
	Client *kgo.Client
	Topic  string
}

func NewKafkaGateway(brokers []string, topic string) (*KafkaGateway, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka gateway needs brokers and topic")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaGateway{Client: client, Topic: topic}, nil
}

func (g *KafkaGateway) Enqueue(ctx context.Context, req domain.DispatchRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: g.Topic,
		Key:   []byte(req.CaseID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte("case.approved")},
		},
	}
	if err := g.Client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", g.Topic, err)
	}
	return nil
}

func (g *KafkaGateway) Close() {
	g.Client.Close()
}
