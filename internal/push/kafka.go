package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

const defaultTopic = "push.requests"

// Request is the record written to the push request topic. A downstream
// worker owns provider delivery.
type Request struct {
	UserID  string   `json:"user_id"`
	Payload *Payload `json:"payload"`
}

// KafkaNotifier publishes push requests to Kafka.
type KafkaNotifier struct {
	producer *kafka.Producer
	topic    string
	doneCh   chan struct{}
}

// NewKafkaNotifier creates a producer for the push request topic.
func NewKafkaNotifier(brokers, topic string, partitions int) (*KafkaNotifier, error) {
	if topic == "" {
		topic = defaultTopic
	}
	if partitions <= 0 {
		partitions = 1
	}

	if err := ensureTopic(brokers, topic, partitions); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str("topic", topic).Msg("failed to ensure topic, may already exist")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	n := &KafkaNotifier{
		producer: p,
		topic:    topic,
		doneCh:   make(chan struct{}),
	}

	go n.deliveryReportHandler()

	return n, nil
}

func ensureTopic(brokers, topic string, partitions int) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		},
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}

	return nil
}

func (n *KafkaNotifier) deliveryReportHandler() {
	l := pkglog.L()
	for e := range n.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l.Error().Err(m.TopicPartition.Error).
				Str(pkglog.FieldUserID, string(m.Key)).
				Msg("push request delivery failed, notification lost")
		}
	}
	close(n.doneCh)
}

// Send implements Notifier. The user ID is the record key so requests for one
// device stay ordered.
func (n *KafkaNotifier) Send(_ context.Context, userID string, p *Payload) error {
	value, err := json.Marshal(&Request{UserID: userID, Payload: p})
	if err != nil {
		return fmt.Errorf("failed to marshal push request: %w", err)
	}

	err = n.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &n.topic,
			Partition: kafka.PartitionAny,
		},
		Key:       []byte(userID),
		Value:     value,
		Timestamp: time.UnixMilli(p.Timestamp),
		Headers:   []kafka.Header{{Key: "push_type", Value: []byte(p.Type)}},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce push request: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the producer.
func (n *KafkaNotifier) Close() error {
	n.producer.Flush(5000)
	n.producer.Close()
	<-n.doneCh
	return nil
}
