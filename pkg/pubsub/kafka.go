package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

const (
	kafkaPollTimeout     = 500 * time.Millisecond
	kafkaAdminTimeout    = 10 * time.Second
	kafkaFlushTimeoutMs  = 5000
	kafkaDefaultGroupID  = "realtime-service"
	kafkaDefaultPartitions = 4
)

// route is where a channel lives on Kafka. A channel
// "{domain}:{kind}:{key}:{event}" maps to topic "{domain}-{event}" and
// record key {key}, so every event of one user lands on one partition.
type route struct {
	topic string
	key   string
}

func parseChannel(channel string) (route, error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[0] == "" || parts[2] == "" || parts[3] == "" {
		return route{}, fmt.Errorf("invalid channel format: %s", channel)
	}
	return route{
		topic: parts[0] + "-" + strings.ReplaceAll(parts[3], "_", "-"),
		key:   parts[2],
	}, nil
}

type kafkaSub struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// KafkaPubSub is a PubSub over Kafka topics. Each subscription runs its own
// consumer in a consumer group unique to this process, so every instance
// observes every event published on a topic.
type KafkaPubSub struct {
	cfg      KafkaConfig
	producer *kafka.Producer
	instance string

	topics sync.Map // topic -> struct{}

	mu     sync.Mutex
	subs   map[string]*kafkaSub
	closed bool

	reportsDone chan struct{}
}

// NewKafkaPubSub connects a producer to cfg.Brokers.
func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	if cfg.GroupID == "" {
		cfg.GroupID = kafkaDefaultGroupID
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = kafkaDefaultPartitions
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	k := &KafkaPubSub{
		cfg:         cfg,
		producer:    p,
		instance:    uuid.NewString()[:8],
		subs:        make(map[string]*kafkaSub),
		reportsDone: make(chan struct{}),
	}
	go k.watchReports()
	return k, nil
}

func (k *KafkaPubSub) watchReports() {
	defer close(k.reportsDone)
	l := pkglog.L()
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				l.Warn().Err(ev.TopicPartition.Error).Str("topic", *ev.TopicPartition.Topic).Msg("kafka pubsub: publish failed")
			}
		case kafka.Error:
			l.Error().Err(ev).Msg("kafka pubsub: producer error")
		}
	}
}

// ensureTopic creates topic the first time this process touches it.
func (k *KafkaPubSub) ensureTopic(ctx context.Context, topic string) {
	if _, seen := k.topics.LoadOrStore(topic, struct{}{}); seen {
		return
	}
	l := pkglog.Ctx(ctx)

	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		l.Warn().Err(err).Str("topic", topic).Msg("kafka pubsub: no admin client")
		return
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), kafkaAdminTimeout)
	defer cancel()
	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     k.cfg.Partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		k.topics.Delete(topic)
		l.Warn().Err(err).Str("topic", topic).Msg("kafka pubsub: create topic failed")
		return
	}
	for _, r := range results {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			l.Warn().Str("topic", r.Topic).Str("error", r.Error.String()).Msg("kafka pubsub: create topic failed")
		}
	}
}

// Publish implements Publisher.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	r, err := parseChannel(channel)
	if err != nil {
		return err
	}
	if r.key == "*" {
		return fmt.Errorf("cannot publish to pattern %s", channel)
	}
	k.ensureTopic(ctx, r.topic)

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &r.topic, Partition: kafka.PartitionAny},
		Key:            []byte(r.key),
		Value:          value,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(event.Type)}},
	}
	if err := k.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", r.topic, err)
	}
	return nil
}

// Subscribe implements Subscriber. Only records keyed by the channel's key
// are forwarded.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	r, err := parseChannel(channel)
	if err != nil {
		return nil, err
	}
	if r.key == "*" {
		return nil, fmt.Errorf("use SubscribePattern for %s", channel)
	}
	return k.subscribe(ctx, channel, r)
}

// SubscribePattern implements Subscriber. The only supported wildcard is
// "*" in the key position, which forwards the whole topic.
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	r, err := parseChannel(pattern)
	if err != nil {
		return nil, err
	}
	if r.key != "*" {
		return nil, fmt.Errorf("unsupported kafka pattern: %s", pattern)
	}
	r.key = ""
	return k.subscribe(ctx, pattern, r)
}

func (k *KafkaPubSub) subscribe(ctx context.Context, name string, r route) (<-chan *Event, error) {
	k.ensureTopic(ctx, r.topic)

	// Replace an existing subscription under the same name.
	k.stop(name)

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  k.cfg.Brokers,
		"group.id":           fmt.Sprintf("%s-%s-%s", k.cfg.GroupID, groupSafe(name), k.instance),
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(r.topic, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.topic, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		_ = c.Close()
		return nil, errors.New("kafka pubsub closed")
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSub{cancel: cancel, done: make(chan struct{})}
	k.subs[name] = sub

	out := make(chan *Event, subscriberBuffer)
	go k.consume(subCtx, c, r.key, out, sub.done)
	return out, nil
}

// consume owns c and closes it on exit.
func (k *KafkaPubSub) consume(ctx context.Context, c *kafka.Consumer, key string, out chan<- *Event, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	defer c.Close()
	l := pkglog.Ctx(ctx)

	dropped := 0
	for ctx.Err() == nil {
		msg, err := c.ReadMessage(kafkaPollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.IsTimeout() {
					continue
				}
				if kerr.IsFatal() {
					l.Error().Err(err).Msg("kafka pubsub: consumer failed")
					return
				}
			}
			l.Warn().Err(err).Msg("kafka pubsub: read failed")
			continue
		}
		if key != "" && string(msg.Key) != key {
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			l.Warn().Err(err).Str("topic", *msg.TopicPartition.Topic).Msg("kafka pubsub: undecodable event")
			continue
		}
		select {
		case out <- &event:
		case <-ctx.Done():
			return
		default:
			dropped++
			l.Warn().Int("dropped", dropped).Msg("kafka pubsub: subscriber lagging, event dropped")
		}
	}
}

// stop cancels the named subscription and waits for its consumer to close.
func (k *KafkaPubSub) stop(name string) {
	k.mu.Lock()
	sub, ok := k.subs[name]
	delete(k.subs, name)
	k.mu.Unlock()
	if ok {
		sub.cancel()
		<-sub.done
	}
}

// Unsubscribe implements Subscriber.
func (k *KafkaPubSub) Unsubscribe(_ context.Context, channel string) error {
	k.stop(channel)
	return nil
}

// Close stops every subscription, flushes pending publishes and closes the
// producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	k.closed = true
	names := make([]string, 0, len(k.subs))
	for name := range k.subs {
		names = append(names, name)
	}
	k.mu.Unlock()
	for _, name := range names {
		k.stop(name)
	}

	if left := k.producer.Flush(kafkaFlushTimeoutMs); left > 0 {
		l := pkglog.L()
		l.Warn().Int("pending", left).Msg("kafka pubsub: closing with unflushed events")
	}
	k.producer.Close()
	<-k.reportsDone
	return nil
}

var groupUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func groupSafe(s string) string {
	return groupUnsafe.ReplaceAllString(s, "-")
}
