package events

import (
	"context"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// KafkaConfig configures the update topic
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// DefaultKafkaTopic is used when no topic is configured
const DefaultKafkaTopic = "egress-updates"

// KafkaNotifier writes each update keyed by egress id, so a consumer sees
// one job's updates in order
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates an asynchronous writer; delivery errors are logged
func NewKafkaNotifier(cfg KafkaConfig, log *logrus.Entry) *KafkaNotifier {
	log = logging.Or(log)
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	transport := &kafka.Transport{ClientID: cfg.ClientID}
	return &KafkaNotifier{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Transport:    transport,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.WithError(err).WithField("messages", len(messages)).Warn("Failed to deliver egress updates")
			}
		},
	}}
}

// Publish implements Notifier
func (k *KafkaNotifier) Publish(ctx context.Context, info *models.EgressInfo) error {
	data, err := info.Marshal()
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(info.EgressID),
		Value: data,
		Time:  time.Now(),
	})
}

// Close flushes pending messages
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
