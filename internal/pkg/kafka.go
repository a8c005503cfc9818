package pkg

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaEvent 一条待投递的领域事件
type KafkaEvent struct {
	Key       string // 分区 key，同一 target 落在同一分区
	Type      string
	MessageID uint64
	Payload   []byte
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaProducer 同步写入，RequireAll 确认后才算投递成功
type KafkaProducer struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, topic: cfg.Topic}, nil
}

func (p *KafkaProducer) Topic() string { return p.topic }

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func (p *KafkaProducer) Publish(ctx context.Context, ev KafkaEvent) error {
	return p.writer.WriteMessages(ctx, kafkaMessage(ev))
}

// kafkaMessage 事件类型和消息 ID 放在 header，消费端不解 payload 也能路由
func kafkaMessage(ev KafkaEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(ev.Key),
		Value: ev.Payload,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Type)},
			{Key: "message_id", Value: []byte(strconv.FormatUint(ev.MessageID, 10))},
		},
	}
}
