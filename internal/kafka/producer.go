package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog/log"

	"talkie-go/internal/config"
)

// MessageProducer 定义 Kafka 消息生产者的接口。
type MessageProducer interface {
	SendMessage(ctx context.Context, topic string, key []byte, payload []byte) error
	Close()
}

type confluentKafkaProducer struct {
	producer *kafka.Producer
	cfg      config.KafkaConfig
}

// NewConfluentKafkaProducer 基于 confluent-kafka-go 创建生产者。
func NewConfluentKafkaProducer(cfg config.KafkaConfig) (MessageProducer, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
		"security.protocol": cfg.Protocol,
	}
	if cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", cfg.ClientID)
	}

	p, err := kafka.NewProducer(configMap)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return &confluentKafkaProducer{producer: p, cfg: cfg}, nil
}

// SendMessage 发送单条消息并同步等待投递回执。
func (p *confluentKafkaProducer) SendMessage(ctx context.Context, topic string, key []byte, payload []byte) error {
	deliveryChan := make(chan kafka.Event, 1)
	defer close(deliveryChan)

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          payload,
		Timestamp:      time.Now(),
	}

	if err := p.producer.Produce(msg, deliveryChan); err != nil {
		// 本地入队失败（例如队列已满），投递错误走 deliveryChan
		return fmt.Errorf("消息入队失败 (topic %s): %w", topic, err)
	}

	select {
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("投递通道收到意外事件类型: %T %v", e, e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("消息投递失败 (topic %s): %w", topic, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待投递回执时上下文被取消 (topic %s): %w", topic, ctx.Err())
	}
}

// Close 冲刷未投递的消息并关闭生产者。
func (p *confluentKafkaProducer) Close() {
	if p.producer == nil {
		return
	}
	log.Info().Msg("正在关闭 Kafka 生产者...")
	remaining := p.producer.Flush(15 * 1000)
	if remaining > 0 {
		log.Warn().Int("remaining", remaining).Msg("冲刷超时，仍有消息未投递")
	}
	p.producer.Close()
	log.Info().Msg("Kafka 生产者已关闭")
}
