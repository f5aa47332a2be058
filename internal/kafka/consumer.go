package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog/log"

	"talkie-go/internal/config"
)

// MessageHandler 处理一条已消费的 Kafka 消息。
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// MessageConsumer 定义 Kafka 消息消费者的接口。
type MessageConsumer interface {
	Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error
	Close()
}

type confluentKafkaConsumer struct {
	consumer *kafka.Consumer
	cfg      config.KafkaConfig
	groupID  string
}

// NewConfluentKafkaConsumer 基于 confluent-kafka-go 创建消费者。
// 消费者实例在 Consume 调用时才真正建立（groupID 那时才确定）。
func NewConfluentKafkaConsumer(cfg config.KafkaConfig) (MessageConsumer, error) {
	return &confluentKafkaConsumer{cfg: cfg}, nil
}

// Consume 订阅 topics 并阻塞消费，直到 ctx 取消或发生致命错误。
// 消息处理成功后手动提交位点，处理失败不提交（下次重投）。
func (c *confluentKafkaConsumer) Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error {
	if len(topics) == 0 {
		return fmt.Errorf("kafka 消费者: 未指定 topic")
	}
	c.groupID = groupID

	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.cfg.Brokers, ","),
		"group.id":           c.groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": "false",
		"security.protocol":  c.cfg.Protocol,
	}
	if c.cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", c.cfg.ClientID)
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return fmt.Errorf("创建 Kafka 消费者失败 (group %s): %w", groupID, err)
	}
	c.consumer = consumer

	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		_ = c.consumer.Close()
		return fmt.Errorf("订阅 topics %v 失败 (group %s): %w", topics, groupID, err)
	}

	log.Info().Str("group", groupID).Strs("topics", topics).Msg("Kafka 消费者已启动，等待消息...")

	run := true
	for run {
		select {
		case <-ctx.Done():
			log.Info().Str("group", groupID).Msg("上下文已取消，消费者退出")
			run = false
		default:
			ev := c.consumer.Poll(1000)
			if ev == nil {
				continue
			}

			switch e := ev.(type) {
			case *kafka.Message:
				if err := handler(ctx, e); err != nil {
					log.Error().Err(err).
						Str("group", groupID).
						Str("topic", *e.TopicPartition.Topic).
						Str("offset", e.TopicPartition.Offset.String()).
						Msg("处理 Kafka 消息失败")
				} else if _, err := c.consumer.CommitMessage(e); err != nil {
					log.Error().Err(err).
						Str("group", groupID).
						Str("topic", *e.TopicPartition.Topic).
						Msg("提交位点失败")
				}
			case kafka.Error:
				log.Error().Err(e).Str("group", groupID).Bool("fatal", e.IsFatal()).Msg("Kafka 消费者错误")
				if e.IsFatal() {
					return e
				}
			case kafka.AssignedPartitions:
				log.Info().Str("group", groupID).Msg("分区已分配")
				_ = c.consumer.Assign(e.Partitions)
			case kafka.RevokedPartitions:
				log.Info().Str("group", groupID).Msg("分区已回收")
				_ = c.consumer.Unassign()
			}
		}
	}
	return nil
}

// Close 关闭 Kafka 消费者。
func (c *confluentKafkaConsumer) Close() {
	if c.consumer == nil {
		return
	}
	if err := c.consumer.Close(); err != nil {
		log.Error().Err(err).Str("group", c.groupID).Msg("关闭 Kafka 消费者失败")
	} else {
		log.Info().Str("group", c.groupID).Msg("Kafka 消费者已关闭")
	}
	c.consumer = nil
}
