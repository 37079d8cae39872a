package mq

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaProducer 简易封装：异步发送，失败只记日志。
type KafkaProducer struct {
	Async sarama.AsyncProducer
	Topic string
	log   zerolog.Logger
	done  chan struct{}
}

func NewKafkaProducer(brokers []string, topic string, log zerolog.Logger) (*KafkaProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	// 同一会话 key 落同一分区，消费端按会话有序
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaProducerFrom(p, topic, log), nil
}

// NewKafkaProducerFrom 包装已有的 AsyncProducer（测试可注入 mocks）。
func NewKafkaProducerFrom(p sarama.AsyncProducer, topic string, log zerolog.Logger) *KafkaProducer {
	kp := &KafkaProducer{
		Async: p,
		Topic: topic,
		log:   log.With().Str("component", "kafka-producer").Str("topic", topic).Logger(),
		done:  make(chan struct{}),
	}
	go kp.drainErrors()
	return kp
}

func (p *KafkaProducer) drainErrors() {
	defer close(p.done)
	for err := range p.Async.Errors() {
		p.log.Error().Err(err.Err).Msg("kafka publish failed")
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, value []byte, key []byte) error {
	if p == nil || p.Async == nil {
		return nil
	}
	msg := &sarama.ProducerMessage{Topic: p.Topic, Key: sarama.ByteEncoder(key), Value: sarama.ByteEncoder(value)}
	select {
	case p.Async.Input() <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka enqueue: %w", ctx.Err())
	}
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.Async == nil {
		return nil
	}
	err := p.Async.Close()
	<-p.done
	return err
}
