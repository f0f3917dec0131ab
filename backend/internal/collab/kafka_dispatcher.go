package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// 本地队列满时 Enqueue 直接丢弃并返回该错误，绝不阻塞调用方
var ErrRelayQueueFull = errors.New("relay queue full")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 广播是即发即忘的，Kafka 短暂不可用靠队列吸收，队列满时降级丢弃，
// 绝不反压编辑主链路。实现 EventRelay。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan CollabEventMessage

	// 限制并发 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan CollabEventMessage, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.Start()
	return d
}

// Enqueue 把事件放入本地队列。调用方持有实体/字段锁时也会调用，
// 所以这里绝不阻塞：队列满（Kafka 长时间不可用）就丢弃这一条并报 ErrRelayQueueFull。
// 事件转发不要求强一致，不是每条都必须送达。
func (d *KafkaDispatcher) Enqueue(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := encodeEventMessage(e)
	if err != nil {
		return err
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		return ErrRelayQueueFull
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for msg := range d.queue {
		d.sendWithRetry(workerID, msg)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, msg CollabEventMessage) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 可以一直等，不影响主链路
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(msg)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event kind=%s entity=%s worker=%d err=%v",
				msg.Kind, msg.EntityID, workerID, err)
			return
		}

		// 指数退避
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(msg CollabEventMessage) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pm := &sarama.ProducerMessage{
		Topic: d.topic,
		// 以实体 ID 做 key，同一实体的事件进同一分区保序
		Key:   sarama.StringEncoder(msg.EntityID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(pm)
	return err
}
