package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tourline/migration-guard/internal/utils"
)

// KafkaConfig selects the topic migration events are published to.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	QueueSize int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type writeCloser interface {
	Close() error
}

// KafkaSink publishes events asynchronously. Emit never blocks: when the queue
// is full the event is dropped and counted.
type KafkaSink struct {
	cfg     KafkaConfig
	logger  *slog.Logger
	writer  messageWriter
	closer  writeCloser
	queue   chan Event
	dropped atomic.Int64

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var errSinkNilWriter = errors.New("kafka sink requires a writer")

// NewKafkaSink constructs a sink backed by a kafka-go writer.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
		BatchTimeout:           200 * time.Millisecond,
	}
	return newKafkaSinkWithWriter(cfg, logger, w, w)
}

func newKafkaSinkWithWriter(cfg KafkaConfig, logger *slog.Logger, writer messageWriter, closer writeCloser) (*KafkaSink, error) {
	if writer == nil {
		return nil, errSinkNilWriter
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &KafkaSink{
		cfg:    cfg,
		logger: utils.ComponentLogger(logger, "kafka_sink"),
		writer: writer,
		closer: closer,
		queue:  make(chan Event, cfg.QueueSize),
	}, nil
}

// Start launches the background publishing loop.
func (s *KafkaSink) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx)
	s.logger.Info("kafka sink started", slog.String("topic", s.cfg.Topic))
}

// Emit enqueues ev for publishing.
func (s *KafkaSink) Emit(ev Event) {
	select {
	case s.queue <- ev:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("kafka sink queue full, dropping events", slog.Int64("dropped", n))
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (s *KafkaSink) Dropped() int64 { return s.dropped.Load() }

func (s *KafkaSink) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case ev := <-s.queue:
			s.publish(context.Background(), ev)
		}
	}
}

func (s *KafkaSink) drain() {
	for {
		select {
		case ev := <-s.queue:
			s.publish(context.Background(), ev)
		default:
			return
		}
	}
}

func (s *KafkaSink) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("encode migration event", slog.String("event", ev.Name), slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg := kafka.Message{Key: []byte(ev.Name), Value: payload, Time: ev.Timestamp}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("publish migration event", slog.String("event", ev.Name), slog.Any("error", err))
	}
}

// Close stops the loop, flushes queued events and closes the writer.
func (s *KafkaSink) Close() error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			s.wg.Wait()
		}
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}
