package publish

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"Witnet/internal/codec"
	"Witnet/internal/logger"
	"Witnet/internal/types"
)

// ErrSinkFull is returned when the sink's queue cannot take another proof.
var ErrSinkFull = errors.New("proof sink queue full")

// Producer sends records synchronously; *kgo.Client implements it.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// SinkConfig tunes a KafkaSink.
type SinkConfig struct {
	Topic        string        // Topic overrides the client's default produce topic when set
	QueueSize    int           // QueueSize bounds proofs waiting to be produced
	WriteTimeout time.Duration // WriteTimeout bounds one produce call
}

// KafkaSink produces finalized proofs to a Kafka topic from a background goroutine.
type KafkaSink struct {
	producer Producer
	topic    string
	timeout  time.Duration
	queue    chan *types.Proof

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewKafkaSink creates a sink and starts its producer loop.
func NewKafkaSink(producer Producer, cfg SinkConfig) *KafkaSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &KafkaSink{
		producer: producer,
		topic:    cfg.Topic,
		timeout:  cfg.WriteTimeout,
		queue:    make(chan *types.Proof, cfg.QueueSize),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Emit queues a proof for production without blocking.
func (s *KafkaSink) Emit(p *types.Proof) error {
	select {
	case <-s.done:
		return fmt.Errorf("proof sink closed")
	default:
	}

	select {
	case s.queue <- p:
		return nil
	default:
		logger.Warn("proof sink full, proof not produced", "request_id", p.RequestID)
		return ErrSinkFull
	}
}

func (s *KafkaSink) run() {
	defer s.wg.Done()

	for {
		select {
		case p := <-s.queue:
			s.produce(p)
		case <-s.done:
			for {
				select {
				case p := <-s.queue:
					s.produce(p)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaSink) produce(p *types.Proof) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.producer.ProduceSync(ctx, proofRecord(p, s.topic)).FirstErr(); err != nil {
		logger.Warn("failed to produce proof", "request_id", p.RequestID, "error", err)
		return
	}

	logger.Debug("proof produced", "request_id", p.RequestID)
}

// proofRecord keys a proof record by its big-endian request id.
func proofRecord(p *types.Proof, topic string) *kgo.Record {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, p.RequestID)

	return &kgo.Record{Topic: topic, Key: key, Value: codec.EncodeProof(p)}
}

// Close produces what is queued and stops the loop.
func (s *KafkaSink) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}
