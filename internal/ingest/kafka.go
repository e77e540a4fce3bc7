package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"Witnet/internal/codec"
	"Witnet/internal/logger"
)

// Consumer polls a consumer group; *kgo.Client implements it when created with
// BlockRebalanceOnPoll and DisableAutoCommit.
type Consumer interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	AllowRebalance()
}

// KafkaSource feeds codec-encoded requests from a topic to a sequencer.
type KafkaSource struct {
	consumer  Consumer
	seq       *Sequencer
	batchSize int
	backoff   time.Duration
}

// NewKafkaSource creates a source. batchSize bounds records per poll.
func NewKafkaSource(consumer Consumer, seq *Sequencer, batchSize int) *KafkaSource {
	if batchSize <= 0 {
		batchSize = 500
	}

	return &KafkaSource{consumer: consumer, seq: seq, batchSize: batchSize, backoff: time.Second}
}

// Run polls until ctx is done or the client is closed.
func (k *KafkaSource) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := k.PollOnce(ctx)
		if errors.Is(err, kgo.ErrClientClosed) {
			return nil
		}

		if err != nil {
			logger.Warn("request poll failed", "error", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(k.backoff):
			}

			continue
		}

		if n > 0 {
			logger.Debug("requests consumed", "count", n)
		}
	}
}

// PollOnce handles one batch and commits it once every record is handed off.
// Undecodable or rejected records are logged and skipped.
func (k *KafkaSource) PollOnce(ctx context.Context) (int, error) {
	fetches := k.consumer.PollRecords(ctx, k.batchSize)
	defer k.consumer.AllowRebalance()

	if fetches.IsClientClosed() {
		return 0, kgo.ErrClientClosed
	}

	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			return 0, nil
		}

		return 0, fmt.Errorf("fetch %s/%d:\n%w", fe.Topic, fe.Partition, fe.Err)
	}

	handled := 0
	iter := fetches.RecordIter()

	for !iter.Done() {
		record := iter.Next()

		req, err := codec.DecodeRequest(record.Value)
		if err != nil {
			logger.Warn("undecodable request record skipped",
				"partition", record.Partition,
				"offset", record.Offset,
				"error", err,
			)

			continue
		}

		if err := k.seq.Submit(ctx, req); err != nil {
			if ctx.Err() != nil {
				return handled, ctx.Err()
			}

			logger.Warn("consumed request rejected", "request_id", req.RequestID, "error", err)

			continue
		}

		handled++
	}

	if handled == 0 && fetches.NumRecords() == 0 {
		return 0, nil
	}

	if err := k.consumer.CommitUncommittedOffsets(ctx); err != nil {
		return handled, fmt.Errorf("commit offsets:\n%w", err)
	}

	return handled, nil
}
