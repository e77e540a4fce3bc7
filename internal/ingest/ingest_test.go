package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"Witnet/internal/codec"
	"Witnet/internal/types"
)

// collector is a Handler that records requests.
type collector struct {
	mu   sync.Mutex
	got  []uint64
	fail map[uint64]error
}

func (c *collector) handle(_ context.Context, req *types.ProofRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail[req.RequestID]; err != nil {
		return err
	}

	c.got = append(c.got, req.RequestID)

	return nil
}

func (c *collector) ids() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]uint64(nil), c.got...)
}

func req(id, block uint64) *types.ProofRequest {
	return &types.ProofRequest{RequestID: id, SetID: 1, OriginBlock: block, Message: []byte("event")}
}

func TestSequencerToleratesGapsAndRegressions(t *testing.T) {
	c := &collector{}
	seq := NewSequencer(c.handle)
	ctx := context.Background()

	inputs := []*types.ProofRequest{
		req(1, 10),
		req(2, 11),
		req(5, 12), // gap
		req(3, 9),  // late delivery, block regression
		req(5, 12), // redelivery
	}

	for _, r := range inputs {
		if err := seq.Submit(ctx, r); err != nil {
			t.Fatalf("submit %d: %v", r.RequestID, err)
		}
	}

	if got := c.ids(); len(got) != len(inputs) {
		t.Errorf("forwarded %v, want every input", got)
	}

	if id, block := seq.Position(); id != 5 || block != 12 {
		t.Errorf("position = (%d, %d), want (5, 12)", id, block)
	}

	if gaps, regressions := seq.Anomalies(); gaps != 1 || regressions != 1 {
		t.Errorf("anomalies = (%d, %d), want (1, 1)", gaps, regressions)
	}
}

func TestSequencerRejectsEmptyRequest(t *testing.T) {
	seq := NewSequencer((&collector{}).handle)

	if err := seq.Submit(context.Background(), nil); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("nil request: %v", err)
	}

	if err := seq.Submit(context.Background(), &types.ProofRequest{RequestID: 1}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty message: %v", err)
	}
}

// fakeConsumer serves queued batches and counts commits.
type fakeConsumer struct {
	batches   [][]*kgo.Record
	commits   int
	rebalance int
}

func (f *fakeConsumer) PollRecords(_ context.Context, _ int) kgo.Fetches {
	if len(f.batches) == 0 {
		return kgo.Fetches{}
	}

	batch := f.batches[0]
	f.batches = f.batches[1:]

	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic:      "requests",
			Partitions: []kgo.FetchPartition{{Partition: 0, Records: batch}},
		}},
	}}
}

func (f *fakeConsumer) CommitUncommittedOffsets(context.Context) error {
	f.commits++
	return nil
}

func (f *fakeConsumer) AllowRebalance() {
	f.rebalance++
}

func record(offset int64, value []byte) *kgo.Record {
	return &kgo.Record{Topic: "requests", Offset: offset, Value: value}
}

func TestKafkaSourceHandsOffAndCommits(t *testing.T) {
	c := &collector{fail: map[uint64]error{3: errors.New("unknown set")}}
	fc := &fakeConsumer{batches: [][]*kgo.Record{{
		record(0, codec.EncodeRequest(req(1, 1))),
		record(1, []byte{0xde, 0xad}),
		record(2, codec.EncodeRequest(req(2, 2))),
		record(3, codec.EncodeRequest(req(3, 3))),
	}}}

	src := NewKafkaSource(fc, NewSequencer(c.handle), 10)

	n, err := src.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}

	if n != 2 {
		t.Errorf("handled %d, want 2", n)
	}

	if got := c.ids(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("forwarded %v, want [1 2]", got)
	}

	if fc.commits != 1 || fc.rebalance != 1 {
		t.Errorf("commits %d rebalances %d, want 1 and 1", fc.commits, fc.rebalance)
	}

	// An empty poll commits nothing.
	if n, err := src.PollOnce(context.Background()); n != 0 || err != nil {
		t.Errorf("empty poll = (%d, %v)", n, err)
	}

	if fc.commits != 1 {
		t.Errorf("empty poll committed")
	}
}

func TestKafkaSourceReportsFetchErrors(t *testing.T) {
	fc := &errConsumer{err: errors.New("not leader")}
	src := NewKafkaSource(fc, NewSequencer((&collector{}).handle), 10)

	if _, err := src.PollOnce(context.Background()); err == nil {
		t.Error("fetch error not reported")
	}
}

type errConsumer struct {
	fakeConsumer
	err error
}

func (e *errConsumer) PollRecords(context.Context, int) kgo.Fetches {
	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic:      "requests",
			Partitions: []kgo.FetchPartition{{Partition: 2, Err: e.err}},
		}},
	}}
}
