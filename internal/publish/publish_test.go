package publish

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"Witnet/internal/codec"
	"Witnet/internal/types"
)

func proof(id uint64) *types.Proof {
	return &types.Proof{
		RequestID:  id,
		SetID:      1,
		Message:    []byte("event"),
		Signatures: []types.SignatureEntry{{Index: 0, Signature: []byte{1, 2, 3}}},
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster()

	a, cancelA := b.Subscribe(4)
	defer cancelA()

	c, cancelC := b.Subscribe(4)
	defer cancelC()

	if n := b.Publish(proof(1)); n != 2 {
		t.Fatalf("reached %d subscribers, want 2", n)
	}

	for _, ch := range []<-chan *types.Proof{a, c} {
		select {
		case p := <-ch:
			if p.RequestID != 1 {
				t.Errorf("got proof %d, want 1", p.RequestID)
			}
		case <-time.After(time.Second):
			t.Fatal("proof not delivered")
		}
	}
}

func TestBroadcasterSkipsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()

	slow, cancelSlow := b.Subscribe(1)
	defer cancelSlow()

	fast, cancelFast := b.Subscribe(8)
	defer cancelFast()

	for id := uint64(1); id <= 3; id++ {
		b.Publish(proof(id))
	}

	if len(slow) != 1 || len(fast) != 3 {
		t.Errorf("slow holds %d, fast holds %d, want 1 and 3", len(slow), len(fast))
	}
}

func TestBroadcasterCancelAndClose(t *testing.T) {
	b := NewBroadcaster()

	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel open after cancel")
	}

	if b.Subscribers() != 0 {
		t.Errorf("%d subscribers after cancel", b.Subscribers())
	}

	other, _ := b.Subscribe(1)
	b.Close()

	if _, ok := <-other; ok {
		t.Error("channel open after close")
	}

	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscription after close is open")
	}
}

// fakeProducer records produced records and fails while failing is set.
type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	failing bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()

	var results kgo.ProduceResults

	for _, r := range rs {
		if f.failing {
			results = append(results, kgo.ProduceResult{Record: r, Err: errors.New("broker down")})
			continue
		}

		f.records = append(f.records, r)
		results = append(results, kgo.ProduceResult{Record: r})
	}

	return results
}

func (f *fakeProducer) produced() []*kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*kgo.Record(nil), f.records...)
}

func TestKafkaSinkProducesEncodedProofs(t *testing.T) {
	fp := &fakeProducer{}
	sink := NewKafkaSink(fp, SinkConfig{Topic: "proofs"})

	for id := uint64(1); id <= 3; id++ {
		if err := sink.Emit(proof(id)); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	sink.Close()

	records := fp.produced()
	if len(records) != 3 {
		t.Fatalf("produced %d records, want 3", len(records))
	}

	for i, r := range records {
		want := uint64(i + 1)

		if r.Topic != "proofs" || binary.BigEndian.Uint64(r.Key) != want {
			t.Errorf("record %d: topic %q key %x", i, r.Topic, r.Key)
		}

		p, err := codec.DecodeProof(r.Value)
		if err != nil {
			t.Fatalf("decode record %d: %v", i, err)
		}

		if !p.Equal(proof(want)) {
			t.Errorf("record %d carries a different proof", i)
		}
	}

	if err := sink.Emit(proof(9)); err == nil {
		t.Error("emit after close succeeded")
	}
}

func TestKafkaSinkSurvivesProduceErrors(t *testing.T) {
	fp := &fakeProducer{failing: true}
	sink := NewKafkaSink(fp, SinkConfig{QueueSize: 4})

	if err := sink.Emit(proof(1)); err != nil {
		t.Fatalf("emit: %v", err)
	}

	sink.Close()

	if n := len(fp.produced()); n != 0 {
		t.Errorf("produced %d records while failing", n)
	}
}
