// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nishisan-dev/n-collab/internal/codec"
	"github.com/nishisan-dev/n-collab/internal/delta"
)

type fakeS3 struct {
	objects map[string][]byte
	calls   []string
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := *params.Key
	f.calls = append(f.calls, key)
	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func testStoreLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func storeMsg(seq uint64) *delta.SequencedMessage {
	return &delta.SequencedMessage{
		SequenceNumber: seq,
		ClientID:       "remote",
		Type:           delta.TypeOperation,
		Contents:       json.RawMessage(fmt.Sprintf(`{"v":%d}`, seq)),
	}
}

// buildBatch serializa e comprime um batch object com os seqs dados.
func buildBatch(t *testing.T, mode string, seqs ...uint64) []byte {
	t.Helper()
	var msgs []*delta.SequencedMessage
	for _, seq := range seqs {
		msgs = append(msgs, storeMsg(seq))
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	data, err := codec.Compress(mode, raw)
	if err != nil {
		t.Fatalf("compress batch: %v", err)
	}
	return data
}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for seq := from; seq <= to; seq++ {
		out = append(out, seq)
	}
	return out
}

func TestS3Store_GetExclusiveRange(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"documents/contract-42/deltas/00000000000000000001.json.zst": buildBatch(t, codec.ModeZstd, seqRange(1, 10)...),
	}}
	store := newS3StoreWithAPI(fake, S3Config{
		Bucket:      "b",
		Prefix:      "documents/contract-42",
		BatchSpan:   10,
		Compression: codec.ModeZstd,
	}, testStoreLogger())

	msgs, err := store.Get(context.Background(), 2, 7)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	// Range exclusivo nas duas pontas: (2, 7) → 3, 4, 5, 6.
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for i, want := range []uint64{3, 4, 5, 6} {
		if msgs[i].SequenceNumber != want {
			t.Fatalf("expected seq %d at index %d, got %d", want, i, msgs[i].SequenceNumber)
		}
	}
}

func TestS3Store_GetSpansMultipleBatches(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"deltas/00000000000000000001.json": buildBatch(t, codec.ModeNone, seqRange(1, 10)...),
		"deltas/00000000000000000011.json": buildBatch(t, codec.ModeNone, seqRange(11, 20)...),
	}}
	store := newS3StoreWithAPI(fake, S3Config{
		Bucket:      "b",
		BatchSpan:   10,
		Compression: codec.ModeNone,
	}, testStoreLogger())

	msgs, err := store.Get(context.Background(), 5, 16)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("expected 10 messages (6..15), got %d", len(msgs))
	}
	if msgs[0].SequenceNumber != 6 || msgs[len(msgs)-1].SequenceNumber != 15 {
		t.Fatalf("expected 6..15, got %d..%d", msgs[0].SequenceNumber, msgs[len(msgs)-1].SequenceNumber)
	}
}

func TestS3Store_GetStopsAtMissingBatch(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"deltas/00000000000000000001.json": buildBatch(t, codec.ModeNone, seqRange(1, 10)...),
		// Batch 11 não publicado ainda.
	}}
	store := newS3StoreWithAPI(fake, S3Config{
		Bucket:      "b",
		BatchSpan:   10,
		Compression: codec.ModeNone,
	}, testStoreLogger())

	msgs, err := store.Get(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("expected the 10 persisted messages, got %d", len(msgs))
	}
}

func TestS3Store_PartialTailBatchStopsScan(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"deltas/00000000000000000001.json": buildBatch(t, codec.ModeNone, seqRange(1, 10)...),
		"deltas/00000000000000000011.json": buildBatch(t, codec.ModeNone, seqRange(11, 14)...),
	}}
	store := newS3StoreWithAPI(fake, S3Config{
		Bucket:      "b",
		BatchSpan:   10,
		Compression: codec.ModeNone,
	}, testStoreLogger())

	msgs, err := store.Get(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(msgs) != 14 {
		t.Fatalf("expected 14 messages, got %d", len(msgs))
	}
	// O batch parcial encerra a varredura: nenhuma chamada além do batch 11.
	if len(fake.calls) != 2 {
		t.Fatalf("expected 2 object fetches, got %d: %v", len(fake.calls), fake.calls)
	}
}

func TestS3Store_EmptyWhenNothingPersisted(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := newS3StoreWithAPI(fake, S3Config{Bucket: "b", BatchSpan: 10}, testStoreLogger())

	msgs, err := store.Get(context.Background(), 0, 50)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty result, got %d", len(msgs))
	}
}

func TestS3Store_BatchStartAlignment(t *testing.T) {
	store := newS3StoreWithAPI(&fakeS3{}, S3Config{Bucket: "b", BatchSpan: 100}, testStoreLogger())

	tests := []struct {
		seq  uint64
		want uint64
	}{
		{0, 1}, {1, 1}, {99, 1}, {100, 1}, {101, 101}, {200, 101}, {201, 201},
	}
	for _, tt := range tests {
		if got := store.batchStart(tt.seq); got != tt.want {
			t.Errorf("batchStart(%d) = %d, want %d", tt.seq, got, tt.want)
		}
	}
}

func TestS3Store_ObjectKeyByCompression(t *testing.T) {
	tests := []struct {
		mode string
		want string
	}{
		{codec.ModeNone, "docs/d1/deltas/00000000000000000001.json"},
		{codec.ModeGzip, "docs/d1/deltas/00000000000000000001.json.gz"},
		{codec.ModeZstd, "docs/d1/deltas/00000000000000000001.json.zst"},
	}
	for _, tt := range tests {
		store := newS3StoreWithAPI(&fakeS3{}, S3Config{
			Bucket: "b", Prefix: "docs/d1", Compression: tt.mode,
		}, testStoreLogger())
		if got := store.objectKey(1); got != tt.want {
			t.Errorf("objectKey(%s) = %q, want %q", tt.mode, got, tt.want)
		}
	}
}
