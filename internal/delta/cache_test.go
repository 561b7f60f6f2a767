// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package delta

import (
	"encoding/json"
	"testing"
)

func content(clientID string, clientSeq uint64) *ContentMessage {
	return &ContentMessage{
		ClientID:             clientID,
		ClientSequenceNumber: clientSeq,
		Contents:             json.RawMessage(`{"x":1}`),
	}
}

func TestContentCache_SetPeekGet(t *testing.T) {
	c := NewContentCache(5)

	c.Set(content("A", 1))
	c.Set(content("B", 1))
	c.Set(content("A", 2))

	// Peek retorna a entrada mais antiga do client, sem remover.
	got := c.Peek("A")
	if got == nil || got.ClientSequenceNumber != 1 {
		t.Fatalf("expected peek A/1, got %+v", got)
	}
	if c.Len() != 3 {
		t.Fatalf("peek must not remove, len=%d", c.Len())
	}

	// Get remove.
	got = c.Get("A")
	if got == nil || got.ClientSequenceNumber != 1 {
		t.Fatalf("expected get A/1, got %+v", got)
	}
	got = c.Get("A")
	if got == nil || got.ClientSequenceNumber != 2 {
		t.Fatalf("expected get A/2, got %+v", got)
	}
	if c.Get("A") != nil {
		t.Fatal("expected no more entries for A")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Len())
	}
}

func TestContentCache_EvictsOldest(t *testing.T) {
	c := NewContentCache(3)

	for i := uint64(1); i <= 5; i++ {
		c.Set(content("A", i))
	}

	if c.Len() != 3 {
		t.Fatalf("expected capacity 3, got %d", c.Len())
	}
	// As entradas 1 e 2 foram evictadas.
	got := c.Peek("A")
	if got == nil || got.ClientSequenceNumber != 3 {
		t.Fatalf("expected oldest surviving entry A/3, got %+v", got)
	}
}

func TestContentCache_EmitsContentEvent(t *testing.T) {
	c := NewContentCache(0) // default capacity

	var seen []string
	c.Events().Content.On(func(id string) { seen = append(seen, id) })

	c.Set(content("A", 1))
	c.Set(content("B", 7))

	if len(seen) != 2 || seen[0] != "A" || seen[1] != "B" {
		t.Fatalf("expected events [A B], got %v", seen)
	}
}

func TestContentCache_MissingClient(t *testing.T) {
	c := NewContentCache(2)
	if c.Peek("nope") != nil {
		t.Fatal("expected nil peek for unknown client")
	}
	if c.Get("nope") != nil {
		t.Fatal("expected nil get for unknown client")
	}
}
