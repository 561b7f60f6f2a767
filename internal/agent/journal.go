// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/n-collab/internal/delta"
)

// JournalHandler é a estratégia de handler dos sync jobs: não interpreta o
// payload das operações (opaco por contrato), apenas journaliza contadores e
// posições para o relatório do job.
type JournalHandler struct {
	logger *slog.Logger

	mu       sync.Mutex
	ops      int64
	signals  int64
	byType   map[delta.MessageType]int64
	lastSeq  uint64
	lastMSN  uint64
	lastSeen time.Time
}

// JournalSnapshot é o estado consolidado do journal em um instante.
type JournalSnapshot struct {
	Ops      int64
	Signals  int64
	ByType   map[delta.MessageType]int64
	LastSeq  uint64
	LastMSN  uint64
	LastSeen time.Time
}

// NewJournalHandler cria um JournalHandler.
func NewJournalHandler(logger *slog.Logger) *JournalHandler {
	return &JournalHandler{
		logger: logger.With("component", "journal_handler"),
		byType: make(map[delta.MessageType]int64),
	}
}

type processContext struct {
	start time.Time
}

// Prepare implementa delta.Handler.
func (j *JournalHandler) Prepare(msg *delta.SequencedMessage) (any, error) {
	return &processContext{start: time.Now()}, nil
}

// Process implementa delta.Handler.
func (j *JournalHandler) Process(msg *delta.SequencedMessage, pctx any) {
	j.mu.Lock()
	j.ops++
	j.byType[msg.Type]++
	j.lastSeq = msg.SequenceNumber
	j.lastMSN = msg.MinimumSequenceNumber
	j.lastSeen = time.Now()
	j.mu.Unlock()
}

// PostProcess implementa delta.Handler.
func (j *JournalHandler) PostProcess(msg *delta.SequencedMessage, pctx any) error {
	if pc, ok := pctx.(*processContext); ok {
		if elapsed := time.Since(pc.start); elapsed > 100*time.Millisecond {
			j.logger.Debug("slow message processing",
				"seq", msg.SequenceNumber,
				"type", msg.Type,
				"elapsed", elapsed,
			)
		}
	}
	return nil
}

// ProcessSignal implementa delta.Handler.
func (j *JournalHandler) ProcessSignal(sig *delta.Signal) {
	j.mu.Lock()
	j.signals++
	j.mu.Unlock()
	j.logger.Debug("signal received", "client_id", sig.ClientID)
}

// Snapshot retorna o estado consolidado do journal.
func (j *JournalHandler) Snapshot() JournalSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	byType := make(map[delta.MessageType]int64, len(j.byType))
	for k, v := range j.byType {
		byType[k] = v
	}
	return JournalSnapshot{
		Ops:      j.ops,
		Signals:  j.signals,
		ByType:   byType,
		LastSeq:  j.lastSeq,
		LastMSN:  j.lastMSN,
		LastSeen: j.lastSeen,
	}
}
