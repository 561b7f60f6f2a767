// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-collab/internal/config"
	"github.com/robfig/cron/v3"
)

// SyncJobResult armazena o resultado do último sync de um job.
type SyncJobResult struct {
	Status          string    `json:"status"` // "completed", "failed", "skipped"
	DurationSeconds float64   `json:"duration_seconds"`
	OpsProcessed    int64     `json:"ops_processed"`
	FinalSeq        uint64    `json:"final_seq"`
	Timestamp       time.Time `json:"timestamp"`
}

// SyncJob representa um job de sincronização de documento com guard de execução.
type SyncJob struct {
	Entry      config.DocumentEntry
	mu         sync.Mutex
	running    bool
	LastResult *SyncJobResult

	// Métricas do último sync concluído (gravadas atomicamente pelo RunSync
	// ao final da execução; não mudam enquanto um sync está em curso)
	LastOps int64  // atomic
	LastSeq uint64 // atomic
}

// Scheduler gerencia N cron jobs independentes, um por documento.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []*SyncJob
	cfg    *config.AgentConfig
}

// NewScheduler cria um Scheduler com um cron job por documento configurado.
func NewScheduler(cfg *config.AgentConfig, logger *slog.Logger, runFn func(ctx context.Context, cfg *config.AgentConfig, entry config.DocumentEntry, logger *slog.Logger, job *SyncJob) error) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger,
		cfg:    cfg,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	for _, entry := range cfg.Documents {
		job := &SyncJob{Entry: entry}
		s.jobs = append(s.jobs, job)

		// Captura variáveis para closure
		jobRef := job
		entryRef := entry
		if _, err := c.AddFunc(entry.Schedule, func() {
			s.executeJob(jobRef, entryRef, runFn)
		}); err != nil {
			return nil, fmt.Errorf("adding cron job for document %q: %w", entry.ID, err)
		}

		logger.Info("registered sync job",
			"document", entry.ID,
			"schedule", entry.Schedule,
			"readonly", entry.Readonly,
		)
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop para o scheduler e aguarda jobs em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Jobs retorna os jobs registrados (para StatsReporter).
func (s *Scheduler) Jobs() []*SyncJob {
	return s.jobs
}

func (s *Scheduler) executeJob(job *SyncJob, entry config.DocumentEntry, runFn func(ctx context.Context, cfg *config.AgentConfig, entry config.DocumentEntry, logger *slog.Logger, job *SyncJob) error) {
	entryLogger := s.logger.With("document", entry.ID)

	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		entryLogger.Warn("sync already running, skipping scheduled execution")
		job.LastResult = &SyncJobResult{
			Status:    "skipped",
			Timestamp: time.Now(),
		}
		return
	}
	job.running = true
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.running = false
		job.mu.Unlock()
	}()

	entryLogger.Info("scheduled sync triggered")
	start := time.Now()

	err := runFn(context.Background(), s.cfg, entry, entryLogger, job)
	duration := time.Since(start)

	if err != nil {
		entryLogger.Error("sync failed", "error", err, "duration", duration)
		job.LastResult = &SyncJobResult{
			Status:          "failed",
			DurationSeconds: duration.Seconds(),
			Timestamp:       time.Now(),
		}
	} else {
		entryLogger.Info("sync completed", "duration", duration)
		job.LastResult = &SyncJobResult{
			Status:          "completed",
			DurationSeconds: duration.Seconds(),
			OpsProcessed:    atomic.LoadInt64(&job.LastOps),
			FinalSeq:        atomic.LoadUint64(&job.LastSeq),
			Timestamp:       time.Now(),
		}
	}
}
