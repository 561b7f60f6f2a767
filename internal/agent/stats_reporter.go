// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

const statsInterval = 5 * time.Minute

// jobSnapshot captura o estado de um job para o log estruturado.
type jobSnapshot struct {
	Document      string  `json:"document"`
	Schedule      string  `json:"schedule"`
	Readonly      bool    `json:"readonly"`
	Status        string  `json:"status"`
	CurrentOps    int64   `json:"current_ops,omitempty"`
	CurrentSeq    uint64  `json:"current_seq,omitempty"`
	LastStatus    string  `json:"last_status,omitempty"`
	LastDurationS float64 `json:"last_duration_s,omitempty"`
	LastOps       int64   `json:"last_ops,omitempty"`
	LastSeq       uint64  `json:"last_seq,omitempty"`
	LastAt        string  `json:"last_at,omitempty"`
}

// StatsReporter emite métricas periódicas do daemon no log: estado dos sync
// jobs e métricas de host coletadas pelo SystemMonitor.
type StatsReporter struct {
	scheduler *Scheduler
	monitor   *SystemMonitor
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter cria um StatsReporter que loga métricas a cada 5 minutos.
func NewStatsReporter(scheduler *Scheduler, monitor *SystemMonitor, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		scheduler: scheduler,
		monitor:   monitor,
		logger:    logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", statsInterval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	jobs := sr.scheduler.Jobs()
	uptime := time.Since(sr.startTime).Seconds()

	var runningCount int
	snapshots := make([]jobSnapshot, 0, len(jobs))

	for _, job := range jobs {
		snap := jobSnapshot{
			Document: job.Entry.ID,
			Schedule: job.Entry.Schedule,
			Readonly: job.Entry.Readonly,
		}

		job.mu.Lock()
		isRunning := job.running
		lastResult := job.LastResult
		job.mu.Unlock()

		if isRunning {
			runningCount++
			snap.Status = "running"
			snap.CurrentOps = atomic.LoadInt64(&job.LastOps)
			snap.CurrentSeq = atomic.LoadUint64(&job.LastSeq)
		} else {
			snap.Status = "idle"
		}

		if lastResult != nil {
			snap.LastStatus = lastResult.Status
			snap.LastDurationS = lastResult.DurationSeconds
			snap.LastOps = lastResult.OpsProcessed
			snap.LastSeq = lastResult.FinalSeq
			snap.LastAt = lastResult.Timestamp.Format(time.RFC3339)
		}

		snapshots = append(snapshots, snap)
	}

	// Serializa jobs como JSON para log estruturado
	jobsJSON, _ := json.Marshal(snapshots)

	// Encontrar próximo agendamento
	entries := sr.scheduler.cron.Entries()
	var nextTime time.Time
	var nextJobName string
	now := time.Now()

	for i, cronEntry := range entries {
		next := cronEntry.Next
		if next.After(now) && (nextTime.IsZero() || next.Before(nextTime)) {
			nextTime = next
			if i < len(jobs) {
				nextJobName = jobs[i].Entry.ID
			}
		}
	}

	attrs := []any{
		"uptime_seconds", int64(uptime),
		"jobs_total", len(jobs),
		"jobs_running", runningCount,
	}

	if sr.monitor != nil {
		host := sr.monitor.Stats()
		attrs = append(attrs,
			"cpu_percent", host.CPUPercent,
			"memory_percent", host.MemoryPercent,
			"disk_usage_percent", host.DiskUsagePercent,
			"load_average", host.LoadAverage,
		)
	}

	if !nextTime.IsZero() {
		attrs = append(attrs,
			"next_scheduled_name", nextJobName,
			"next_scheduled_at", nextTime.Format(time.RFC3339),
		)
	}

	attrs = append(attrs, "jobs", json.RawMessage(jobsJSON))

	sr.logger.Info("daemon stats", attrs...)
}
