// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"path"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-collab/internal/config"
	"github.com/nishisan-dev/n-collab/internal/delta"
	"github.com/nishisan-dev/n-collab/internal/logging"
	"github.com/nishisan-dev/n-collab/internal/pki"
	"github.com/nishisan-dev/n-collab/internal/storage"
	"github.com/nishisan-dev/n-collab/internal/transport"
)

const (
	// catchUpPollInterval é o intervalo de verificação de convergência.
	catchUpPollInterval = 200 * time.Millisecond

	// catchUpQuietPeriod é o tempo que as posições de sequência precisam
	// ficar estáveis e convergidas para considerar o sync concluído.
	catchUpQuietPeriod = 2 * time.Second
)

// RunSync executa uma sessão de sincronização de um documento: conecta o
// delta manager, faz catch-up até o tip do server e encerra. O journal do
// handler alimenta o resultado do job.
func RunSync(ctx context.Context, cfg *config.AgentConfig, entry config.DocumentEntry, logger *slog.Logger, job *SyncJob) error {
	start := time.Now()

	// Log dedicado por sessão de sync; removido quando a sessão completa bem.
	sessionID := fmt.Sprintf("%s-%d", entry.ID, start.Unix())
	sessionLogger, logCloser, logPath, err := logging.NewSessionLogger(logger, cfg.Logging.SessionLogDir, cfg.Agent.Name, sessionID)
	if err != nil {
		logger.Warn("session log unavailable, using base logger", "error", err)
		sessionLogger = logger
	} else {
		defer logCloser.Close()
		if logPath != "" {
			logger.Debug("session log opened", "path", logPath)
		}
	}
	logger = sessionLogger

	tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		return fmt.Errorf("loading TLS config: %w", err)
	}
	host, _, splitErr := net.SplitHostPort(cfg.Server.Address)
	if splitErr != nil {
		host = cfg.Server.Address
	}
	tlsCfg.ServerName = host

	connector := &transport.Connector{
		Address:     cfg.Server.Address,
		ClientName:  cfg.Agent.Name,
		DocumentID:  entry.ID,
		TLSConfig:   tlsCfg,
		Compression: cfg.Compression,
		BytesPerSec: cfg.Limits.BandwidthRaw,
		Keepalive:   cfg.Keepalive,
		Logger:      logger,
	}

	storageFn := func(ctx context.Context) (delta.Storage, error) {
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:         cfg.DeltaStore.Bucket,
			Prefix:         path.Join(cfg.DeltaStore.Prefix, entry.ID),
			Region:         cfg.DeltaStore.Region,
			Endpoint:       cfg.DeltaStore.Endpoint,
			AccessKey:      cfg.DeltaStore.AccessKey,
			SecretKey:      cfg.DeltaStore.SecretKey,
			BatchSpan:      cfg.DeltaStore.BatchSpan,
			Compression:    cfg.Compression,
			RequestsPerSec: cfg.DeltaStore.RequestsPerSec,
		}, logger)
	}

	service := transport.NewService(connector, storageFn)

	mgr := delta.NewManager(delta.ManagerConfig{
		Service:           service,
		Client:            clientFromConfig(cfg),
		Logger:            logger,
		MaxContentSize:    int(cfg.Limits.MaxContentSizeRaw),
		ContentBufferSize: cfg.Limits.ContentBuffer,
	})
	defer mgr.Close()

	if entry.Readonly {
		mgr.EnableReadonlyMode()
	}

	// Captura o primeiro erro fatal do pipeline.
	errCh := make(chan error, 1)
	mgr.Events().Error.On(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	journal := NewJournalHandler(logger)
	mgr.AttachOpHandler(0, journal, true)

	details, err := mgr.Connect(ctx, "ScheduledSync")
	if err != nil {
		return fmt.Errorf("connecting to delta stream: %w", err)
	}
	logger.Info("sync session connected", "client_id", details.ClientID)

	// Aguarda convergência: posições estáveis e queue inbound drenado por
	// um período de silêncio contínuo.
	if err := waitForCatchUp(ctx, mgr, errCh); err != nil {
		return err
	}

	snap := journal.Snapshot()
	duration := time.Since(start)
	logger.Info("sync session complete",
		"ops", snap.Ops,
		"signals", snap.Signals,
		"final_seq", snap.LastSeq,
		"msn", snap.LastMSN,
		"duration", duration,
	)

	if job != nil {
		atomic.StoreInt64(&job.LastOps, snap.Ops)
		atomic.StoreUint64(&job.LastSeq, snap.LastSeq)
	}

	logging.RemoveSessionLog(cfg.Logging.SessionLogDir, cfg.Agent.Name, sessionID)
	return nil
}

// waitForCatchUp bloqueia até o manager alcançar o tip do server e ficar
// quieto por catchUpQuietPeriod, ou até ctx expirar ou um erro fatal subir.
func waitForCatchUp(ctx context.Context, mgr *delta.Manager, errCh <-chan error) error {
	ticker := time.NewTicker(catchUpPollInterval)
	defer ticker.Stop()

	var quietSince time.Time
	var lastBase uint64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("delta pipeline error: %w", err)
		case <-ticker.C:
		}

		base := mgr.ReferenceSequenceNumber()
		converged := mgr.Connected() &&
			mgr.Inbound().Idle() &&
			base == mgr.LastQueuedSequenceNumber() &&
			base >= mgr.LargestSequenceNumber()

		if !converged || base != lastBase {
			quietSince = time.Time{}
			lastBase = base
			continue
		}
		if quietSince.IsZero() {
			quietSince = time.Now()
			continue
		}
		if time.Since(quietSince) >= catchUpQuietPeriod {
			return nil
		}
	}
}

// clientFromConfig traduz a configuração YAML para o descriptor do client.
func clientFromConfig(cfg *config.AgentConfig) delta.Client {
	c := delta.Client{Type: cfg.Client.Type}
	switch cfg.Client.Reconnect {
	case "always":
		c.Reconnect = delta.ReconnectAlways
	case "never":
		c.Reconnect = delta.ReconnectNever
	}
	return c
}

// RunAllSyncs executa todos os documentos configurados sequencialmente com retry.
func RunAllSyncs(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	var firstErr error

	for _, entry := range cfg.Documents {
		entryLogger := logger.With("document", entry.ID)
		entryLogger.Info("starting sync entry")

		err := RunSyncWithRetry(ctx, cfg, entry, entryLogger, nil)
		if err != nil {
			entryLogger.Error("sync entry failed", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("sync %q failed: %w", entry.ID, err)
			}
			continue
		}

		entryLogger.Info("sync entry completed successfully")
	}

	return firstErr
}

// RunSyncWithRetry executa um sync entry com retry usando exponential backoff.
func RunSyncWithRetry(ctx context.Context, cfg *config.AgentConfig, entry config.DocumentEntry, logger *slog.Logger, job *SyncJob) error {
	var lastErr error

	for attempt := 0; attempt < cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
			logger.Info("retrying sync",
				"attempt", attempt+1,
				"delay", delay,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := RunSync(ctx, cfg, entry, logger, job)
		if err == nil {
			return nil
		}

		lastErr = err
		logger.Warn("sync attempt failed",
			"attempt", attempt+1,
			"error", err,
		)
	}

	return fmt.Errorf("all %d sync attempts failed, last error: %w", cfg.Retry.MaxAttempts, lastErr)
}

// calculateBackoff calcula o delay com exponential backoff capped.
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
