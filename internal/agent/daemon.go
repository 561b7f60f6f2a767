// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-collab/internal/config"
	"github.com/nishisan-dev/n-collab/internal/pki"
	"github.com/nishisan-dev/n-collab/internal/protocol"
)

// Version é a versão do agent, preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// RunDaemon inicia o agent em modo daemon com um cron job por documento.
// Bloqueia até receber SIGTERM ou SIGINT.
// SIGHUP recarrega a configuração sem downtime (systemctl reload).
func RunDaemon(configPath string, cfg *config.AgentConfig, logger *slog.Logger) error {
	logger.Info("starting daemon",
		"agent", cfg.Agent.Name,
		"documents", len(cfg.Documents),
		"version", Version,
	)

	runFn := func(ctx context.Context, cfg *config.AgentConfig, entry config.DocumentEntry, entryLogger *slog.Logger, job *SyncJob) error {
		return RunSyncWithRetry(ctx, cfg, entry, entryLogger, job)
	}

	sched, err := NewScheduler(cfg, logger, runFn)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	sched.Start()

	// Monitor de host — alimenta o stats reporter
	monitor := NewSystemMonitor(logger)
	monitor.Start()

	// Stats reporter — emite métricas a cada 5 minutos
	stats := NewStatsReporter(sched, monitor, logger)
	stats.Start()

	// Aguarda signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := config.LoadAgentConfig(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			// Para scheduler e stats atuais
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			stats.Stop()
			sched.Stop(stopCtx)
			stopCancel()

			// Recria com nova config
			cfg = newCfg
			sched, err = NewScheduler(cfg, logger, runFn)
			if err != nil {
				monitor.Stop()
				logger.Error("failed to create scheduler after reload", "error", err)
				return fmt.Errorf("reload scheduler: %w", err)
			}
			sched.Start()
			stats = NewStatsReporter(sched, monitor, logger)
			stats.Start()

			logger.Info("config reloaded successfully",
				"agent", cfg.Agent.Name,
				"documents", len(cfg.Documents),
			)
			continue
		}

		// SIGTERM ou SIGINT — graceful shutdown
		logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		stats.Stop()
		monitor.Stop()
		sched.Stop(ctx)
		cancel()
		return nil
	}
}

// RunHealthCheck executa um health check contra o serviço de ordenação:
// abre a conexão TLS, envia um PING e mede o tempo até o PONG.
func RunHealthCheck(address string, cfg *config.AgentConfig, logger *slog.Logger) error {
	tlsCfg, err := loadClientTLS(cfg)
	if err != nil {
		return err
	}

	// Extrai hostname para ServerName
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	tlsCfg.ServerName = host

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("connecting for health check: %w", err)
	}
	defer rawConn.Close()

	conn := tls.Client(rawConn, tlsCfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}

	start := time.Now()
	if err := protocol.WritePing(conn, start.UnixNano()); err != nil {
		return fmt.Errorf("sending ping: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	magic, payload, err := protocol.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("reading health response: %w", err)
	}
	if magic != protocol.MagicPong {
		return fmt.Errorf("unexpected frame %q in health response", string(magic[:]))
	}
	if _, err := protocol.DecodePong(payload); err != nil {
		return err
	}

	fmt.Printf("Server status: READY (rtt %s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func loadClientTLS(cfg *config.AgentConfig) (*tls.Config, error) {
	return pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
}
