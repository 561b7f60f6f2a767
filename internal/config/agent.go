// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig representa a configuração completa do ncollab-agent.
type AgentConfig struct {
	Agent       AgentInfo       `yaml:"agent"`
	Server      ServerAddr      `yaml:"server"`
	TLS         TLSClient       `yaml:"tls"`
	Client      ClientInfo      `yaml:"client"`
	DeltaStore  DeltaStoreInfo  `yaml:"delta_store"`
	Documents   []DocumentEntry `yaml:"documents"`
	Limits      LimitsInfo      `yaml:"limits"`
	Compression string          `yaml:"compression"`
	Keepalive   time.Duration   `yaml:"keepalive"`
	Retry       RetryInfo       `yaml:"retry"`
	Logging     LoggingInfo     `yaml:"logging"`
}

// AgentInfo identifica o agent.
type AgentInfo struct {
	Name string `yaml:"name"`
}

// ServerAddr contém o endereço do serviço de ordenação.
type ServerAddr struct {
	Address string `yaml:"address"`
}

// TLSClient contém os caminhos dos certificados mTLS do client.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// ClientInfo descreve a categoria e a política de reconexão do client.
type ClientInfo struct {
	Type      string `yaml:"type"`      // default: browser
	Reconnect string `yaml:"reconnect"` // auto|always|never (default: auto)
}

// DeltaStoreInfo contém a configuração do delta storage S3.
type DeltaStoreInfo struct {
	Bucket         string  `yaml:"bucket"`
	Prefix         string  `yaml:"prefix"`
	Region         string  `yaml:"region"`
	Endpoint       string  `yaml:"endpoint"`
	AccessKey      string  `yaml:"access_key"`
	SecretKey      string  `yaml:"secret_key"`
	BatchSpan      uint64  `yaml:"batch_span"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
}

// DocumentEntry representa um documento sincronizado pelo agent.
type DocumentEntry struct {
	ID       string `yaml:"id"`
	Schedule string `yaml:"schedule"` // cron expression
	Readonly bool   `yaml:"readonly"`
}

// LimitsInfo contém limites do pipeline do client.
type LimitsInfo struct {
	Bandwidth         string `yaml:"bandwidth"` // ex: "512kb", "1mb"; "0" = sem limite
	BandwidthRaw      int64  `yaml:"-"`
	MaxContentSize    string `yaml:"max_content_size"` // ex: "32kb"
	MaxContentSizeRaw int64  `yaml:"-"`
	ContentBuffer     int    `yaml:"content_buffer"` // capacidade do cache de conteúdos
}

// RetryInfo contém configurações de retry dos sync jobs.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`

	// SessionLogDir habilita logs dedicados por sessão de sync. Vazio desliga.
	SessionLogDir string `yaml:"session_log_dir"`
}

// LoadAgentConfig lê e valida o arquivo YAML de configuração do agent.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentConfig) validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ClientCert == "" {
		return fmt.Errorf("tls.client_cert is required")
	}
	if c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.client_key is required")
	}
	if c.DeltaStore.Bucket == "" {
		return fmt.Errorf("delta_store.bucket is required")
	}
	if len(c.Documents) == 0 {
		return fmt.Errorf("documents must have at least one entry")
	}
	for i, d := range c.Documents {
		if d.ID == "" {
			return fmt.Errorf("documents[%d].id is required", i)
		}
		if d.Schedule == "" {
			return fmt.Errorf("documents[%d].schedule is required", i)
		}
	}

	switch c.Client.Reconnect {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("client.reconnect must be auto, always or never, got %q", c.Client.Reconnect)
	}

	switch c.Compression {
	case "":
		c.Compression = "zstd"
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("compression must be none, gzip or zstd, got %q", c.Compression)
	}

	if c.Keepalive <= 0 {
		c.Keepalive = 15 * time.Second
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Limits defaults
	if c.Limits.Bandwidth == "" {
		c.Limits.Bandwidth = "0"
	}
	bw, err := ParseByteSize(c.Limits.Bandwidth)
	if err != nil {
		return fmt.Errorf("limits.bandwidth: %w", err)
	}
	c.Limits.BandwidthRaw = bw

	if c.Limits.MaxContentSize == "" {
		c.Limits.MaxContentSize = "32kb"
	}
	mcs, err := ParseByteSize(c.Limits.MaxContentSize)
	if err != nil {
		return fmt.Errorf("limits.max_content_size: %w", err)
	}
	if mcs < 1024 {
		return fmt.Errorf("limits.max_content_size must be at least 1kb, got %s", c.Limits.MaxContentSize)
	}
	c.Limits.MaxContentSizeRaw = mcs

	if c.Limits.ContentBuffer < 0 {
		return fmt.Errorf("limits.content_buffer must not be negative, got %d", c.Limits.ContentBuffer)
	}

	if c.DeltaStore.BatchSpan == 0 {
		c.DeltaStore.BatchSpan = 1000
	}

	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
