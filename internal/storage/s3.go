// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package storage implementa o client de delta storage sobre um bucket S3.
// As operações sequenciadas são persistidas pelo serviço em batch objects
// imutáveis, um por janela fixa de sequence numbers, possivelmente
// comprimidos. O client só lê.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-collab/internal/codec"
	"github.com/nishisan-dev/n-collab/internal/delta"
)

// DefaultBatchSpan é a janela de sequence numbers coberta por cada batch
// object quando a configuração não especifica.
const DefaultBatchSpan = 1000

// s3API é o subconjunto do client S3 usado pelo store. Permite fakes em teste.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config contém os parâmetros do delta storage.
type S3Config struct {
	Bucket      string
	Prefix      string
	Region      string
	Endpoint    string // endpoint custom (MinIO etc); vazio usa o default AWS
	AccessKey   string
	SecretKey   string
	BatchSpan   uint64
	Compression string

	// RequestsPerSec limita a taxa de GetObject. Zero desabilita o throttle.
	RequestsPerSec float64
}

// S3Store lê ranges históricos de operações sequenciadas de batch objects no
// bucket. Implementa delta.Storage.
type S3Store struct {
	api         s3API
	bucket      string
	prefix      string
	span        uint64
	compression string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewS3Store cria um S3Store com o client AWS construído a partir da config.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("delta storage bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3StoreWithAPI(client, cfg, logger), nil
}

// newS3StoreWithAPI monta o store sobre um client já construído (testes).
func newS3StoreWithAPI(api s3API, cfg S3Config, logger *slog.Logger) *S3Store {
	span := cfg.BatchSpan
	if span == 0 {
		span = DefaultBatchSpan
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}

	return &S3Store{
		api:         api,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		span:        span,
		compression: cfg.Compression,
		limiter:     limiter,
		logger:      logger.With("component", "delta_storage"),
	}
}

// Get retorna as mensagens com from < seq < to. to igual a zero significa
// "até o tail persistido". O resultado pode ser parcial: batch objects ainda
// não publicados aparecem como NoSuchKey e encerram a varredura.
func (s *S3Store) Get(ctx context.Context, from, to uint64) ([]*delta.SequencedMessage, error) {
	var out []*delta.SequencedMessage

	for seq := from + 1; to == 0 || seq < to; {
		batchStart := s.batchStart(seq)

		msgs, found, err := s.fetchBatch(ctx, batchStart)
		if err != nil {
			return nil, err
		}
		if !found {
			// Batch ainda não publicado: tail alcançado.
			break
		}

		for _, m := range msgs {
			if m.SequenceNumber > from && (to == 0 || m.SequenceNumber < to) {
				out = append(out, m)
			}
		}

		// Batch parcial só existe no tail.
		if uint64(len(msgs)) < s.span {
			break
		}
		seq = batchStart + s.span
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

// fetchBatch busca e decodifica o batch object que inicia em batchStart.
// found=false quando o objeto não existe.
func (s *S3Store) fetchBatch(ctx context.Context, batchStart uint64) ([]*delta.SequencedMessage, bool, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}
	}

	key := s.objectKey(batchStart)
	obj, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetching delta batch %s: %w", key, err)
	}
	defer obj.Body.Close()

	raw, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, false, fmt.Errorf("reading delta batch %s: %w", key, err)
	}

	data, err := codec.Decompress(s.compression, raw)
	if err != nil {
		return nil, false, fmt.Errorf("decompressing delta batch %s: %w", key, err)
	}

	var msgs []*delta.SequencedMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, false, fmt.Errorf("decoding delta batch %s: %w", key, err)
	}

	s.logger.Debug("delta batch fetched", "key", key, "messages", len(msgs))
	return msgs, true, nil
}

// batchStart retorna o primeiro seq do batch que contém seq. Batches são
// alinhados em janelas de span a partir do seq 1.
func (s *S3Store) batchStart(seq uint64) uint64 {
	if seq == 0 {
		return 1
	}
	return ((seq - 1) / s.span) * s.span + 1
}

// objectKey monta a chave do batch object, com a extensão do modo de
// compressão configurado.
func (s *S3Store) objectKey(batchStart uint64) string {
	ext := "json"
	switch s.compression {
	case codec.ModeGzip:
		ext = "json.gz"
	case codec.ModeZstd:
		ext = "json.zst"
	}
	if s.prefix != "" {
		return fmt.Sprintf("%s/deltas/%020d.%s", s.prefix, batchStart, ext)
	}
	return fmt.Sprintf("deltas/%020d.%s", batchStart, ext)
}
