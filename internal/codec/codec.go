// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package codec implementa a compressão dos payloads de op-content e dos
// batch objects do delta storage, conforme o modo negociado no handshake.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Modos de compressão suportados. Os valores coincidem com os negociados no
// protocolo e com a configuração YAML.
const (
	ModeNone = "none"
	ModeGzip = "gzip"
	ModeZstd = "zstd"
)

// ValidMode informa se o modo é reconhecido. Vazio equivale a none.
func ValidMode(mode string) bool {
	switch mode {
	case "", ModeNone, ModeGzip, ModeZstd:
		return true
	default:
		return false
	}
}

// Compress comprime data conforme o modo. ModeNone retorna data inalterado.
func Compress(mode string, data []byte) ([]byte, error) {
	switch mode {
	case "", ModeNone:
		return data, nil

	case ModeGzip:
		var buf bytes.Buffer
		zw := pgzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil

	case ModeZstd:
		var buf bytes.Buffer
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("zstd compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("zstd close: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unknown compression mode %q", mode)
	}
}

// Decompress expande data conforme o modo usado na compressão.
func Decompress(mode string, data []byte) ([]byte, error) {
	switch mode {
	case "", ModeNone:
		return data, nil

	case ModeGzip:
		zr, err := pgzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil

	case ModeZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr.IOReadCloser())
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown compression mode %q", mode)
	}
}
