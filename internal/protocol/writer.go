// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// WriteFrame escreve um frame completo: [Magic 4B] [Length uint32 BE] [Payload].
func WriteFrame(w io.Writer, magic [4]byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if _, err := w.Write(magic[:]); err != nil {
		return fmt.Errorf("writing frame magic: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// writeJSONFrame serializa v e escreve o frame com o magic dado.
func writeJSONFrame(w io.Writer, magic [4]byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s frame: %w", string(magic[:]), err)
	}
	return WriteFrame(w, magic, payload)
}

// WriteHandshake escreve o frame de abertura de sessão (Client → Server).
func WriteHandshake(w io.Writer, h *Handshake) error {
	return writeJSONFrame(w, MagicHandshake, h)
}

// WriteWelcome escreve a resposta ao handshake (Server → Client).
func WriteWelcome(w io.Writer, wl *Welcome) error {
	return writeJSONFrame(w, MagicWelcome, wl)
}

// WriteOp escreve uma operação sequenciada (Server → Client). O payload é o
// JSON da mensagem sequenciada, opaco para este pacote.
func WriteOp(w io.Writer, message json.RawMessage) error {
	return WriteFrame(w, MagicOp, message)
}

// WriteOpContent escreve o conteúdo de uma operação grande.
func WriteOpContent(w io.Writer, c *ContentEnvelope) error {
	return writeJSONFrame(w, MagicOpContent, c)
}

// WriteSignal escreve um signal efêmero.
func WriteSignal(w io.Writer, content json.RawMessage) error {
	return WriteFrame(w, MagicSignal, content)
}

// WriteSubmit escreve uma submissão de operação local (Client → Server).
func WriteSubmit(w io.Writer, s *Submit) error {
	return writeJSONFrame(w, MagicSubmit, s)
}

// WriteSubmitACK escreve a confirmação de reserva de slot (Server → Client).
func WriteSubmitACK(w io.Writer, ack *SubmitACK) error {
	return writeJSONFrame(w, MagicSubmitACK, ack)
}

// WriteNack escreve o repúdio do stream outbound (Server → Client).
func WriteNack(w io.Writer, n *Nack) error {
	return writeJSONFrame(w, MagicNack, n)
}

// WritePing escreve um ping com o timestamp atual em nanos (Client → Server).
func WritePing(w io.Writer, timestamp int64) error {
	return writeJSONFrame(w, MagicPing, &Ping{Timestamp: timestamp})
}

// WritePong escreve a resposta a um ping (Server → Client).
func WritePong(w io.Writer, timestamp int64) error {
	return writeJSONFrame(w, MagicPong, &Pong{Timestamp: timestamp})
}
