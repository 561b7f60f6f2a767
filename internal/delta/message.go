// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package delta implementa o gerenciador de deltas do lado do client para o
// serviço de colaboração N-Collab. O DeltaManager garante que o handler da
// aplicação observe as operações sequenciadas pelo server em ordem estrita e
// sem gaps, independente da ordem de chegada na rede, de desconexões
// temporárias e de conteúdos que chegam separados do seu envelope.
package delta

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// MessageType identifica o tipo semântico de uma mensagem do documento.
type MessageType string

const (
	// TypeOperation é uma operação do documento (payload opaco para este pacote).
	TypeOperation MessageType = "op"

	// TypePropose é uma proposta de consenso (quórum). Proposals recebem um
	// NoOp de resposta imediato para acelerar a convergência do MSN.
	TypePropose MessageType = "propose"

	// TypeNoOp é uma mensagem vazia usada apenas para publicar o
	// referenceSequenceNumber do client ao server.
	TypeNoOp MessageType = "noop"

	// TypeClientJoin e TypeClientLeave são mensagens de sistema emitidas pelo
	// server quando clients entram ou saem da sessão.
	TypeClientJoin  MessageType = "join"
	TypeClientLeave MessageType = "leave"
)

// IsSystemType informa se o tipo é uma mensagem de sistema. Mensagens de
// sistema carregam o payload no campo data em vez de contents (contrato do
// server).
func IsSystemType(t MessageType) bool {
	switch t {
	case TypeClientJoin, TypeClientLeave:
		return true
	default:
		return false
	}
}

// Trace registra um ponto de passagem de uma mensagem pelo pipeline.
// Timestamp em milissegundos Unix.
type Trace struct {
	Action    string `json:"action"`
	Service   string `json:"service"`
	Timestamp int64  `json:"timestamp"`
}

// NewTrace cria um trace com timestamp atual.
func NewTrace(action, service string) Trace {
	return Trace{
		Action:    action,
		Service:   service,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SequencedMessage é uma mensagem já ordenada pelo server. SequenceNumber é
// globalmente monotônico por documento.
type SequencedMessage struct {
	SequenceNumber          uint64          `json:"sequenceNumber"`
	MinimumSequenceNumber   uint64          `json:"minimumSequenceNumber"`
	ClientID                string          `json:"clientId"`
	ClientSequenceNumber    uint64          `json:"clientSequenceNumber"`
	ReferenceSequenceNumber uint64          `json:"referenceSequenceNumber"`
	Type                    MessageType     `json:"type"`
	Contents                json.RawMessage `json:"contents,omitempty"`
	Data                    json.RawMessage `json:"data,omitempty"`
	Traces                  []Trace         `json:"traces,omitempty"`
}

// HasContents informa se a mensagem carrega payload. Envelopes de operações
// grandes chegam sem contents e precisam ser rejuntados com o conteúdo
// correspondente antes do processamento.
func (m *SequencedMessage) HasContents() bool {
	return len(m.Contents) > 0 && !bytes.Equal(m.Contents, []byte("null"))
}

// DecodeStringContents decodifica contents serializado como string JSON para a
// forma estruturada (compatibilidade com servers legados, que envelopam o
// payload numa string). ClientLeave é isento: seu payload É uma string.
func (m *SequencedMessage) DecodeStringContents() error {
	if m.Type == TypeClientLeave || !m.HasContents() {
		return nil
	}
	trimmed := strings.TrimSpace(string(m.Contents))
	if !strings.HasPrefix(trimmed, `"`) {
		return nil
	}
	var inner string
	if err := json.Unmarshal(m.Contents, &inner); err != nil {
		return err
	}
	m.Contents = json.RawMessage(inner)
	return nil
}

// DocumentMessage é uma mensagem local ainda não sequenciada (outbound).
type DocumentMessage struct {
	ClientSequenceNumber    uint64          `json:"clientSequenceNumber"`
	ReferenceSequenceNumber uint64          `json:"referenceSequenceNumber"`
	Type                    MessageType     `json:"type"`
	Contents                json.RawMessage `json:"contents,omitempty"`
	Data                    json.RawMessage `json:"data,omitempty"`
	Traces                  []Trace         `json:"traces,omitempty"`
}

// ContentMessage é a metade "payload" de uma operação grande submetida em
// separado do envelope. O par (ClientID, ClientSequenceNumber) liga os dois.
type ContentMessage struct {
	ClientID             string          `json:"clientId"`
	ClientSequenceNumber uint64          `json:"clientSequenceNumber"`
	Contents             json.RawMessage `json:"contents"`
}

// Signal é uma mensagem efêmera fora da sequência de operações. O content é
// opaco e entregue ao handler já decodificado do wire.
type Signal struct {
	ClientID string          `json:"clientId,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// ParseSignal decodifica um signal serializado vindo da conexão. O parse
// acontece uma única vez, antes da entrega ao handler.
func ParseSignal(raw json.RawMessage) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
