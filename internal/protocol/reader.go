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

// ReadFrame lê o próximo frame completo do stream: magic, length e payload.
// É o ponto único de enquadramento; o dispatch por tipo fica com o caller.
func ReadFrame(r io.Reader) (magic [4]byte, payload []byte, err error) {
	if _, err = io.ReadFull(r, magic[:]); err != nil {
		return magic, nil, fmt.Errorf("reading frame magic: %w", err)
	}

	var length uint32
	if err = binary.Read(r, binary.BigEndian, &length); err != nil {
		return magic, nil, fmt.Errorf("reading frame length: %w", err)
	}
	if length > MaxFrameSize {
		return magic, nil, ErrFrameTooLarge
	}
	if length == 0 {
		return magic, nil, nil
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return magic, nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return magic, payload, nil
}

// readJSONFrame lê um frame, valida o magic esperado e decodifica o payload.
func readJSONFrame(r io.Reader, want [4]byte, v any) error {
	magic, payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if magic != want {
		return ErrInvalidMagic
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshaling %s frame: %w", string(want[:]), err)
	}
	return nil
}

// ReadHandshake lê e valida o frame de abertura de sessão (Client → Server).
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var h Handshake
	if err := readJSONFrame(r, MagicHandshake, &h); err != nil {
		return nil, err
	}
	if h.Version != ProtocolVersion {
		return nil, ErrInvalidVersion
	}
	return &h, nil
}

// ReadWelcome lê a resposta do server ao handshake.
func ReadWelcome(r io.Reader) (*Welcome, error) {
	var wl Welcome
	if err := readJSONFrame(r, MagicWelcome, &wl); err != nil {
		return nil, err
	}
	return &wl, nil
}

// DecodeOpContent decodifica o payload de um frame OPCT já lido.
func DecodeOpContent(payload []byte) (*ContentEnvelope, error) {
	var c ContentEnvelope
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("unmarshaling op-content payload: %w", err)
	}
	return &c, nil
}

// DecodeSubmit decodifica o payload de um frame SUBM já lido.
func DecodeSubmit(payload []byte) (*Submit, error) {
	var s Submit
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling submit payload: %w", err)
	}
	return &s, nil
}

// DecodeSubmitACK decodifica o payload de um frame SBAK já lido.
func DecodeSubmitACK(payload []byte) (*SubmitACK, error) {
	var ack SubmitACK
	if err := json.Unmarshal(payload, &ack); err != nil {
		return nil, fmt.Errorf("unmarshaling submit ack payload: %w", err)
	}
	return &ack, nil
}

// DecodeNack decodifica o payload de um frame NACK já lido.
func DecodeNack(payload []byte) (*Nack, error) {
	var n Nack
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("unmarshaling nack payload: %w", err)
	}
	return &n, nil
}

// DecodePong decodifica o payload de um frame PONG já lido.
func DecodePong(payload []byte) (*Pong, error) {
	var p Pong
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling pong payload: %w", err)
	}
	return &p, nil
}

// DecodePing decodifica o payload de um frame PING já lido.
func DecodePing(payload []byte) (*Ping, error) {
	var p Ping
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling ping payload: %w", err)
	}
	return &p, nil
}
