// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	in := &Handshake{
		Version:      ProtocolVersion,
		ClientName:   "workstation-01",
		DocumentID:   "contract-42",
		ClientType:   "browser",
		Compression:  CompressionZstd,
		LastKnownSeq: 128,
	}
	if err := WriteHandshake(&buf, in); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	out, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestHandshake_RejectsWrongVersion(t *testing.T) {
	var buf bytes.Buffer

	in := &Handshake{Version: 0x7f, ClientName: "x", DocumentID: "d"}
	if err := WriteHandshake(&buf, in); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := ReadHandshake(&buf); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestWelcomeRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	in := &Welcome{
		Status:         StatusGo,
		ClientID:       "client-9",
		MaxMessageSize: 16384,
		Compression:    CompressionGzip,
		InitialMessages: []json.RawMessage{
			json.RawMessage(`{"sequenceNumber":1}`),
			json.RawMessage(`{"sequenceNumber":2}`),
		},
		InitialContents: []ContentEnvelope{
			{ClientID: "A", ClientSequenceNumber: 4, Data: []byte("payload")},
		},
		InitialSignals: []json.RawMessage{json.RawMessage(`{"content":{}}`)},
	}
	if err := WriteWelcome(&buf, in); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	out, err := ReadWelcome(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if out.ClientID != "client-9" || out.MaxMessageSize != 16384 {
		t.Fatalf("welcome fields mismatch: %+v", out)
	}
	if len(out.InitialMessages) != 2 || len(out.InitialContents) != 1 || len(out.InitialSignals) != 1 {
		t.Fatalf("backlog sizes mismatch: %+v", out)
	}
	if string(out.InitialContents[0].Data) != "payload" {
		t.Fatalf("content data mismatch: %q", out.InitialContents[0].Data)
	}
}

func TestFrameDispatchByMagic(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteOp(&buf, json.RawMessage(`{"sequenceNumber":7}`)); err != nil {
		t.Fatalf("write op failed: %v", err)
	}
	if err := WriteSubmitACK(&buf, &SubmitACK{ClientSequenceNumber: 3, Status: SubmitStatusOK}); err != nil {
		t.Fatalf("write ack failed: %v", err)
	}
	if err := WriteNack(&buf, &Nack{Message: "rejected"}); err != nil {
		t.Fatalf("write nack failed: %v", err)
	}
	if err := WritePing(&buf, 12345); err != nil {
		t.Fatalf("write ping failed: %v", err)
	}

	magic, payload, err := ReadFrame(&buf)
	if err != nil || magic != MagicOp {
		t.Fatalf("expected OPER frame, got %q err=%v", string(magic[:]), err)
	}
	if string(payload) != `{"sequenceNumber":7}` {
		t.Fatalf("op payload mismatch: %q", payload)
	}

	magic, payload, err = ReadFrame(&buf)
	if err != nil || magic != MagicSubmitACK {
		t.Fatalf("expected SBAK frame, got %q err=%v", string(magic[:]), err)
	}
	ack, err := DecodeSubmitACK(payload)
	if err != nil || ack.ClientSequenceNumber != 3 || ack.Status != SubmitStatusOK {
		t.Fatalf("submit ack mismatch: %+v err=%v", ack, err)
	}

	magic, payload, err = ReadFrame(&buf)
	if err != nil || magic != MagicNack {
		t.Fatalf("expected NACK frame, got %q err=%v", string(magic[:]), err)
	}
	n, err := DecodeNack(payload)
	if err != nil || n.Message != "rejected" {
		t.Fatalf("nack mismatch: %+v err=%v", n, err)
	}

	magic, payload, err = ReadFrame(&buf)
	if err != nil || magic != MagicPing {
		t.Fatalf("expected PING frame, got %q err=%v", string(magic[:]), err)
	}
	p, err := DecodePing(payload)
	if err != nil || p.Timestamp != 12345 {
		t.Fatalf("ping mismatch: %+v err=%v", p, err)
	}
}

func TestSubmitRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	in := &Submit{Await: true, Message: json.RawMessage(`{"clientSequenceNumber":9}`)}
	if err := WriteSubmit(&buf, in); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	magic, payload, err := ReadFrame(&buf)
	if err != nil || magic != MagicSubmit {
		t.Fatalf("expected SUBM frame, got %q err=%v", string(magic[:]), err)
	}
	out, err := DecodeSubmit(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !out.Await || string(out.Message) != `{"clientSequenceNumber":9}` {
		t.Fatalf("submit mismatch: %+v", out)
	}
}

func TestReadFrame_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteOp(&buf, json.RawMessage(`{"sequenceNumber":7}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Corta o payload no meio.
	raw := buf.Bytes()
	truncated := bytes.NewReader(raw[:len(raw)-5])

	if _, _, err := ReadFrame(truncated); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestReadFrame_RejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicOp[:])
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // length absurdo

	if _, _, err := ReadFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
