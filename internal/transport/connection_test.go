// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/n-collab/internal/codec"
	"github.com/nishisan-dev/n-collab/internal/delta"
	"github.com/nishisan-dev/n-collab/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newPipeConnection monta uma Connection sobre net.Pipe, com o lado do server
// devolvido para o teste roteirizar frames. Keepalive alto desabilita pings.
func newPipeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		connector:   &Connector{Logger: testLogger()},
		conn:        clientSide,
		w:           NewThrottledWriter(ctx, clientSide, 0),
		cancel:      cancel,
		details:     delta.ConnectionDetails{ClientID: "me", MaxMessageSize: 16384},
		compression: protocol.CompressionNone,
		keepalive:   time.Hour,
		logger:      testLogger(),
		pending:     make(map[uint64]chan *protocol.SubmitACK),
		stopCh:      make(chan struct{}),
	}
	go c.readLoop()

	t.Cleanup(func() {
		c.Close()
		serverSide.Close()
	})
	return c, serverSide
}

func TestConnection_OpFrameEmitsEvent(t *testing.T) {
	c, server := newPipeConnection(t)

	opCh := make(chan *delta.SequencedMessage, 1)
	c.Events().Op.On(func(m *delta.SequencedMessage) { opCh <- m })

	go func() {
		msg := json.RawMessage(`{"sequenceNumber":9,"clientId":"A","type":"op","contents":{"x":1}}`)
		protocol.WriteOp(server, msg)
	}()

	select {
	case m := <-opCh:
		if m.SequenceNumber != 9 || m.ClientID != "A" {
			t.Fatalf("unexpected op: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for op event")
	}

	// O connector rastreia o maior seq observado (âncora de reconexão).
	if got := c.connector.lastSeq.Load(); got != 9 {
		t.Fatalf("expected connector lastSeq 9, got %d", got)
	}
}

func TestConnection_OpContentDecompressed(t *testing.T) {
	c, server := newPipeConnection(t)

	contentCh := make(chan *delta.ContentMessage, 1)
	c.Events().OpContent.On(func(m *delta.ContentMessage) { contentCh <- m })

	payload := []byte(`{"big":"payload"}`)
	compressed, err := codec.Compress(codec.ModeGzip, payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	go func() {
		protocol.WriteOpContent(server, &protocol.ContentEnvelope{
			ClientID:             "A",
			ClientSequenceNumber: 4,
			Encoding:             codec.ModeGzip,
			Data:                 compressed,
		})
	}()

	select {
	case m := <-contentCh:
		if m.ClientID != "A" || m.ClientSequenceNumber != 4 {
			t.Fatalf("unexpected content envelope: %+v", m)
		}
		if string(m.Contents) != string(payload) {
			t.Fatalf("expected decompressed contents %q, got %q", payload, m.Contents)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for op-content event")
	}
}

func TestConnection_SubmitAsyncWaitsForAck(t *testing.T) {
	c, server := newPipeConnection(t)

	// Server: lê o SUBM e responde SBAK.
	go func() {
		magic, payload, err := protocol.ReadFrame(server)
		if err != nil || magic != protocol.MagicSubmit {
			return
		}
		sub, err := protocol.DecodeSubmit(payload)
		if err != nil || !sub.Await {
			return
		}
		var msg delta.DocumentMessage
		if err := json.Unmarshal(sub.Message, &msg); err != nil {
			return
		}
		protocol.WriteSubmitACK(server, &protocol.SubmitACK{
			ClientSequenceNumber: msg.ClientSequenceNumber,
			Status:               protocol.SubmitStatusOK,
		})
	}()

	msg := &delta.DocumentMessage{
		ClientSequenceNumber: 3,
		Type:                 delta.TypeOperation,
		Contents:             json.RawMessage(`{"x":1}`),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.SubmitAsync(ctx, msg); err != nil {
		t.Fatalf("submitAsync failed: %v", err)
	}
}

func TestConnection_SubmitAsyncRejected(t *testing.T) {
	c, server := newPipeConnection(t)

	go func() {
		magic, payload, err := protocol.ReadFrame(server)
		if err != nil || magic != protocol.MagicSubmit {
			return
		}
		sub, _ := protocol.DecodeSubmit(payload)
		var msg delta.DocumentMessage
		json.Unmarshal(sub.Message, &msg)
		protocol.WriteSubmitACK(server, &protocol.SubmitACK{
			ClientSequenceNumber: msg.ClientSequenceNumber,
			Status:               protocol.SubmitStatusRejected,
			Message:              "quota exceeded",
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.SubmitAsync(ctx, &delta.DocumentMessage{ClientSequenceNumber: 8})
	if err == nil {
		t.Fatal("expected rejection error")
	}
}

func TestConnection_NackEmitsEvent(t *testing.T) {
	c, server := newPipeConnection(t)

	nackCh := make(chan string, 1)
	c.Events().Nack.On(func(msg string) { nackCh <- msg })

	go func() {
		protocol.WriteNack(server, &protocol.Nack{Message: "sequence rejected"})
	}()

	select {
	case msg := <-nackCh:
		if msg != "sequence rejected" {
			t.Fatalf("unexpected nack message %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for nack event")
	}
}

func TestConnection_ReadErrorEmitsDisconnect(t *testing.T) {
	c, server := newPipeConnection(t)

	discCh := make(chan error, 1)
	c.Events().Disconnect.On(func(err error) { discCh <- err })

	server.Close()

	select {
	case err := <-discCh:
		if err == nil {
			t.Fatal("expected non-nil disconnect error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect event")
	}
}

func TestConnection_CloseDoesNotEmitDisconnect(t *testing.T) {
	c, _ := newPipeConnection(t)

	discCh := make(chan error, 1)
	c.Events().Disconnect.On(func(err error) { discCh <- err })

	c.Close()

	select {
	case err := <-discCh:
		t.Fatalf("local close must not emit disconnect, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Operações após o close falham com erro estável.
	if err := c.Submit(&delta.DocumentMessage{}); err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_PongEmitsLatency(t *testing.T) {
	c, server := newPipeConnection(t)

	pongCh := make(chan time.Duration, 1)
	c.Events().Pong.On(func(d time.Duration) { pongCh <- d })

	go func() {
		protocol.WritePong(server, time.Now().Add(-5*time.Millisecond).UnixNano())
	}()

	select {
	case d := <-pongCh:
		if d < 5*time.Millisecond || d > time.Second {
			t.Fatalf("implausible latency %s", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong event")
	}
}

func TestConnection_RTTEWMAFold(t *testing.T) {
	c, _ := newPipeConnection(t)

	if c.RTT() != 0 {
		t.Fatalf("expected zero RTT before any sample, got %s", c.RTT())
	}

	// Primeiro sample inicializa o EWMA diretamente.
	c.updateRTT(100 * time.Millisecond)
	if got := c.RTT(); got != 100*time.Millisecond {
		t.Fatalf("expected first sample taken verbatim, got %s", got)
	}

	// Segundo sample: 0.25*200ms + 0.75*100ms = 125ms.
	c.updateRTT(200 * time.Millisecond)
	if got := c.RTT(); got != 125*time.Millisecond {
		t.Fatalf("expected EWMA 125ms, got %s", got)
	}
}

func TestConnection_PongFeedsRTT(t *testing.T) {
	c, server := newPipeConnection(t)

	pongCh := make(chan time.Duration, 1)
	c.Events().Pong.On(func(d time.Duration) { pongCh <- d })

	go func() {
		protocol.WritePong(server, time.Now().Add(-5*time.Millisecond).UnixNano())
	}()

	select {
	case <-pongCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong event")
	}

	if c.RTT() < 5*time.Millisecond {
		t.Fatalf("expected pong sample folded into RTT, got %s", c.RTT())
	}
}

func TestConnector_DecodeWelcome(t *testing.T) {
	cn := &Connector{Logger: testLogger()}

	contents := []byte(`{"payload":1}`)
	compressed, err := codec.Compress(codec.ModeZstd, contents)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	welcome := &protocol.Welcome{
		Status:         protocol.StatusGo,
		ClientID:       "c1",
		MaxMessageSize: 16384,
		Compression:    codec.ModeZstd,
		InitialMessages: []json.RawMessage{
			json.RawMessage(`{"sequenceNumber":41,"type":"op"}`),
			json.RawMessage(`{"sequenceNumber":42,"type":"op"}`),
		},
		InitialContents: []protocol.ContentEnvelope{
			{ClientID: "A", ClientSequenceNumber: 7, Encoding: codec.ModeZstd, Data: compressed},
		},
	}

	details, err := cn.decodeWelcome(welcome, codec.ModeZstd)
	if err != nil {
		t.Fatalf("decodeWelcome failed: %v", err)
	}
	if details.ClientID != "c1" || len(details.InitialMessages) != 2 {
		t.Fatalf("unexpected details: %+v", details)
	}
	if string(details.InitialContents[0].Contents) != string(contents) {
		t.Fatalf("expected decompressed initial content, got %q", details.InitialContents[0].Contents)
	}
	if cn.lastSeq.Load() != 42 {
		t.Fatalf("expected lastSeq anchored at 42, got %d", cn.lastSeq.Load())
	}
}
