// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport implementa a conexão viva com o serviço de ordenação
// N-Collab sobre TCP+TLS, adaptando o protocolo de frames para o registro de
// eventos tipado consumido pelo delta manager.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-collab/internal/codec"
	"github.com/nishisan-dev/n-collab/internal/delta"
	"github.com/nishisan-dev/n-collab/internal/protocol"
)

const (
	// defaultDialTimeout é o timeout de estabelecimento da conexão TCP+TLS.
	defaultDialTimeout = 10 * time.Second

	// defaultKeepaliveInterval é o intervalo entre pings.
	defaultKeepaliveInterval = 15 * time.Second

	// writeDeadline é o timeout aplicado a cada escrita para detectar
	// conexões half-open.
	writeDeadline = 30 * time.Second

	// ewmaAlpha é o fator de suavização para o EWMA do RTT.
	ewmaAlpha = 0.25
)

// ErrConnectionClosed indica operação sobre uma conexão já encerrada.
var ErrConnectionClosed = errors.New("transport: connection is closed")

// Connector é a fábrica de conexões com o serviço de ordenação. Um Connector
// é reutilizado entre reconexões da mesma sessão de documento e carrega o
// último seq observado, usado como âncora do backlog inicial no handshake.
type Connector struct {
	Address     string
	ClientName  string
	DocumentID  string
	TLSConfig   *tls.Config
	Compression string
	BytesPerSec int64
	Keepalive   time.Duration
	DialTimeout time.Duration
	Logger      *slog.Logger

	lastSeq atomic.Uint64
}

// Connect estabelece uma sessão: dial, handshake, welcome. A conexão
// retornada já tem o reader e o ping loop rodando.
func (cn *Connector) Connect(ctx context.Context, client delta.Client) (delta.Connection, error) {
	dialTimeout := cn.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cn.Address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cn.Address, err)
	}

	tlsConn := tls.Client(rawConn, cn.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", cn.Address, err)
	}

	hs := &protocol.Handshake{
		Version:      protocol.ProtocolVersion,
		ClientName:   cn.ClientName,
		DocumentID:   cn.DocumentID,
		ClientType:   client.EffectiveType(),
		Compression:  cn.Compression,
		LastKnownSeq: cn.lastSeq.Load(),
	}
	if err := protocol.WriteHandshake(tlsConn, hs); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("writing handshake: %w", err)
	}

	welcome, err := protocol.ReadWelcome(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("reading welcome: %w", err)
	}
	if welcome.Status != protocol.StatusGo {
		tlsConn.Close()
		return nil, fmt.Errorf("server refused session: status=0x%02x message=%q", welcome.Status, welcome.Message)
	}

	compression := welcome.Compression
	if compression == "" {
		compression = protocol.CompressionNone
	}

	details, err := cn.decodeWelcome(welcome, compression)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		connector:   cn,
		conn:        tlsConn,
		w:           NewThrottledWriter(connCtx, tlsConn, cn.BytesPerSec),
		cancel:      cancel,
		details:     details,
		compression: compression,
		keepalive:   cn.Keepalive,
		logger:      cn.Logger.With("component", "delta_connection", "client_id", details.ClientID),
		pending:     make(map[uint64]chan *protocol.SubmitACK),
		stopCh:      make(chan struct{}),
	}
	if c.keepalive <= 0 {
		c.keepalive = defaultKeepaliveInterval
	}

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// decodeWelcome converte o backlog do welcome para os tipos do delta manager,
// descomprimindo os conteúdos iniciais.
func (cn *Connector) decodeWelcome(welcome *protocol.Welcome, compression string) (delta.ConnectionDetails, error) {
	details := delta.ConnectionDetails{
		ClientID:       welcome.ClientID,
		MaxMessageSize: welcome.MaxMessageSize,
		InitialSignals: welcome.InitialSignals,
	}

	for _, raw := range welcome.InitialMessages {
		var m delta.SequencedMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return details, fmt.Errorf("decoding initial message: %w", err)
		}
		if m.SequenceNumber > cn.lastSeq.Load() {
			cn.lastSeq.Store(m.SequenceNumber)
		}
		details.InitialMessages = append(details.InitialMessages, &m)
	}

	for _, env := range welcome.InitialContents {
		contents, err := codec.Decompress(env.Encoding, env.Data)
		if err != nil {
			return details, fmt.Errorf("decoding initial content for %s/%d: %w",
				env.ClientID, env.ClientSequenceNumber, err)
		}
		details.InitialContents = append(details.InitialContents, &delta.ContentMessage{
			ClientID:             env.ClientID,
			ClientSequenceNumber: env.ClientSequenceNumber,
			Contents:             contents,
		})
	}

	return details, nil
}

// Connection é uma sessão viva com o serviço de ordenação. Implementa
// delta.Connection: traduz frames do wire para eventos tipados e submissões
// locais para frames.
type Connection struct {
	connector   *Connector
	conn        net.Conn
	w           io.Writer
	cancel      context.CancelFunc
	details     delta.ConnectionDetails
	compression string
	keepalive   time.Duration
	logger      *slog.Logger

	events delta.ConnectionEvents

	// writeMu serializa frames no socket (submits, signals e pings).
	writeMu sync.Mutex

	// pending correlaciona SubmitACKs com SubmitAsync em voo, por clientSeq.
	pendMu  sync.Mutex
	pending map[uint64]chan *protocol.SubmitACK

	stopCh   chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool

	// RTT EWMA em nanoseconds (atômico), alimentado pelos pongs.
	rttNanos atomic.Int64
}

// Details retorna os dados negociados no estabelecimento da conexão.
func (c *Connection) Details() delta.ConnectionDetails { return c.details }

// Events dá acesso ao registro de eventos da conexão.
func (c *Connection) Events() *delta.ConnectionEvents { return &c.events }

// Submit envia uma operação local sem aguardar confirmação.
func (c *Connection) Submit(msg *delta.DocumentMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling document message: %w", err)
	}
	return c.writeFrame(func(w io.Writer) error {
		return protocol.WriteSubmit(w, &protocol.Submit{Message: payload})
	})
}

// SubmitAsync envia uma operação e aguarda o server reservar o slot de
// sequência. Usado pelo protocolo de split-content: o envelope completo só é
// confirmado depois que o server aceita a operação.
func (c *Connection) SubmitAsync(ctx context.Context, msg *delta.DocumentMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling document message: %w", err)
	}

	ackCh := make(chan *protocol.SubmitACK, 1)
	c.pendMu.Lock()
	c.pending[msg.ClientSequenceNumber] = ackCh
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, msg.ClientSequenceNumber)
		c.pendMu.Unlock()
	}()

	err = c.writeFrame(func(w io.Writer) error {
		return protocol.WriteSubmit(w, &protocol.Submit{Await: true, Message: payload})
	})
	if err != nil {
		return err
	}

	select {
	case ack := <-ackCh:
		if ack == nil {
			return ErrConnectionClosed
		}
		if ack.Status != protocol.SubmitStatusOK {
			return fmt.Errorf("server rejected submit clientSeq %d: %s", msg.ClientSequenceNumber, ack.Message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return ErrConnectionClosed
	}
}

// SubmitSignal envia um signal efêmero.
func (c *Connection) SubmitSignal(content json.RawMessage) error {
	return c.writeFrame(func(w io.Writer) error {
		return protocol.WriteSignal(w, content)
	})
}

// Close encerra a conexão. Idempotente; não emite evento de disconnect.
func (c *Connection) Close() {
	c.stopOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		c.cancel()
		c.conn.Close()
		c.failPending()
	})
}

// failPending resolve com nil (erro) todos os SubmitAsync em voo.
func (c *Connection) failPending() {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for cs, ch := range c.pending {
		close(ch)
		delete(c.pending, cs)
	}
}

func (c *Connection) writeFrame(write func(io.Writer) error) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return write(c.w)
}

// readLoop lê frames do server e despacha para os eventos tipados. Termina
// em erro de leitura (emitindo disconnect, salvo close local) ou no close.
func (c *Connection) readLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		// Deadline folgado em relação ao keepalive: um server saudável
		// responde pings dentro da janela.
		c.conn.SetReadDeadline(time.Now().Add(c.keepalive*2 + 5*time.Second))

		magic, payload, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("connection read failed", "error", err)
			c.failPending()
			c.events.Disconnect.Emit(err)
			return
		}

		switch magic {
		case protocol.MagicOp:
			var m delta.SequencedMessage
			if err := json.Unmarshal(payload, &m); err != nil {
				c.events.Error.Emit(fmt.Errorf("decoding op frame: %w", err))
				continue
			}
			if m.SequenceNumber > c.connector.lastSeq.Load() {
				c.connector.lastSeq.Store(m.SequenceNumber)
			}
			c.events.Op.Emit(&m)

		case protocol.MagicOpContent:
			env, err := protocol.DecodeOpContent(payload)
			if err != nil {
				c.events.Error.Emit(err)
				continue
			}
			contents, err := codec.Decompress(env.Encoding, env.Data)
			if err != nil {
				c.events.Error.Emit(fmt.Errorf("decompressing op content for %s/%d: %w",
					env.ClientID, env.ClientSequenceNumber, err))
				continue
			}
			c.events.OpContent.Emit(&delta.ContentMessage{
				ClientID:             env.ClientID,
				ClientSequenceNumber: env.ClientSequenceNumber,
				Contents:             contents,
			})

		case protocol.MagicSignal:
			c.events.Signal.Emit(json.RawMessage(payload))

		case protocol.MagicSubmitACK:
			ack, err := protocol.DecodeSubmitACK(payload)
			if err != nil {
				c.events.Error.Emit(err)
				continue
			}
			c.pendMu.Lock()
			ch, ok := c.pending[ack.ClientSequenceNumber]
			if ok {
				delete(c.pending, ack.ClientSequenceNumber)
			}
			c.pendMu.Unlock()
			if ok {
				ch <- ack
			}

		case protocol.MagicNack:
			n, err := protocol.DecodeNack(payload)
			if err != nil {
				c.events.Error.Emit(err)
				continue
			}
			c.logger.Warn("server nack received", "message", n.Message)
			c.failPending()
			c.events.Nack.Emit(n.Message)
			return

		case protocol.MagicPong:
			p, err := protocol.DecodePong(payload)
			if err != nil {
				c.events.Error.Emit(err)
				continue
			}
			latency := time.Duration(time.Now().UnixNano() - p.Timestamp)
			if latency < 0 {
				latency = 0
			}
			c.updateRTT(latency)
			c.logger.Debug("pong received",
				"rtt", latency,
				"ewma_rtt", c.RTT(),
			)
			c.events.Pong.Emit(latency)

		default:
			c.logger.Warn("unknown frame magic from server", "magic", string(magic[:]))
			c.events.Error.Emit(protocol.ErrInvalidMagic)
		}
	}
}

// RTT retorna o RTT médio calculado via EWMA. Retorna 0 se nunca medido.
func (c *Connection) RTT() time.Duration {
	return time.Duration(c.rttNanos.Load())
}

// updateRTT atualiza o RTT EWMA com um novo sample.
func (c *Connection) updateRTT(sample time.Duration) {
	current := c.rttNanos.Load()
	if current == 0 {
		// Primeiro sample
		c.rttNanos.Store(int64(sample))
		return
	}
	// EWMA: new = α * sample + (1-α) * current
	newRTT := ewmaAlpha*float64(sample) + (1-ewmaAlpha)*float64(current)
	c.rttNanos.Store(int64(math.Round(newRTT)))
}

// pingLoop envia pings periódicos para medição de RTT e keep-alive.
func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			err := c.writeFrame(func(w io.Writer) error {
				return protocol.WritePing(w, time.Now().UnixNano())
			})
			if err != nil {
				if !c.closed.Load() {
					c.logger.Warn("ping write failed", "error", err)
				}
				return
			}
		}
	}
}
