// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package delta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// MaxReconnectDelay é o teto do backoff exponencial de reconexão.
	MaxReconnectDelay = 8 * time.Second

	// InitialReconnectDelay é o delay base de reconexão.
	InitialReconnectDelay = 1 * time.Second

	// MissingFetchDelay é o delay base entre tentativas de fetch no delta
	// storage quando a resposta falha ou volta vazia.
	MissingFetchDelay = 100 * time.Millisecond

	// MaxFetchDelay é o teto do backoff de fetch.
	MaxFetchDelay = 10 * time.Second

	// MaxBatchDeltas é a janela máxima de mensagens por request ao storage.
	MaxBatchDeltas = 2000

	// DefaultChunkSize é o maxMessageSize assumido quando o server não
	// informa um valor na conexão.
	DefaultChunkSize = 16384

	// DefaultMaxContentSize é o limiar acima do qual o contents de uma
	// operação local é submetido em separado do envelope (split).
	DefaultMaxContentSize = 32768

	// sequenceNumberUpdateDelay é o debounce do ack de referenceSequenceNumber.
	sequenceNumberUpdateDelay = 100 * time.Millisecond
)

// ImmediateNoOpResponse é o payload do NoOp emitido em resposta imediata a um
// Propose. Qualquer marcador não-nulo serve; o contrato usa a string vazia.
var ImmediateNoOpResponse = json.RawMessage(`""`)

// Erros do manager. ErrOutOfOrderDelivery e ErrContentMismatch são fatais:
// indicam bug na camada de admissão ou corrupção de cache/server. Anomalias
// de wire (duplicatas, fetch vazio) são recuperáveis e nunca geram erro.
var (
	ErrClosed             = errors.New("delta: manager is closed")
	ErrNotConnected       = errors.New("delta: no active connection")
	ErrOutOfOrderDelivery = errors.New("delta: message delivered out of order")
	ErrContentMismatch    = errors.New("delta: fetched content does not match envelope")
)

// ManagerEvents é o registro tipado de eventos do DeltaManager.
type ManagerEvents struct {
	Connect     Event[ConnectionDetails]
	Disconnect  Event[bool] // true quando a causa foi um NACK do server
	Error       Event[error]
	Pong        Event[time.Duration]
	ProcessTime Event[time.Duration]
}

// ManagerConfig contém os parâmetros para criar um Manager.
type ManagerConfig struct {
	Service Service
	Client  Client
	Logger  *slog.Logger

	// MaxContentSize substitui DefaultMaxContentSize quando > 0.
	MaxContentSize int

	// ContentBufferSize substitui DefaultContentBufferSize quando > 0.
	ContentBufferSize int
}

type connectResult struct {
	details ConnectionDetails
	err     error
}

// Manager orquestra os três queues, o cache de conteúdos e a conexão ativa,
// implementando os protocolos de ordenação, reassembly, reconexão e ack
// throttle. O handler da aplicação observa as mensagens em ordem estrita de
// sequenceNumber, sem gaps e sem duplicatas.
type Manager struct {
	logger  *slog.Logger
	service Service
	client  Client

	inbound       *Queue[*SequencedMessage]
	inboundSignal *Queue[json.RawMessage]
	outbound      *Queue[*DocumentMessage]
	cache         *ContentCache

	events ManagerEvents

	maxContentSize int

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	readonly bool
	handler  Handler

	connection Connection
	connDetach []func()

	// connectDone/connectRes formam a célula single-shot do connect: criada
	// no primeiro Connect, resolvida exatamente uma vez.
	connectDone chan struct{}
	connectRes  connectResult
	resolved    bool

	storageOnce sync.Once
	storage     Storage
	storageErr  error

	// Estado de sequenciamento. Invariantes em §3 do modelo: baseSeq é o
	// último processado pelo handler; lastQueued o último admitido no queue
	// inbound; largestSeq o maior já observado (mesmo fora de ordem).
	baseSeq    uint64
	minSeq     uint64
	lastQueued uint64
	largestSeq uint64
	clientSeq  uint64

	pending  []*SequencedMessage
	fetching bool

	ackTimer        *time.Timer
	updateRequested bool
}

// NewManager cria um Manager com os três queues pausados. O processamento só
// começa após AttachOpHandler e Connect.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		logger:         cfg.Logger.With("component", "delta_manager"),
		service:        cfg.Service,
		client:         cfg.Client,
		maxContentSize: cfg.MaxContentSize,
		readonly:       true,
		closedCh:       make(chan struct{}),
	}
	if m.maxContentSize <= 0 {
		m.maxContentSize = DefaultMaxContentSize
	}

	m.cache = NewContentCache(cfg.ContentBufferSize)
	m.inbound = NewQueue(m.processInbound)
	m.inboundSignal = NewQueue(m.processSignal)
	m.outbound = NewQueue(m.processOutbound)

	// Erros de worker sobem pelo canal de erro do queue e são re-emitidos
	// como erro do manager.
	m.inbound.Events().Error.On(func(err error) { m.events.Error.Emit(err) })
	m.inboundSignal.Events().Error.On(func(err error) { m.events.Error.Emit(err) })
	m.outbound.Events().Error.On(func(err error) { m.events.Error.Emit(err) })

	return m
}

// Events dá acesso ao registro de eventos do manager.
func (m *Manager) Events() *ManagerEvents { return &m.events }

// Inbound retorna o queue de operações sequenciadas recebidas.
func (m *Manager) Inbound() *Queue[*SequencedMessage] { return m.inbound }

// Outbound retorna o queue de operações locais a submeter.
func (m *Manager) Outbound() *Queue[*DocumentMessage] { return m.outbound }

// InboundSignal retorna o queue de signals recebidos.
func (m *Manager) InboundSignal() *Queue[json.RawMessage] { return m.inboundSignal }

// ReferenceSequenceNumber é o seq da última mensagem processada pelo handler.
func (m *Manager) ReferenceSequenceNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseSeq
}

// MinimumSequenceNumber é o MSN reportado pelo server na última mensagem
// processada.
func (m *Manager) MinimumSequenceNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minSeq
}

// LastQueuedSequenceNumber é o seq da última mensagem admitida no queue
// inbound.
func (m *Manager) LastQueuedSequenceNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQueued
}

// LargestSequenceNumber é o maior seq já observado, incluindo chegadas fora
// de ordem ainda não admitidas.
func (m *Manager) LargestSequenceNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.largestSeq
}

// MaxMessageSize é o tamanho máximo de mensagem negociado com o server.
func (m *Manager) MaxMessageSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connection != nil {
		if s := m.connection.Details().MaxMessageSize; s > 0 {
			return s
		}
	}
	return DefaultChunkSize
}

// MaxContentSize é o limiar de split de conteúdo.
func (m *Manager) MaxContentSize() int { return m.maxContentSize }

// ClientType retorna a categoria efetiva do client local.
func (m *Manager) ClientType() string { return m.client.EffectiveType() }

// Connected informa se há conexão ativa instalada.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connection != nil
}

// AttachOpHandler arma o processamento: ancora o estado de sequenciamento em
// seq, instala o handler e, se resume, libera os queues inbound e dispara um
// fetch para puxar qualquer coisa já sequenciada além da âncora.
func (m *Manager) AttachOpHandler(seq uint64, handler Handler, resume bool) {
	m.mu.Lock()
	m.baseSeq = seq
	m.minSeq = seq
	m.lastQueued = seq
	m.largestSeq = seq
	m.handler = handler
	m.mu.Unlock()

	if resume {
		m.inbound.SystemResume()
		m.inboundSignal.SystemResume()
		m.fetchMissingDeltas("DocumentOpen", seq, 0)
	}
}

// Connect estabelece (ou aguarda) a sessão com o serviço de ordenação.
// Idempotente: chamadas concorrentes compartilham a mesma tentativa e
// recebem o mesmo resultado.
func (m *Manager) Connect(ctx context.Context, reason string) (ConnectionDetails, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ConnectionDetails{}, ErrClosed
	}
	if m.connectDone == nil {
		m.connectDone = make(chan struct{})
		go m.runConnect(reason)
	}
	done := m.connectDone
	m.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ConnectionDetails{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectRes.details, m.connectRes.err
}

// runConnect resolve o delta storage (uma vez por lifetime) e entra no loop
// de conexão com backoff.
func (m *Manager) runConnect(reason string) {
	// Storage indisponível no connect é erro do caller: não há retry nesta
	// camada.
	if _, err := m.ensureStorage(context.Background()); err != nil {
		err = fmt.Errorf("connecting to delta storage: %w", err)
		m.resolveConnect(ConnectionDetails{}, err)
		m.events.Error.Emit(err)
		return
	}
	m.connectCore(reason, InitialReconnectDelay)
}

// connectCore tenta conectar imediatamente; em caso de falha, dorme delay e
// tenta de novo com o delay dobrado (capped em MaxReconnectDelay).
func (m *Manager) connectCore(reason string, delay time.Duration) {
	for {
		if m.isClosed() {
			m.resolveConnect(ConnectionDetails{}, ErrClosed)
			return
		}

		conn, err := m.service.ConnectToDeltaStream(context.Background(), m.client)
		if err == nil {
			m.setupConnection(conn)
			return
		}

		m.logger.Warn("connect attempt failed",
			"reason", reason,
			"error", err,
			"retry_in", delay,
		)

		select {
		case <-m.closedCh:
			m.resolveConnect(ConnectionDetails{}, ErrClosed)
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > MaxReconnectDelay {
			delay = MaxReconnectDelay
		}
	}
}

// setupConnection instala a nova conexão, religa os handlers de evento e
// processa o backlog inicial.
func (m *Manager) setupConnection(conn Connection) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.connection = conn
	m.clientSeq = 0
	m.mu.Unlock()

	m.outbound.SystemResume()

	details := conn.Details()

	ev := conn.Events()
	detach := []func(){
		ev.Op.On(func(msg *SequencedMessage) {
			m.enqueueMessages([]*SequencedMessage{msg})
		}),
		ev.OpContent.On(func(c *ContentMessage) {
			m.cache.Set(c)
		}),
		ev.Signal.On(func(raw json.RawMessage) {
			m.inboundSignal.Push(raw)
		}),
		ev.Nack.On(func(reason string) {
			m.handleDisconnect(true, "server nack: "+reason)
		}),
		ev.Disconnect.On(func(err error) {
			m.handleDisconnect(false, "connection lost")
		}),
		ev.Pong.On(func(latency time.Duration) {
			m.events.Pong.Emit(latency)
		}),
		ev.Error.On(func(err error) {
			m.events.Error.Emit(err)
		}),
	}

	m.mu.Lock()
	m.connDetach = detach
	m.mu.Unlock()

	m.resolveConnect(details, nil)

	// Backlog inicial. Se o queue inbound ainda está pausado (handler não
	// instalado), adia para o próximo resume.
	process := func() {
		for _, c := range details.InitialContents {
			m.cache.Set(c)
		}
		m.enqueueMessages(details.InitialMessages)
		for _, s := range details.InitialSignals {
			m.inboundSignal.Push(s)
		}
	}
	if m.inbound.Paused() {
		m.inbound.Events().Resume.Once(func(struct{}) { process() })
	} else {
		process()
	}

	m.logger.Info("connected",
		"client_id", details.ClientID,
		"initial_messages", len(details.InitialMessages),
		"initial_contents", len(details.InitialContents),
		"initial_signals", len(details.InitialSignals),
	)
	m.events.Connect.Emit(details)
}

// resolveConnect resolve a célula do connect uma única vez.
func (m *Manager) resolveConnect(details ConnectionDetails, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved || m.connectDone == nil {
		return
	}
	m.resolved = true
	m.connectRes = connectResult{details: details, err: err}
	close(m.connectDone)
}

// handleDisconnect reage a disconnect/NACK: pausa e limpa o outbound, emite
// o evento e aplica a política de reconexão do client.
func (m *Manager) handleDisconnect(wasNack bool, reason string) {
	m.mu.Lock()
	if m.closed || m.connection == nil {
		m.mu.Unlock()
		return
	}
	conn := m.connection
	m.connection = nil
	detach := m.connDetach
	m.connDetach = nil
	m.mu.Unlock()

	for _, off := range detach {
		off()
	}
	conn.Close()

	m.outbound.SystemPause()
	m.outbound.Clear()

	m.logger.Info("disconnected", "nack", wasNack, "reason", reason)
	m.events.Disconnect.Emit(wasNack)

	if m.client.ShouldReconnect() {
		go m.connectCore(reason, InitialReconnectDelay)
		return
	}

	// Clients sem política de reconexão param por completo.
	m.inbound.SystemPause()
	m.inbound.Clear()
	m.inboundSignal.SystemPause()
	m.inboundSignal.Clear()
}

// Submit constrói o envelope de uma operação local e o enfileira no outbound.
// Retorna o clientSequenceNumber atribuído.
func (m *Manager) Submit(msgType MessageType, contents json.RawMessage) (uint64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	m.clientSeq++
	cs := m.clientSeq
	refSeq := m.baseSeq
	m.readonly = false
	m.mu.Unlock()

	// Um op local supera qualquer ack pendente: ele próprio publica o
	// referenceSequenceNumber.
	m.stopSequenceNumberUpdate()

	msg := &DocumentMessage{
		ClientSequenceNumber:    cs,
		ReferenceSequenceNumber: refSeq,
		Type:                    msgType,
		Contents:                contents,
		Traces:                  []Trace{NewTrace("start", m.client.EffectiveType())},
	}
	if IsSystemType(msgType) {
		msg.Data = msg.Contents
		msg.Contents = nil
	}

	m.outbound.Push(msg)
	return cs, nil
}

// SubmitSignal envia um signal efêmero pela conexão ativa.
func (m *Manager) SubmitSignal(content json.RawMessage) error {
	m.mu.Lock()
	conn := m.connection
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SubmitSignal(content)
}

// EnableReadonlyMode re-assere o modo readonly: nenhum ack é emitido.
func (m *Manager) EnableReadonlyMode() {
	m.mu.Lock()
	m.readonly = true
	m.mu.Unlock()
	m.stopSequenceNumberUpdate()
}

// DisableReadonlyMode libera submissões sem exigir um submit local.
func (m *Manager) DisableReadonlyMode() {
	m.mu.Lock()
	m.readonly = false
	m.mu.Unlock()
}

// Close encerra o manager: cancela timers, fecha a conexão, limpa e pausa os
// três queues e derruba todos os listeners. Terminal e idempotente.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.connection
	m.connection = nil
	detach := m.connDetach
	m.connDetach = nil
	close(m.closedCh)
	m.mu.Unlock()

	m.stopSequenceNumberUpdate()

	for _, off := range detach {
		off()
	}
	if conn != nil {
		conn.Close()
	}

	m.inbound.SystemPause()
	m.inbound.Clear()
	m.inboundSignal.SystemPause()
	m.inboundSignal.Clear()
	m.outbound.SystemPause()
	m.outbound.Clear()

	m.resolveConnect(ConnectionDetails{}, ErrClosed)

	m.events.Connect.Clear()
	m.events.Disconnect.Clear()
	m.events.Error.Clear()
	m.events.Pong.Clear()
	m.events.ProcessTime.Clear()

	m.logger.Info("delta manager closed")
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ---------------------------------------------------------------------------
// Admissão e gap-fill

// enqueueMessages alimenta mensagens recebidas pelo caminho de admissão, em
// ordem de chegada. Admite prefixos entregáveis, descarta duplicatas e
// bufferiza chegadas fora da janela, disparando o gap-fill.
func (m *Manager) enqueueMessages(msgs []*SequencedMessage) {
	for _, msg := range msgs {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if msg.SequenceNumber > m.largestSeq {
			m.largestSeq = msg.SequenceNumber
		}

		switch {
		case msg.SequenceNumber == m.lastQueued+1:
			m.lastQueued = msg.SequenceNumber
			m.mu.Unlock()
			m.inbound.Push(msg)

		case msg.SequenceNumber <= m.lastQueued:
			lastQueued := m.lastQueued
			m.mu.Unlock()
			m.logger.Debug("duplicate message dropped",
				"seq", msg.SequenceNumber,
				"last_queued", lastQueued,
			)

		default:
			m.pending = append(m.pending, msg)
			from := m.lastQueued
			to := msg.SequenceNumber
			m.mu.Unlock()
			m.fetchMissingDeltas("Gap", from, to)
		}
	}
}

// fetchMissingDeltas dispara um gap-fill em background. Single-flight: uma
// chamada re-entrante enquanto um fetch está em voo apenas loga e retorna.
func (m *Manager) fetchMissingDeltas(reason string, from, to uint64) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.fetching {
		m.mu.Unlock()
		m.logger.Debug("fetch already in flight", "reason", reason, "from", from, "to", to)
		return
	}
	m.fetching = true
	m.mu.Unlock()

	go func() {
		msgs, err := m.GetDeltas(context.Background(), reason, from, to)
		if err != nil {
			m.mu.Lock()
			m.fetching = false
			m.mu.Unlock()
			m.events.Error.Emit(err)
			return
		}
		m.catchUp(reason, msgs)
	}()
}

// catchUp alimenta o resultado do fetch e em seguida o buffer pending
// (ordenado de forma estável por seq) pelo caminho de admissão. Qualquer gap
// remanescente re-dispara o fetch.
func (m *Manager) catchUp(reason string, msgs []*SequencedMessage) {
	m.mu.Lock()
	m.fetching = false
	m.mu.Unlock()

	m.logger.Info("catching up on deltas", "reason", reason, "count", len(msgs))
	m.enqueueMessages(msgs)

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].SequenceNumber < pending[j].SequenceNumber
	})
	m.enqueueMessages(pending)
}

// GetDeltas busca o range (from, to) no delta storage, paginando em janelas
// de MaxBatchDeltas e re-tentando com backoff exponencial em erro ou, com to
// definido, em resposta vazia. to igual a zero significa "até o tail": uma
// resposta vazia ou menor que a janela encerra a busca sem re-tentar.
// Retorna vazio se o manager for fechado durante a busca.
func (m *Manager) GetDeltas(ctx context.Context, reason string, from, to uint64) ([]*SequencedMessage, error) {
	storage, err := m.ensureStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to delta storage: %w", err)
	}

	var result []*SequencedMessage
	retry := 0
	current := from

	for {
		if m.isClosed() {
			m.logger.Info("delta fetch aborted: manager closed", "reason", reason)
			return nil, nil
		}

		fetchTo := current + MaxBatchDeltas
		if to > 0 && to < fetchTo {
			fetchTo = to
		}

		deltas, err := storage.Get(ctx, current, fetchTo)
		if err == nil {
			// Janela exclusiva nas duas pontas: (current, fetchTo).
			window := int(fetchTo - current - 1)

			if len(deltas) > 0 {
				retry = 0
				result = append(result, deltas...)
				last := deltas[len(deltas)-1].SequenceNumber

				if to > 0 && last+1 >= to {
					return result, nil
				}
				if to == 0 && len(deltas) < window {
					// Menos que a janela pedida: tail alcançado.
					return result, nil
				}
				current = last
				continue
			}

			if to == 0 {
				// Sem limite superior e resposta vazia: nada além da âncora.
				return result, nil
			}
			// to definido e resposta vazia: mensagens esperadas ainda não
			// disponíveis — re-tenta com backoff.
		}

		if err != nil {
			m.logger.Warn("delta fetch failed",
				"reason", reason,
				"from", current,
				"to", to,
				"retry", retry,
				"error", err,
			)
		} else {
			m.logger.Warn("delta fetch returned no results",
				"reason", reason,
				"from", current,
				"to", to,
				"retry", retry,
			)
		}

		retry++
		delay := MissingFetchDelay * time.Duration(1<<(retry-1))
		if delay > MaxFetchDelay {
			delay = MaxFetchDelay
		}

		select {
		case <-m.closedCh:
			m.logger.Info("delta fetch aborted: manager closed", "reason", reason)
			return nil, nil
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ensureStorage resolve o client de delta storage uma única vez por lifetime.
func (m *Manager) ensureStorage(ctx context.Context) (Storage, error) {
	m.storageOnce.Do(func() {
		m.storage, m.storageErr = m.service.ConnectToDeltaStorage(ctx)
	})
	return m.storage, m.storageErr
}

// ---------------------------------------------------------------------------
// Worker inbound

// processInbound é o worker do queue inbound. Reassembla conteúdo quando o
// envelope chegou sem payload, valida a ordem, entrega ao handler e agenda o
// ack de referenceSequenceNumber.
func (m *Manager) processInbound(msg *SequencedMessage) error {
	start := time.Now()

	// Envelope de operação grande: contents ausente (nil, distinto de null
	// explícito) indica split — rejunta antes de processar.
	if msg.Contents == nil && msg.Type == TypeOperation {
		content, err := m.reassembleContent(msg)
		if err != nil {
			return err
		}
		msg.Contents = content.Contents
	}

	m.mu.Lock()
	base := m.baseSeq
	handler := m.handler
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil
	}
	if msg.SequenceNumber != base+1 {
		// Violação fatal: a camada de admissão deveria ter impedido.
		return fmt.Errorf("%w: got seq %d, want %d", ErrOutOfOrderDelivery, msg.SequenceNumber, base+1)
	}

	if err := msg.DecodeStringContents(); err != nil {
		return fmt.Errorf("decoding contents at seq %d: %w", msg.SequenceNumber, err)
	}

	pctx, err := handler.Prepare(msg)
	if err != nil {
		return fmt.Errorf("preparing seq %d: %w", msg.SequenceNumber, err)
	}

	if len(msg.Traces) > 0 {
		msg.Traces = append(msg.Traces, NewTrace("end", m.client.EffectiveType()))
	}

	m.mu.Lock()
	m.minSeq = msg.MinimumSequenceNumber
	m.baseSeq = msg.SequenceNumber
	m.mu.Unlock()

	handler.Process(msg, pctx)

	if msg.Type == TypeOperation || msg.Type == TypePropose {
		m.scheduleSequenceNumberUpdate(msg)
	}

	m.events.ProcessTime.Emit(time.Since(start))

	if err := handler.PostProcess(msg, pctx); err != nil {
		return fmt.Errorf("post-processing seq %d: %w", msg.SequenceNumber, err)
	}
	return nil
}

// processSignal decodifica e entrega um signal ao handler.
func (m *Manager) processSignal(raw json.RawMessage) error {
	sig, err := ParseSignal(raw)
	if err != nil {
		return fmt.Errorf("parsing signal: %w", err)
	}

	m.mu.Lock()
	handler := m.handler
	closed := m.closed
	m.mu.Unlock()

	if closed || handler == nil {
		return nil
	}
	handler.ProcessSignal(sig)
	return nil
}

// ---------------------------------------------------------------------------
// Reassembly de conteúdo

// reassembleContent localiza o conteúdo de um envelope sem payload. Quatro
// casos conforme o estado do cache para o clientId do envelope.
func (m *Manager) reassembleContent(msg *SequencedMessage) (*ContentMessage, error) {
	cached := m.cache.Peek(msg.ClientID)
	switch {
	case cached == nil:
		// Nada no cache: espera o evento de chegada e, em paralelo, busca
		// no storage; o primeiro que resolver vence.
		return m.waitForContent(msg.ClientID, msg.ClientSequenceNumber, msg.SequenceNumber)

	case cached.ClientSequenceNumber > msg.ClientSequenceNumber:
		// O cache passou do ponto: o conteúdo deste envelope nunca entrou
		// (ou foi evictado). Busca direcionada no storage.
		return m.fetchContent(msg.ClientID, msg.ClientSequenceNumber, msg.SequenceNumber)

	case cached.ClientSequenceNumber < msg.ClientSequenceNumber:
		// Entradas stale na frente: drena até achar o par.
		for {
			entry := m.cache.Get(msg.ClientID)
			if entry == nil || entry.ClientSequenceNumber > msg.ClientSequenceNumber {
				return nil, fmt.Errorf("%w: stale cache drained without clientSeq %d for client %s",
					ErrContentMismatch, msg.ClientSequenceNumber, msg.ClientID)
			}
			if entry.ClientSequenceNumber == msg.ClientSequenceNumber {
				return entry, nil
			}
			m.logger.Debug("dropping stale cached content",
				"client_id", msg.ClientID,
				"client_seq", entry.ClientSequenceNumber,
			)
		}

	default:
		return m.cache.Get(msg.ClientID), nil
	}
}

// waitForContent registra um listener no cache e dispara um fetch paralelo;
// o primeiro a produzir o conteúdo resolve.
func (m *Manager) waitForContent(clientID string, clientSeq, seq uint64) (*ContentMessage, error) {
	ch := make(chan *ContentMessage, 1)
	errCh := make(chan error, 1)

	off := m.cache.Events().Content.On(func(id string) {
		if id != clientID {
			return
		}
		if c := m.cache.Peek(clientID); c != nil && c.ClientSequenceNumber == clientSeq {
			if got := m.cache.Get(clientID); got != nil {
				select {
				case ch <- got:
				default:
				}
			}
		}
	})
	defer off()

	// Re-checa após registrar o listener: o conteúdo pode ter chegado entre
	// o peek do caller e a inscrição.
	if c := m.cache.Peek(clientID); c != nil && c.ClientSequenceNumber == clientSeq {
		if got := m.cache.Get(clientID); got != nil {
			return got, nil
		}
	}

	go func() {
		c, err := m.fetchContent(clientID, clientSeq, seq)
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		select {
		case ch <- c:
		default:
		}
	}()

	select {
	case c := <-ch:
		return c, nil
	case err := <-errCh:
		return nil, err
	case <-m.closedCh:
		return nil, ErrClosed
	}
}

// fetchContent busca no storage a mensagem sequenciada seq e extrai seu
// conteúdo, validando que (clientId, clientSeq) batem com o envelope.
func (m *Manager) fetchContent(clientID string, clientSeq, seq uint64) (*ContentMessage, error) {
	msgs, err := m.GetDeltas(context.Background(), "ContentFetch", seq-1, seq+1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		// GetDeltas só retorna vazio sem erro quando o manager fechou.
		return nil, ErrClosed
	}

	fetched := msgs[0]
	if fetched.ClientID != clientID || fetched.ClientSequenceNumber != clientSeq {
		return nil, fmt.Errorf("%w: seq %d belongs to (%s, %d), envelope expects (%s, %d)",
			ErrContentMismatch, seq,
			fetched.ClientID, fetched.ClientSequenceNumber,
			clientID, clientSeq)
	}

	return &ContentMessage{
		ClientID:             clientID,
		ClientSequenceNumber: clientSeq,
		Contents:             fetched.Contents,
	}, nil
}

// ---------------------------------------------------------------------------
// Ack throttle de referenceSequenceNumber

// scheduleSequenceNumberUpdate agenda (debounced) a publicação do
// referenceSequenceNumber via NoOp, para manter o cálculo de MSN do server
// convergindo sem tempestade de acks.
func (m *Manager) scheduleSequenceNumberUpdate(msg *SequencedMessage) {
	m.mu.Lock()
	if m.readonly || m.closed {
		m.mu.Unlock()
		return
	}

	if msg.Type == TypePropose {
		m.mu.Unlock()
		// Proposals exigem resposta imediata para o quórum fechar.
		if _, err := m.Submit(TypeNoOp, ImmediateNoOpResponse); err != nil {
			m.logger.Warn("immediate noop failed", "error", err)
		}
		return
	}

	if m.ackTimer == nil {
		m.ackTimer = time.AfterFunc(sequenceNumberUpdateDelay, m.ackTimerFired)
	} else {
		m.updateRequested = true
	}
	m.mu.Unlock()
}

// ackTimerFired roda no disparo do debounce. Se novos pedidos chegaram
// enquanto o timer corria, re-arma (adiando o ack); senão emite o NoOp.
func (m *Manager) ackTimerFired() {
	m.mu.Lock()
	m.ackTimer = nil
	if m.closed || m.readonly {
		m.updateRequested = false
		m.mu.Unlock()
		return
	}
	if m.updateRequested {
		m.updateRequested = false
		m.ackTimer = time.AfterFunc(sequenceNumberUpdateDelay, m.ackTimerFired)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if _, err := m.Submit(TypeNoOp, nil); err != nil {
		m.logger.Warn("sequence number ack failed", "error", err)
	}
}

// stopSequenceNumberUpdate cancela qualquer ack pendente. Chamado no close,
// na transição para readonly e antes de todo submit local.
func (m *Manager) stopSequenceNumberUpdate() {
	m.mu.Lock()
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
	m.updateRequested = false
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Worker outbound

// processOutbound é o worker do queue outbound. Operações com contents acima
// de maxContentSize seguem o protocolo de split: submitAsync do envelope
// completo (o server reserva o slot), cache local do conteúdo e submit do
// envelope sem payload.
func (m *Manager) processOutbound(msg *DocumentMessage) error {
	m.mu.Lock()
	conn := m.connection
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if len(msg.Contents) > m.maxContentSize {
		if err := conn.SubmitAsync(context.Background(), msg); err != nil {
			return fmt.Errorf("submitting oversize envelope clientSeq %d: %w", msg.ClientSequenceNumber, err)
		}

		m.cache.Set(&ContentMessage{
			ClientID:             conn.Details().ClientID,
			ClientSequenceNumber: msg.ClientSequenceNumber,
			Contents:             msg.Contents,
		})

		stripped := *msg
		stripped.Contents = nil
		return conn.Submit(&stripped)
	}

	return conn.Submit(msg)
}
