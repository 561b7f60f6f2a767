// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package delta

import "sync"

// QueueEvents é o registro de eventos de um Queue.
type QueueEvents struct {
	// Resume dispara quando o queue volta a drenar a partir do estado
	// totalmente pausado, antes do primeiro item ser processado.
	Resume Event[struct{}]

	// Error dispara quando o worker completa com erro. O queue para de
	// drenar mas não é limpo.
	Error Event[error]
}

// Queue é uma fila FIFO de consumidor único com worker assíncrono por item.
// Exatamente uma invocação do worker fica em voo por vez. O queue drena
// apenas quando os dois flags de pausa (user e system) estão desativados.
//
// A distinção entre Pause e SystemPause existe para que pausas iniciadas pelo
// usuário sobrevivam ao churn de conexão: reconexões mexem apenas no flag de
// sistema.
//
// Queues nascem com systemPause ativo; o manager os arma via SystemResume
// quando o handler é instalado (inbound) ou a conexão é estabelecida
// (outbound).
type Queue[T any] struct {
	mu         sync.Mutex
	worker     func(T) error
	items      []T
	paused     bool
	sysPaused  bool
	processing bool
	errored    bool

	events QueueEvents
}

// NewQueue cria um Queue pausado (systemPause ativo) com o worker dado.
func NewQueue[T any](worker func(T) error) *Queue[T] {
	return &Queue[T]{
		worker:    worker,
		sysPaused: true,
	}
}

// Events dá acesso ao registro de eventos do queue.
func (q *Queue[T]) Events() *QueueEvents {
	return &q.events
}

// Push enfileira um item e tenta drenar.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.dispatch()
}

// Clear descarta os itens enfileirados. Não interrompe uma invocação do
// worker em voo.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Len retorna o número de itens aguardando processamento.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Idle informa se não há itens enfileirados nem worker em voo.
func (q *Queue[T]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && !q.processing
}

// Paused informa se o queue está impedido de drenar por qualquer dos flags.
func (q *Queue[T]) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused || q.sysPaused
}

// Pause ativa a pausa user-facing.
func (q *Queue[T]) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume desativa apenas a pausa user-facing.
func (q *Queue[T]) Resume() {
	q.resumeFlag(false)
}

// SystemPause ativa a pausa interna (reconexão/NACK).
func (q *Queue[T]) SystemPause() {
	q.mu.Lock()
	q.sysPaused = true
	q.mu.Unlock()
}

// SystemResume desativa apenas a pausa interna.
func (q *Queue[T]) SystemResume() {
	q.resumeFlag(true)
}

func (q *Queue[T]) resumeFlag(system bool) {
	q.mu.Lock()
	wasPaused := q.paused || q.sysPaused
	if system {
		q.sysPaused = false
	} else {
		q.paused = false
	}
	nowDrainable := !q.paused && !q.sysPaused
	q.mu.Unlock()

	// O evento resume precede o processamento do primeiro item.
	if wasPaused && nowDrainable {
		q.events.Resume.Emit(struct{}{})
	}
	q.dispatch()
}

// dispatch retira um item e invoca o worker numa goroutine própria, mantendo
// no máximo uma invocação em voo. Ao completar sem erro, encadeia o próximo.
func (q *Queue[T]) dispatch() {
	q.mu.Lock()
	if q.processing || q.errored || q.paused || q.sysPaused || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.processing = true
	q.mu.Unlock()

	go func() {
		err := q.worker(item)

		q.mu.Lock()
		q.processing = false
		if err != nil {
			q.errored = true
		}
		q.mu.Unlock()

		if err != nil {
			q.events.Error.Emit(err)
			return
		}
		q.dispatch()
	}()
}
