// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package delta

import "sync"

// DefaultContentBufferSize é a capacidade default do cache de conteúdos.
// A capacidade é um parâmetro de tuning, não um limite de correção: uma
// entrada evictada ainda necessária é recuperada via fetch no delta storage.
const DefaultContentBufferSize = 10

// ContentCacheEvents é o registro de eventos do cache.
type ContentCacheEvents struct {
	// Content dispara a cada Set, com o clientId da entrada inserida.
	Content Event[string]
}

// ContentCache guarda conteúdos de operações grandes que chegaram separados
// do seu envelope (ou vice-versa). Fila limitada com eviction do mais antigo
// e peek por client.
//
// Escrito pelo caminho de submit (split), pelos eventos op-content da conexão
// e pelo backlog inicial; lido pelo worker inbound durante o reassembly.
type ContentCache struct {
	mu       sync.Mutex
	capacity int
	entries  []*ContentMessage

	events ContentCacheEvents
}

// NewContentCache cria um cache com a capacidade dada. Valores não positivos
// usam DefaultContentBufferSize.
func NewContentCache(capacity int) *ContentCache {
	if capacity <= 0 {
		capacity = DefaultContentBufferSize
	}
	return &ContentCache{capacity: capacity}
}

// Events dá acesso ao registro de eventos do cache.
func (c *ContentCache) Events() *ContentCacheEvents {
	return &c.events
}

// Set insere um conteúdo. Acima da capacidade, evicta a entrada mais antiga.
// Todo Set dispara o evento content com o clientId inserido.
func (c *ContentCache) Set(content *ContentMessage) {
	c.mu.Lock()
	c.entries = append(c.entries, content)
	if len(c.entries) > c.capacity {
		c.entries = c.entries[1:]
	}
	c.mu.Unlock()

	c.events.Content.Emit(content.ClientID)
}

// Peek retorna a entrada mais antiga do client, sem remover. Nil se ausente.
func (c *ContentCache) Peek(clientID string) *ContentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.ClientID == clientID {
			return e
		}
	}
	return nil
}

// Get remove e retorna a entrada mais antiga do client. Nil se ausente.
func (c *ContentCache) Get(clientID string) *ContentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, e := range c.entries {
		if e.ClientID == clientID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// Len retorna o número de entradas no cache.
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
