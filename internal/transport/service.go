// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Collab License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"sync"

	"github.com/nishisan-dev/n-collab/internal/delta"
)

// Service agrega os dois colaboradores do delta manager: a fábrica de
// conexões com o serviço de ordenação e a fábrica do client de delta storage.
// Implementa delta.Service.
type Service struct {
	connector *Connector
	storageFn func(ctx context.Context) (delta.Storage, error)

	mu      sync.Mutex
	storage delta.Storage
}

// NewService cria um Service sobre o connector e a fábrica de storage dados.
func NewService(connector *Connector, storageFn func(ctx context.Context) (delta.Storage, error)) *Service {
	return &Service{
		connector: connector,
		storageFn: storageFn,
	}
}

// ConnectToDeltaStream estabelece uma sessão com o serviço de ordenação.
func (s *Service) ConnectToDeltaStream(ctx context.Context, client delta.Client) (delta.Connection, error) {
	return s.connector.Connect(ctx, client)
}

// ConnectToDeltaStorage resolve o client de delta storage. O resultado é
// reutilizado em chamadas subsequentes.
func (s *Service) ConnectToDeltaStorage(ctx context.Context) (delta.Storage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.storage != nil {
		return s.storage, nil
	}
	storage, err := s.storageFn(ctx)
	if err != nil {
		return nil, err
	}
	s.storage = storage
	return storage, nil
}
