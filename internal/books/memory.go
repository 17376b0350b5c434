package books

import (
	"context"
	"sync"
)

// MemoryStore keeps the catalogue in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	books map[string]Book
}

func NewMemoryStore(books ...Book) *MemoryStore {
	s := &MemoryStore{books: make(map[string]Book, len(books))}
	for _, b := range books {
		s.books[b.ID] = b
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, id string) (Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book, ok := s.books[id]
	if !ok {
		return Book{}, ErrNotFound
	}
	return book, nil
}

func (s *MemoryStore) Put(_ context.Context, book Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[book.ID] = book
	return nil
}
