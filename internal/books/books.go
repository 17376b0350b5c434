// Package books is the book lookup service dispatched by qdispatchd. Requests
// name a book by id; the book is returned to the creator's result queue.
package books

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/qdispatch/internal/runtime/handlers"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
)

const (
	DefaultSourceQueue = "books.requests"
	resultQueuePrefix  = "books.responses"
)

// ErrNotFound is returned by stores for unknown book ids.
var ErrNotFound = errors.New("book not found")

// Book is a catalogue entry and the body of successful responses.
type Book struct {
	ID     string `json:"book_id"`
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
	Year   int    `json:"year,omitempty"`
}

// Request asks for one book.
type Request struct {
	BookID string `json:"book_id" validate:"required"`
}

// Store looks books up by id.
type Store interface {
	Get(ctx context.Context, id string) (Book, error)
	Put(ctx context.Context, book Book) error
}

// Handler answers book requests from a Store.
type Handler struct {
	store       Store
	sourceQueue string
}

// NewHandler returns a handler consuming sourceQueue, or
// DefaultSourceQueue when it is empty.
func NewHandler(store Store, sourceQueue string) *Handler {
	if sourceQueue == "" {
		sourceQueue = DefaultSourceQueue
	}
	return &Handler{store: store, sourceQueue: sourceQueue}
}

func (h *Handler) SourceQueue() string { return h.sourceQueue }

// ResultQueues answers on books.responses.<creator>.
func (h *Handler) ResultQueues(creatorID string) []string {
	if creatorID == "" {
		return []string{resultQueuePrefix}
	}
	return []string{resultQueuePrefix + "." + creatorID}
}

func (h *Handler) Execute(ctx context.Context, req handlers.Request[Request]) (any, error) {
	id := req.Payload.BookID
	if req.Logger != nil {
		req.Logger.Debug("Looking up book", loggingpkg.LogFields{"book_id": id})
	}

	book, err := h.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, handlers.Errorf("book %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup book %s: %w", id, err)
	}
	return book, nil
}

// Start checks the store when it can be reached over the network.
func (h *Handler) Start(ctx context.Context) error {
	if s, ok := h.store.(handlers.Starter); ok {
		return s.Start(ctx)
	}
	return nil
}

// Stop releases the store.
func (h *Handler) Stop(ctx context.Context) error {
	if s, ok := h.store.(handlers.Stopper); ok {
		return s.Stop(ctx)
	}
	return nil
}

var (
	_ handlers.RequestHandler[Request] = (*Handler)(nil)
	_ handlers.Starter                 = (*Handler)(nil)
	_ handlers.Stopper                 = (*Handler)(nil)
)

// SampleCatalogue is loaded into new stores by qdispatchd.
func SampleCatalogue() []Book {
	return []Book{
		{ID: "1", Title: "Dune", Author: "Frank Herbert", Year: 1965},
		{ID: "2", Title: "The Left Hand of Darkness", Author: "Ursula K. Le Guin", Year: 1969},
		{ID: "3", Title: "Neuromancer", Author: "William Gibson", Year: 1984},
	}
}

// Seed stores every book in catalogue.
func Seed(ctx context.Context, store Store, catalogue []Book) error {
	for _, book := range catalogue {
		if err := store.Put(ctx, book); err != nil {
			return fmt.Errorf("seed book %s: %w", book.ID, err)
		}
	}
	return nil
}
