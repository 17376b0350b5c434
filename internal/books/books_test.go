package books

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/qdispatch/internal/runtime/handlers"
)

func request(id string) handlers.Request[Request] {
	return handlers.Request[Request]{Payload: &Request{BookID: id}, RequestID: "r1", CreatorID: "creatorA"}
}

func TestHandlerQueues(t *testing.T) {
	h := NewHandler(NewMemoryStore(), "")

	assert.Equal(t, DefaultSourceQueue, h.SourceQueue())
	assert.Equal(t, []string{"books.responses.creatorA"}, h.ResultQueues("creatorA"))
	assert.Equal(t, []string{"books.responses"}, h.ResultQueues(""))
	assert.Equal(t, "library.requests", NewHandler(NewMemoryStore(), "library.requests").SourceQueue())
}

func TestHandlerExecute(t *testing.T) {
	h := NewHandler(NewMemoryStore(SampleCatalogue()...), "")

	result, err := h.Execute(context.Background(), request("1"))
	require.NoError(t, err)
	assert.Equal(t, Book{ID: "1", Title: "Dune", Author: "Frank Herbert", Year: 1965}, result)
}

func TestHandlerUnknownBook(t *testing.T) {
	h := NewHandler(NewMemoryStore(), "")

	_, err := h.Execute(context.Background(), request("7"))
	he, ok := handlers.IsHandlerError(err)
	require.True(t, ok, "unknown books are reported to the caller")
	assert.Equal(t, "book 7 not found", he.Message)
}

type failingStore struct{ err error }

func (s failingStore) Get(context.Context, string) (Book, error) { return Book{}, s.err }
func (s failingStore) Put(context.Context, Book) error           { return s.err }

func TestHandlerStoreFailure(t *testing.T) {
	storeErr := errors.New("connection refused")
	h := NewHandler(failingStore{err: storeErr}, "")

	_, err := h.Execute(context.Background(), request("1"))
	require.ErrorIs(t, err, storeErr)
	_, ok := handlers.IsHandlerError(err)
	assert.False(t, ok, "store failures are internal")
}

func TestHandlerLifecycleWithoutHooks(t *testing.T) {
	h := NewHandler(NewMemoryStore(), "")
	assert.NoError(t, h.Start(context.Background()))
	assert.NoError(t, h.Stop(context.Background()))
}

func TestSeed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, Seed(context.Background(), store, SampleCatalogue()))

	book, err := store.Get(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, "Neuromancer", book.Title)

	err = Seed(context.Background(), failingStore{err: errors.New("read only")}, SampleCatalogue())
	assert.ErrorContains(t, err, "seed book 1")
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(context.Background(), Book{ID: "1", Title: "Dune"}))
	book, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", book.Title)
}
