package qdispatch

import (
	"context"
	"errors"
	"testing"
)

type lookupRequest struct {
	BookID string `json:"book_id" validate:"required"`
}

func TestRegisterHandlerExportPropagatesErrors(t *testing.T) {
	h := HandlerFuncs[lookupRequest]{Source: "books.requests"}
	if err := RegisterHandler[lookupRequest](nil, h); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}
}

func TestHandlerErrorExports(t *testing.T) {
	err := HandlerErrorf("book %s not found", "7")
	he, ok := IsHandlerError(err)
	if !ok || he.Message != "book 7 not found" {
		t.Fatalf("expected a handler error, got %v", err)
	}
}

func TestResponseExports(t *testing.T) {
	corr := Correlation{RequestID: "r1", CreatorID: "creatorA"}

	ok := SuccessResponse(corr, map[string]string{"title": "Dune"})
	if !ok.IsSuccess || ok.ErrorMessage != nil {
		t.Fatalf("unexpected success response: %+v", ok)
	}
	failed := FailureResponse(corr, "handler error: book 7 not found")
	if failed.IsSuccess || failed.ErrorMessage == nil || failed.Body != nil {
		t.Fatalf("unexpected failure response: %+v", failed)
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

func TestValidatorExport(t *testing.T) {
	err := NewValidator().Validate(&lookupRequest{})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || len(validationErr.Details) != 1 {
		t.Fatalf("expected one validation detail, got %v", err)
	}
}

func TestStaticResultsExport(t *testing.T) {
	results := StaticResults("a", "b")("creatorA")
	if len(results) != 2 || results[0] != "a" {
		t.Fatalf("unexpected result queues: %v", results)
	}
	var _ Starter = starterFunc(nil)
}

type starterFunc func(context.Context) error

func (f starterFunc) Start(ctx context.Context) error { return f(ctx) }

func TestChannelCapabilitiesRegistered(t *testing.T) {
	caps := GetCapabilities("channel")
	if caps.Name != "channel" || !caps.RequiresDLQEmulation() {
		t.Fatalf("unexpected channel capabilities: %+v", caps)
	}
}
