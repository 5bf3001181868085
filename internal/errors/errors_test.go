package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestVideoryError(t *testing.T) {
	err := New(ErrorTypeCatalog, "update", ErrNotFound)
	if err.Type != ErrorTypeCatalog {
		t.Errorf("expected type %s, got %s", ErrorTypeCatalog, err.Type)
	}

	err = err.WithKey("h1:/in/a.mp4").WithDetail("attempt", 1)
	if err.Details["attempt"] != 1 {
		t.Errorf("expected attempt detail, got %v", err.Details["attempt"])
	}

	expected := "catalog error in update for h1:/in/a.mp4: record not found"
	if err.Error() != expected {
		t.Errorf("expected error string '%s', got '%s'", expected, err.Error())
	}
}

func TestErrorWrapping(t *testing.T) {
	err := fmt.Errorf("tick: %w", CatalogError("update", ErrNotFound))
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if GetType(err) != ErrorTypeCatalog {
		t.Errorf("expected type %s, got %s", ErrorTypeCatalog, GetType(err))
	}
	if GetOperation(err) != "update" {
		t.Errorf("expected operation 'update', got %s", GetOperation(err))
	}

	plain := errors.New("boom")
	if GetType(plain) != ErrorTypeInternal {
		t.Errorf("expected internal type for plain error, got %s", GetType(plain))
	}
	if GetOperation(plain) != "unknown" {
		t.Errorf("expected unknown operation, got %s", GetOperation(plain))
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{CatalogError("get", ErrNotFound), http.StatusNotFound},
		{ValidationError("insert", ErrInvalidInput), http.StatusBadRequest},
		{CatalogError("update", ErrInvalidTransition), http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.status {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}
