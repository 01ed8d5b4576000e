package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/BulkPipe/internal/store"
)

// Mock recoverable for testing
type mockRecoverable struct {
	recoverError  error
	recoverCalled bool
	order         *[]string
	name          string
}

func (m *mockRecoverable) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	m.recoverCalled = true
	if m.order != nil {
		*m.order = append(*m.order, m.name)
	}
	return m.recoverError
}

func TestNewRecoveryRegistry(t *testing.T) {
	st := store.NewInMemoryStore()
	registry := NewRecoveryRegistry(st)
	if registry == nil {
		t.Fatal("NewRecoveryRegistry returned nil")
	}
	if registry.GetStore() != st {
		t.Error("Registry store not set correctly")
	}
}

func TestRecoveryManagerRunsInOrder(t *testing.T) {
	var order []string
	rm := NewRecoveryManager(store.NewInMemoryStore())
	first := &mockRecoverable{name: "first", order: &order}
	second := &mockRecoverable{name: "second", order: &order}
	rm.RegisterRecoverable(first)
	rm.RegisterRecoverable(second)

	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("recovery order = %v", order)
	}
}

func TestRecoveryManagerContinuesAfterError(t *testing.T) {
	rm := NewRecoveryManager(store.NewInMemoryStore())
	failing := &mockRecoverable{recoverError: errors.New("boom")}
	after := &mockRecoverable{}
	rm.RegisterRecoverable(failing)
	rm.RegisterRecoverable(after)

	err := rm.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !after.recoverCalled {
		t.Error("components after a failure should still recover")
	}
	if rm.GetRegistry() == nil {
		t.Error("GetRegistry returned nil")
	}
}
