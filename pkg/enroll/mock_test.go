package enroll

import (
	"context"

	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// MockEncoder implements Encoder for testing.
type MockEncoder struct {
	EncodeImageFunc func(data []byte) (recognition.Vector, error)
}

func (m *MockEncoder) EncodeImage(data []byte) (recognition.Vector, error) {
	if m.EncodeImageFunc != nil {
		return m.EncodeImageFunc(data)
	}
	return recognition.Vector{0.1, 0.2, 0.3}, nil
}

// MockStore is an in-memory Store for testing.
type MockStore struct {
	ExistsFunc func(ctx context.Context, name string) (bool, error)
	InsertFunc func(ctx context.Context, doc storage.Document) error
	Docs       map[string]storage.Document
}

func (m *MockStore) Exists(ctx context.Context, name string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, name)
	}
	_, ok := m.Docs[name]
	return ok, nil
}

func (m *MockStore) Insert(ctx context.Context, doc storage.Document) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, doc)
	}
	if m.Docs == nil {
		m.Docs = make(map[string]storage.Document)
	}
	if _, ok := m.Docs[doc.Name]; ok {
		return storage.ErrIdentityExists
	}
	m.Docs[doc.Name] = doc
	return nil
}
