package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(missing) = %v, want ErrNotFound", err)
	}

	second := Record{ID: "w-2", Name: "second", Key: "key-2", State: "none", CreatedAt: base.Add(time.Second)}
	first := Record{
		ID:        "w-1",
		Name:      "first",
		Key:       "key-1",
		Owner:     "ops",
		Params:    map[string]string{"url": "http://example.test"},
		State:     "created",
		Validated: true,
		CreatedAt: base,
		UpdatedAt: base,
	}
	for _, rec := range []Record{second, first} {
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save(%s) error: %v", rec.ID, err)
		}
	}

	got, err := s.Load(ctx, "w-1")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got.Name != "first" || got.Owner != "ops" || !got.Validated || got.Params["url"] != "http://example.test" {
		t.Errorf("Load = %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(list) != 2 || list[0].ID != "w-1" || list[1].ID != "w-2" {
		t.Fatalf("List = %+v, want w-1 then w-2", list)
	}

	first.State = "error"
	first.LastError = "boom"
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("Save overwrite error: %v", err)
	}
	got, _ = s.Load(ctx, "w-1")
	if got.State != "error" || got.LastError != "boom" {
		t.Errorf("overwrite not visible: %+v", got)
	}

	if err := s.Delete(ctx, "w-1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := s.Delete(ctx, "w-1"); err != nil {
		t.Errorf("second Delete error: %v", err)
	}
	if _, err := s.Load(ctx, "w-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "w-2"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	list, err = s.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("List after delete = %d records", len(list))
	}
}

// --- Validation ---

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"9b2f6c1e-4a7d-4d2a-9f51-0c6e1b0f3a11", true},
		{"worker_1", true},
		{"", false},
		{"has space", false},
		{"wild*", false},
		{"tail>", false},
		{".leading", false},
		{"trailing.", false},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if tt.valid && err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", tt.id, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidID) {
			t.Errorf("ValidateID(%q) = %v, want ErrInvalidID", tt.id, err)
		}
	}
}

func TestEncodeDecode_KeepsValidated(t *testing.T) {
	data, err := encode(Record{ID: "a", Validated: true, State: "none"})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	rec, err := decode(data)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !rec.Validated || rec.State != "none" {
		t.Errorf("decode = %+v", rec)
	}
	if _, err := decode([]byte("{")); err == nil {
		t.Error("decode of truncated JSON should fail")
	}
}
