package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	bkerrors "github.com/vinayprograms/botkit/errors"
)

// Common errors.
var (
	ErrNotFound  = bkerrors.NotFound("worker record not found")
	ErrClosed    = bkerrors.New(bkerrors.ErrCodeUnavailable, "store closed")
	ErrInvalidID = bkerrors.InvalidInput("invalid record id")
)

// Record is the persisted form of a worker.
type Record struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Key       string            `json:"key"`
	Owner     string            `json:"owner,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	State     string            `json:"state"`
	Validated bool              `json:"validated"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store persists worker records.
type Store interface {
	// Save creates or replaces the record with rec.ID.
	Save(ctx context.Context, rec Record) error

	// Load returns the record with the given id, or ErrNotFound.
	Load(ctx context.Context, id string) (Record, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// List returns all records, oldest first.
	List(ctx context.Context) ([]Record, error)

	// Close releases backend resources.
	Close() error
}

// ValidateID checks that id can be used as a key in every backend.
// NATS KV keys may not contain spaces, wildcards or leading/trailing dots.
func ValidateID(id string) error {
	if id == "" {
		return bkerrors.Wrap(ErrInvalidID, "empty id")
	}
	if strings.ContainsAny(id, " \t\r\n*>") {
		return bkerrors.Wrapf(ErrInvalidID, "id %q contains illegal characters", id)
	}
	if strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return bkerrors.Wrapf(ErrInvalidID, "id %q starts or ends with a dot", id)
	}
	return nil
}

func encode(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, bkerrors.Wrap(err, "encode record")
	}
	return data, nil
}

func decode(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, bkerrors.Wrap(err, "decode record")
	}
	return rec, nil
}

// clone copies the mutable parts of rec so callers cannot alias stored maps.
func clone(rec Record) Record {
	if rec.Params != nil {
		params := make(map[string]string, len(rec.Params))
		for k, v := range rec.Params {
			params[k] = v
		}
		rec.Params = params
	}
	return rec
}
