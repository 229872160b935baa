package store

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	bkerrors "github.com/vinayprograms/botkit/errors"
)

// NATSStore keeps records in a NATS JetStream KV bucket.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSConfig
	closed atomic.Bool
}

// NATSConfig holds NATS KV store configuration.
type NATSConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 64KB
	MaxValueSize int32
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Bucket:       "botkit-workers",
		History:      1,
		MaxValueSize: 64 * 1024,
	}
}

// NewNATSStore binds to, or creates, the configured KV bucket.
func NewNATSStore(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, bkerrors.InvalidInput("nats connection required")
	}
	def := DefaultNATSConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "jetstream")
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "botkit worker records",
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "create kv bucket")
	}

	return &NATSStore{kv: kv, config: cfg}, nil
}

// Save puts the encoded record under its id.
func (s *NATSStore) Save(ctx context.Context, rec Record) error {
	if err := ValidateID(rec.ID); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if int32(len(data)) > s.config.MaxValueSize {
		return bkerrors.InvalidInput("record exceeds bucket value size",
			bkerrors.WithMetadata("id", rec.ID))
	}
	if _, err := s.kv.Put(ctx, rec.ID, data); err != nil {
		return bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "kv put")
	}
	return nil
}

// Load reads the record with the given id.
func (s *NATSStore) Load(ctx context.Context, id string) (Record, error) {
	if err := ValidateID(id); err != nil {
		return Record{}, err
	}
	if s.closed.Load() {
		return Record{}, ErrClosed
	}
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "kv get")
	}
	return decode(entry.Value())
}

// Delete places a delete marker for id.
func (s *NATSStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.kv.Delete(ctx, id); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "kv delete")
	}
	return nil
}

// List reads every live key in the bucket.
func (s *NATSStore) List(ctx context.Context) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Record{}, nil
		}
		return nil, bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "kv keys")
	}
	defer lister.Stop()

	var ids []string
	for id := range lister.Keys() {
		ids = append(ids, id)
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Close marks the store closed. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

var _ Store = (*NATSStore)(nil)
