package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"docpipe/internal/logging"
	"docpipe/internal/services"
)

// DurableTier is the slow cache level backed by BadgerDB. Entries are
// msgpack-encoded and carry Badger's native TTL in addition to the explicit
// TTL checked on read, so restarts cannot resurrect expired values.
type DurableTier struct {
	db     *badger.DB
	logger *slog.Logger
}

type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenDurableTier opens (or creates) the Badger-backed tier at dir. An empty
// dir opens an in-memory database, used in tests.
func OpenDurableTier(dir string, logger *slog.Logger) (*DurableTier, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(&badgerLoggerAdapter{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "cache", "open durable tier", dir, err)
	}
	return &DurableTier{db: db, logger: logger}, nil
}

func (t *DurableTier) Name() string { return "durable" }

func (t *DurableTier) Get(_ context.Context, key string) (*Entry, bool, error) {
	var entry Entry
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, services.Wrap(services.ErrStateStore, "cache", "durable get", key, err)
	}
	if entry.Expired(time.Now()) {
		_ = t.Delete(context.Background(), key)
		return nil, false, nil
	}
	entry.AccessedAt = time.Now()
	return &entry, true, nil
}

func (t *DurableTier) Set(_ context.Context, entry *Entry) error {
	encoded, err := msgpack.Marshal(entry)
	if err != nil {
		return services.Wrap(services.ErrStateStore, "cache", "durable encode", entry.Key, err)
	}
	err = t.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(entry.Key), encoded)
		if entry.TTL > 0 {
			e = e.WithTTL(entry.TTL)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return services.Wrap(services.ErrStateStore, "cache", "durable set", entry.Key, err)
	}
	return nil
}

func (t *DurableTier) Delete(_ context.Context, key string) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return services.Wrap(services.ErrStateStore, "cache", "durable delete", key, err)
	}
	return nil
}

// Sweep removes entries whose explicit TTL has elapsed. Badger's native TTL
// usually gets there first; this catches entries written by older versions
// without one.
func (t *DurableTier) Sweep(ctx context.Context, now time.Time) (int, error) {
	var expired []string
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			item := it.Item()
			var entry Entry
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &entry)
			}); err != nil {
				continue
			}
			if entry.Expired(now) {
				expired = append(expired, string(item.Key()))
			}
		}
		return nil
	})
	if err != nil {
		return 0, services.Wrap(services.ErrStateStore, "cache", "durable sweep", "", err)
	}
	for _, key := range expired {
		if err := t.Delete(ctx, key); err != nil {
			return len(expired), err
		}
	}
	return len(expired), nil
}

func (t *DurableTier) Len() int {
	count := 0
	_ = t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count
}

func (t *DurableTier) Close() error { return t.db.Close() }
