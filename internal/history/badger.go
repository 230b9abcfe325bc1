package history

import (
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tenzoki/swarmbus/internal/wire"
)

// BadgerConfig controls a persistent BadgerStore, mirroring the shape of
// the omni module's badger.Config used elsewhere in this codebase's
// ancestry, trimmed to the fields a history log actually needs.
type BadgerConfig struct {
	Dir        string
	MaxEntries int // oldest entries are pruned once this count is exceeded; 0 = unbounded
	SyncWrites bool
}

// DefaultBadgerConfig returns sensible defaults for a history log rooted at dir.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{Dir: dir, MaxEntries: 10000, SyncWrites: false}
}

// BadgerStore persists Entries in an embedded BadgerDB, keyed by the
// message's ULID so that lexical key order is insertion order. Values are
// msgpack-encoded and zstd-compressed before being written.
type BadgerStore struct {
	db     *badger.DB
	config BadgerConfig
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// NewBadgerStore opens (or creates) a persistent history log at config.Dir.
func NewBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir %s: %w", config.Dir, err)
	}

	opts := badger.DefaultOptions(config.Dir)
	opts.SyncWrites = config.SyncWrites
	opts.Compression = options.ZSTD
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("history: open badger db: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create zstd decoder: %w", err)
	}

	return &BadgerStore{db: db, config: config, enc: enc, dec: dec}, nil
}

// Append records msg, keyed by its ULID id so ascending key order matches
// insertion order, then prunes the oldest entries if over MaxEntries.
func (s *BadgerStore) Append(direction string, msg wire.Message) error {
	entry := Entry{Direction: direction, Message: msg, RecordedAt: time.Now().UTC()}
	packed, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("history: marshal entry: %w", err)
	}
	compressed := s.enc.EncodeAll(packed, nil)

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(msg.ID), compressed)
	}); err != nil {
		return fmt.Errorf("history: write entry: %w", err)
	}

	return s.prune()
}

func (s *BadgerStore) Lookup(id string) (Entry, bool, error) {
	var entry Entry
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return s.decodeInto(val, &entry)
		})
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("history: lookup %s: %w", id, err)
	}
	return entry, found, nil
}

// Iterate visits entries in ascending key order, which is insertion order
// since message ids are ULIDs.
func (s *BadgerStore) Iterate(fn func(Entry) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return s.decodeInto(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("history: decode entry: %w", err)
			}
			if !fn(entry) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStore) decodeInto(compressed []byte, entry *Entry) error {
	packed, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(packed, entry)
}

// prune deletes the oldest entries once the log exceeds MaxEntries.
func (s *BadgerStore) prune() error {
	if s.config.MaxEntries <= 0 {
		return nil
	}

	var excess [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		if len(keys) > s.config.MaxEntries {
			excess = keys[:len(keys)-s.config.MaxEntries]
		}
		return nil
	})
	if err != nil || len(excess) == 0 {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range excess {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Size reports the on-disk size of the log in human-readable form.
func (s *BadgerStore) Size() string {
	lsm, vlog := s.db.Size()
	return humanize.Bytes(uint64(lsm + vlog))
}

func (s *BadgerStore) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
