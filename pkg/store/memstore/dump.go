package memstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// dumpEntry is one persisted blob, grounded on the teacher's
// pkg/storage/dumper.go dumpEntry record shape (one JSON object per
// line), trimmed to what a content-addressed blob store needs: a key
// and its bytes, with no request/response framing.
type dumpEntry struct {
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

// Dump writes every entry currently held in memory to path as
// newline-delimited JSON, via a temp-file-then-rename swap so a reader
// never observes a partially written dump. Mirrors the teacher's
// Dump.Dump persistence-on-shutdown path, simplified to a single file
// with no rotation policy since a MEM storage's dump is a best-effort
// warm-start cache, not a durability guarantee.
func (m *Memory) Dump(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memstore: dump: create dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("memstore: dump: create temp file: %w", err)
	}
	defer os.Remove(tmp)

	bw := bufio.NewWriterSize(f, 64*1024)
	enc := json.NewEncoder(bw)

	var written int
	for _, s := range m.shards {
		if ctx.Err() != nil {
			f.Close()
			return ctx.Err()
		}
		s.mu.RLock()
		for key, data := range s.items {
			if err := enc.Encode(dumpEntry{Key: key, Data: data}); err != nil {
				s.mu.RUnlock()
				f.Close()
				return fmt.Errorf("memstore: dump: encode %q: %w", key, err)
			}
			written++
		}
		s.mu.RUnlock()
	}

	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("memstore: dump: flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("memstore: dump: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memstore: dump: rename: %w", err)
	}

	log.Info().Str("path", path).Int("entries", written).Msg("[memstore] dump written")
	return nil
}

// Load restores entries from a file previously written by Dump. A
// missing file is not an error — there is simply nothing to warm-start
// from, matching a fresh install's first run.
func (m *Memory) Load(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("memstore: load: open: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(f, 64*1024))
	var restored int
	for dec.More() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var e dumpEntry
		if err := dec.Decode(&e); err != nil {
			log.Error().Err(err).Msg("[memstore] dump entry decode error, stopping load")
			break
		}
		if _, err := m.Put(ctx, e.Key, e.Data); err != nil {
			log.Error().Err(err).Str("key", e.Key).Msg("[memstore] restore put failed")
		} else {
			restored++
		}
	}

	log.Info().Str("path", path).Int("entries", restored).Msg("[memstore] dump loaded")
	return nil
}
