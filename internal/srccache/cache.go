// Package srccache implements spec.md §4.C: persist the last successful
// document per source, refresh it on a deadline, and back off on failure.
// The cache and its backoff bookkeeping live in one embedded buntdb
// database rather than one flat file per source — each source's last
// successful bytes are still retrievable by name and are still written
// through a single atomic transaction, satisfying the same "survives a
// crash mid-write" requirement a temp-file-rename would (see DESIGN.md).
package srccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
	"go.uber.org/zap"

	"github.com/shoreline-systems/wgreconcile/internal/catalog"
	"github.com/shoreline-systems/wgreconcile/internal/config"
	"github.com/shoreline-systems/wgreconcile/internal/schedule"
)

// ErrRequiredSourceUnavailable is returned by Refresh when a required
// source has no cached document and its first fetch failed — the engine
// must abort startup on this error (spec.md §4.C, §7).
var ErrRequiredSourceUnavailable = errors.New("required source has no cached document and the initial fetch failed")

// Entry is one source's cached state.
type Entry struct {
	Document            *catalog.Document
	FetchedAt           time.Time
	Deadline            time.Time
	LastError           string
	ConsecutiveFailures int
}

type meta struct {
	FetchedAt           time.Time `json:"fetched_at"`
	Deadline            time.Time `json:"deadline"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Cache wraps an embedded KV database holding one raw-document key and one
// metadata key per source.
type Cache struct {
	db *buntdb.DB
}

// Open opens (creating if necessary) the cache database at path.
func Open(path string) (*Cache, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source cache %s: %w", path, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func docKey(name string) string { return "doc:" + name }
func metaKey(name string) string { return "meta:" + name }

// getMeta loads just the backoff bookkeeping for name, independent of
// whether a document was ever successfully cached.
func (c *Cache) getMeta(name string) (meta, bool) {
	var rawMeta string
	err := c.db.View(func(tx *buntdb.Tx) error {
		var err error
		rawMeta, err = tx.Get(metaKey(name))
		return err
	})
	if err != nil {
		return meta{}, false
	}
	var m meta
	if err := json.Unmarshal([]byte(rawMeta), &m); err != nil {
		zap.S().Warnf("source %s: discarding malformed cache metadata: %s", name, err)
		return meta{}, false
	}
	return m, true
}

// Get loads a source's cached entry, best-effort: an unreadable or
// malformed entry is discarded (the source is treated as never-fetched),
// matching spec.md §4.C's startup-load contract.
func (c *Cache) Get(name string) (Entry, bool) {
	m, ok := c.getMeta(name)
	if !ok {
		return Entry{}, false
	}
	var rawDoc string
	err := c.db.View(func(tx *buntdb.Tx) error {
		var err error
		rawDoc, err = tx.Get(docKey(name))
		return err
	})
	if err != nil {
		return Entry{}, false
	}
	doc, err := catalog.Parse([]byte(rawDoc))
	if err != nil {
		zap.S().Warnf("source %s: discarding malformed cached document: %s", name, err)
		return Entry{}, false
	}
	return Entry{
		Document:            doc,
		FetchedAt:           m.FetchedAt,
		Deadline:            m.Deadline,
		LastError:           m.LastError,
		ConsecutiveFailures: m.ConsecutiveFailures,
	}, true
}

// Refresh fetches src if its cached deadline has elapsed (or it has never
// been fetched), updating the cache on success and applying backoff on
// failure. It returns the best available document: the freshly fetched
// one, or the previous cached one if the fetch or parse failed. With no
// previous document a failed fetch returns an error instead (wrapping
// ErrRequiredSourceUnavailable for a required source).
func (c *Cache) Refresh(ctx context.Context, src config.Source, fetcher Fetcher, now time.Time, refreshSec int) (*catalog.Document, error) {
	prev, hadPrev := c.Get(src.Name)
	if hadPrev && prev.Deadline.After(now) {
		return prev.Document, nil
	}

	body, err := fetcher.Fetch(ctx, src.URL)
	if err == nil {
		doc, parseErr := catalog.Parse(body)
		if parseErr == nil {
			if err := c.store(src.Name, body, now, refreshSec, 0, ""); err != nil {
				return nil, fmt.Errorf("source %s: %w", src.Name, err)
			}
			return doc, nil
		}
		err = fmt.Errorf("parsing document: %w", parseErr)
	}

	failures := 1
	if hadPrev {
		failures = prev.ConsecutiveFailures + 1
	} else if m, ok := c.getMeta(src.Name); ok {
		failures = m.ConsecutiveFailures + 1
	}
	deadline := schedule.Backoff(now, failures, time.Duration(refreshSec)*time.Second)
	if storeErr := c.storeMetaOnly(src.Name, now, deadline, failures, err.Error()); storeErr != nil {
		zap.S().Errorf("source %s: recording failure: %s", src.Name, storeErr)
	}
	zap.S().Warnf("source %s: fetch failed: %s", src.Name, err)

	if hadPrev {
		return prev.Document, nil
	}
	if src.Required {
		return nil, fmt.Errorf("%w: %s", ErrRequiredSourceUnavailable, src.Name)
	}
	return nil, err
}

func (c *Cache) store(name string, body []byte, fetchedAt time.Time, refreshSec int, failures int, lastErr string) error {
	m := meta{
		FetchedAt:           fetchedAt,
		Deadline:            fetchedAt.Add(time.Duration(refreshSec) * time.Second),
		ConsecutiveFailures: failures,
		LastError:           lastErr,
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(docKey(name), string(body), nil); err != nil {
			return err
		}
		_, _, err := tx.Set(metaKey(name), string(encoded), nil)
		return err
	})
}

func (c *Cache) storeMetaOnly(name string, attemptAt, deadline time.Time, failures int, lastErr string) error {
	m := meta{FetchedAt: attemptAt, Deadline: deadline, ConsecutiveFailures: failures, LastError: lastErr}
	encoded, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(metaKey(name), string(encoded), nil)
		return err
	})
}

// NextDeadline returns the recorded next-refresh deadline for name, if any.
func (c *Cache) NextDeadline(name string) (time.Time, bool) {
	m, ok := c.getMeta(name)
	if !ok {
		return time.Time{}, false
	}
	return m.Deadline, true
}
