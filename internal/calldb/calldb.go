// Package calldb persists per-caller call history and the caller blacklist.
// The hub is its only writer; a DB is not safe for concurrent use.
package calldb

import (
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
)

var ErrNoOpenCall = errors.New("calldb: no open call for identity")

type Call struct {
	ID       string        `json:"id"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end,omitzero"`
	Duration time.Duration `json:"duration"`
}

func (c Call) Open() bool { return c.End.IsZero() }

type Stats struct {
	Calls int
	Total time.Duration
	Last  time.Time
}

type file struct {
	Calls     map[string][]Call    `json:"calls"`
	Blacklist map[string]time.Time `json:"blacklist"`
}

type DB struct {
	path string
	data file
}

// Open loads the database at path, or starts an empty one if the file does not exist.
func Open(path string) (*DB, error) {
	db := &DB{
		path: path,
		data: file{Calls: map[string][]Call{}, Blacklist: map[string]time.Time{}},
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("Starting empty call database", "path", path)
		return db, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read call database: %w", err)
	}
	if err := json.Unmarshal(raw, &db.data); err != nil {
		return nil, fmt.Errorf("decode call database %s: %w", path, err)
	}
	if db.data.Calls == nil {
		db.data.Calls = map[string][]Call{}
	}
	if db.data.Blacklist == nil {
		db.data.Blacklist = map[string]time.Time{}
	}
	log.Info("Loaded call database", "path", path, "identities", len(db.data.Calls))
	return db, nil
}

// Save rewrites the file atomically.
func (db *DB) Save() error {
	raw, err := json.MarshalIndent(db.data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(db.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".calldb-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), db.path)
}

// TrackConfirmed opens a new call record and returns its id. The record is
// dropped again if it cannot be saved.
func (db *DB) TrackConfirmed(uri string, at time.Time) (string, error) {
	id := uuid.NewString()
	prev, known := db.data.Calls[uri]
	db.data.Calls[uri] = append(slices.Clip(prev), Call{ID: id, Start: at})
	if err := db.Save(); err != nil {
		if known {
			db.data.Calls[uri] = prev
		} else {
			delete(db.data.Calls, uri)
		}
		return "", err
	}
	return id, nil
}

// TrackDisconnected closes the most recent open call of uri.
func (db *DB) TrackDisconnected(uri string, at time.Time) (Call, error) {
	calls := db.data.Calls[uri]
	for i := len(calls) - 1; i >= 0; i-- {
		if !calls[i].Open() {
			continue
		}
		calls[i].End = at
		calls[i].Duration = max(0, at.Sub(calls[i].Start))
		return calls[i], db.Save()
	}
	return Call{}, fmt.Errorf("%s: %w", uri, ErrNoOpenCall)
}

// Calls returns a copy of the history of uri.
func (db *DB) Calls(uri string) []Call {
	return slices.Clone(db.data.Calls[uri])
}

// Stats summarizes calls of uri that started within period before now.
func (db *DB) Stats(uri string, now time.Time, period time.Duration) Stats {
	var st Stats
	since := now.Add(-period)
	for _, c := range db.data.Calls[uri] {
		if c.Start.After(st.Last) {
			st.Last = c.Start
		}
		if c.Start.Before(since) {
			continue
		}
		st.Calls++
		st.Total += c.Duration
	}
	return st
}

func (db *DB) URIs() []string {
	uris := make([]string, 0, len(db.data.Calls))
	for uri := range db.data.Calls {
		uris = append(uris, uri)
	}
	slices.Sort(uris)
	return uris
}

func (db *DB) Blacklist(uri string, until time.Time) error {
	db.data.Blacklist[uri] = until
	return db.Save()
}

// Blacklisted reports whether uri is blacklisted at now and until when.
func (db *DB) Blacklisted(uri string, now time.Time) (time.Time, bool) {
	until, ok := db.data.Blacklist[uri]
	if !ok || !until.After(now) {
		return time.Time{}, false
	}
	return until, true
}

// ActiveBlacklist returns every entry still in force at now.
func (db *DB) ActiveBlacklist(now time.Time) map[string]time.Time {
	out := make(map[string]time.Time)
	for uri, until := range db.data.Blacklist {
		if until.After(now) {
			out[uri] = until
		}
	}
	return out
}
