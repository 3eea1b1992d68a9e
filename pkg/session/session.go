// Package session defines the narrow collaborator the Agent Orchestrator
// uses to persist and restore browser login state across restarts (spec
// §6): save_session, restore_session, is_logged_in. The interface is
// opaque on purpose — the Orchestrator never inspects cookie contents,
// only asks whether a session exists and hands it to the Browser Pool
// verbatim.
package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/types"
)

// Cookie is the subset of a browser cookie the store round-trips. Kept
// deliberately smaller than chromedp's own network.Cookie so the on-disk
// format isn't coupled to chromedp's wire types.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
}

// Record is one agent's persisted session: its cookie jar plus when it
// was captured.
type Record struct {
	AgentID   string    `json:"agent_id"`
	Cookies   []Cookie  `json:"cookies"`
	SavedAt   time.Time `json:"saved_at"`
}

// Store is the narrow interface spec §6 describes. Implementations must
// be safe for concurrent use by multiple agents.
type Store interface {
	// SaveSession captures page's current cookies under agentID.
	SaveSession(ctx context.Context, agentID string, page context.Context) error
	// RestoreSession re-applies a previously saved session to page. It is
	// a no-op, not an error, when no session has been saved for agentID.
	RestoreSession(ctx context.Context, agentID string, page context.Context) error
	// HasSession reports whether a session was ever saved for agentID.
	// Store has no logged-in probe of its own; the scraper's
	// check-logged-in operation is the one that inspects a live page.
	HasSession(agentID string) bool
}

// FileStore persists sessions as one JSON file per agent under a base
// directory. This is a narrow, purely local collaborator — none of the
// domain dependencies pulled in elsewhere in the tree (bbolt, Redis) fit
// a single small JSON blob keyed by agent ID any better than the
// standard library's own encoding/json plus os, so FileStore stays on
// the standard library rather than reaching for a database to store one
// file's worth of cookies per agent.
type FileStore struct {
	baseDir string
	logger  zerolog.Logger

	mu    sync.Mutex
	cache map[string]bool
}

// NewFileStore builds a FileStore rooted at baseDir, creating it if
// necessary.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, types.NewFault(types.FaultFatal, "session.new_file_store", "failed to create session directory", err)
	}
	fs := &FileStore{
		baseDir: baseDir,
		logger:  log.WithComponent("session"),
		cache:   make(map[string]bool),
	}
	fs.scanExisting()
	return fs, nil
}

func (fs *FileStore) scanExisting() {
	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			fs.cache[name[:len(name)-len(".json")]] = true
		}
	}
}

func (fs *FileStore) pathFor(agentID string) string {
	return filepath.Join(fs.baseDir, agentID+".json")
}

// SaveSession implements Store.
func (fs *FileStore) SaveSession(ctx context.Context, agentID string, page context.Context) error {
	var raw []network.Cookie
	err := chromedp.Run(page, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		raw = make([]network.Cookie, 0, len(cookies))
		for _, c := range cookies {
			if c != nil {
				raw = append(raw, *c)
			}
		}
		return nil
	}))
	if err != nil {
		return types.NewFault(types.FaultTransient, "session.save_session", "failed to read cookies", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}

	record := Record{AgentID: agentID, Cookies: cookies, SavedAt: time.Now()}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return types.NewFault(types.FaultFatal, "session.save_session", "failed to marshal session", err)
	}

	if err := os.WriteFile(fs.pathFor(agentID), data, 0o600); err != nil {
		return types.NewFault(types.FaultStateStoreFailure, "session.save_session", "failed to write session file", err)
	}

	fs.mu.Lock()
	fs.cache[agentID] = true
	fs.mu.Unlock()
	fs.logger.Debug().Str("agent_id", agentID).Int("cookies", len(cookies)).Msg("saved session")
	return nil
}

// RestoreSession implements Store. Restoring a session that was never
// saved is a no-op: the caller proceeds to a normal logged-out flow.
func (fs *FileStore) RestoreSession(ctx context.Context, agentID string, page context.Context) error {
	data, err := os.ReadFile(fs.pathFor(agentID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return types.NewFault(types.FaultStateStoreFailure, "session.restore_session", "failed to read session file", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return types.NewFault(types.FaultFatal, "session.restore_session", "failed to unmarshal session", err)
	}

	params := make([]*network.CookieParam, 0, len(record.Cookies))
	for _, c := range record.Cookies {
		params = append(params, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  network.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}

	err = chromedp.Run(page, chromedp.ActionFunc(func(ctx context.Context) error {
		if len(params) == 0 {
			return nil
		}
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return types.NewFault(types.FaultTransient, "session.restore_session", "failed to apply cookies", err)
	}

	fs.logger.Debug().Str("agent_id", agentID).Int("cookies", len(record.Cookies)).Msg("restored session")
	return nil
}

// HasSession implements Store.
func (fs *FileStore) HasSession(agentID string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cache[agentID]
}
