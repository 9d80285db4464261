// Package projectctx implements the project context cache: an
// in-process LRU of per-project conversation history and preferences,
// write-through to internal/store, with per-project locking so
// concurrent dispatcher goroutines never race on the same project's
// context. The project_context table holds one JSON snapshot per
// project; eviction is least-recently-used over whole projects.
package projectctx

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/store"
)

// maxConversationMessages bounds how much history a Snapshot carries
// forward into a graph run before older turns roll off.
const maxConversationMessages = 50

// Message is one turn of project conversation history.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Snapshot is the full cached context for one project: its recent
// conversation and any Team-Leader-set preferences, the two pieces of
// state the dispatcher loads before a graph run
// (domain.KeyConversationHistory / domain.KeyPreferences).
type Snapshot struct {
	ProjectID       string            `json:"project_id"`
	Conversation    []Message         `json:"conversation"`
	Preferences     map[string]string `json:"preferences"`
}

type entry struct {
	mu       sync.Mutex
	snapshot Snapshot
	elem     *list.Element // position in Cache.order
}

// Cache is the LRU front for project context. EnsureLoaded/Get/
// AddMessage/UpdatePreference are safe for concurrent use across
// distinct projects; operations on the same project serialize through
// that project's entry lock.
type Cache struct {
	store   *store.ProjectContext
	remote  Remote
	ceiling int

	mu     sync.Mutex // guards order/items bookkeeping only
	order  *list.List
	items  map[string]*entry
}

func New(st *store.ProjectContext, ceiling int) *Cache {
	if ceiling <= 0 {
		ceiling = 256
	}
	return &Cache{
		store:   st,
		ceiling: ceiling,
		order:   list.New(),
		items:   make(map[string]*entry),
	}
}

// SetRemote installs an optional shared cache tier consulted on LRU
// misses before the database. Call once during startup, before the
// cache sees traffic.
func (c *Cache) SetRemote(r Remote) { c.remote = r }

// EnsureLoaded guarantees projectID has a cache entry, loading its
// persisted snapshot (or starting a fresh one) on first touch.
func (c *Cache) EnsureLoaded(ctx context.Context, projectID string) error {
	_, err := c.touch(ctx, projectID)
	return err
}

// Get returns the cached snapshot for a project, loading it first if
// necessary.
func (c *Cache) Get(ctx context.Context, projectID string) (Snapshot, error) {
	e, err := c.touch(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot, nil
}

// AddMessage appends a conversation turn, trims it to
// maxConversationMessages, and writes the snapshot through to the
// store.
func (c *Cache) AddMessage(ctx context.Context, projectID, role, text string) error {
	e, err := c.touch(ctx, projectID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.snapshot.Conversation = append(e.snapshot.Conversation, Message{Role: role, Text: text})
	if n := len(e.snapshot.Conversation); n > maxConversationMessages {
		e.snapshot.Conversation = e.snapshot.Conversation[n-maxConversationMessages:]
	}
	snap := e.snapshot
	e.mu.Unlock()
	return c.save(ctx, projectID, snap)
}

// UpdatePreference sets a single preference key and writes through.
func (c *Cache) UpdatePreference(ctx context.Context, projectID, key, value string) error {
	e, err := c.touch(ctx, projectID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.snapshot.Preferences == nil {
		e.snapshot.Preferences = make(map[string]string)
	}
	e.snapshot.Preferences[key] = value
	snap := e.snapshot
	e.mu.Unlock()
	return c.save(ctx, projectID, snap)
}

// save writes a snapshot through to the store and, best-effort, the
// remote tier.
func (c *Cache) save(ctx context.Context, projectID string, snap Snapshot) error {
	if err := c.store.Save(ctx, projectID, snap); err != nil {
		return err
	}
	if c.remote != nil {
		if data, err := json.Marshal(snap); err == nil {
			// Remote failures degrade to store-only operation.
			_ = c.remote.Set(ctx, projectID, string(data))
		}
	}
	return nil
}

// touch returns the entry for projectID, loading it from the store on
// a cache miss and evicting the least-recently-used entry if the
// ceiling is exceeded.
func (c *Cache) touch(ctx context.Context, projectID string) (*entry, error) {
	if projectID == "" {
		return nil, apperr.Validation("projectctx.touch", "project_id is required")
	}

	c.mu.Lock()
	if e, ok := c.items[projectID]; ok {
		c.order.MoveToFront(e.elem)
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	snap := Snapshot{ProjectID: projectID, Preferences: map[string]string{}}
	loaded := false
	if c.remote != nil {
		if data, found, err := c.remote.Get(ctx, projectID); err == nil && found {
			if err := decodeSnapshot(data, &snap); err == nil {
				loaded = true
			}
		}
	}
	if !loaded && c.store != nil {
		data, found, err := c.store.Load(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if found {
			if err := decodeSnapshot(data, &snap); err != nil {
				return nil, err
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have loaded it while we were blocked on I/O.
	if e, ok := c.items[projectID]; ok {
		c.order.MoveToFront(e.elem)
		return e, nil
	}

	e := &entry{snapshot: snap}
	e.elem = c.order.PushFront(projectID)
	c.items[projectID] = e

	if c.order.Len() > c.ceiling {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(string))
		}
	}
	return e, nil
}

func decodeSnapshot(data string, out *Snapshot) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return apperr.Internal("projectctx.decode", err)
	}
	return nil
}
