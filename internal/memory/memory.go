/*
Package memory is the gateway's working memory: business entities seen in
tool results and a bounded log of the chat conversation.

Memory is advisory. Nothing in the dispatch path depends on it succeeding,
so every failure inside this package is logged and swallowed.
*/
package memory

import (
	"context"
	"log/slog"
	"maps"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/khanglvm/bi-gateway/internal/search"
)

const DefaultMaxTurns = 50

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Entity is a business object discovered in a tool result.
type Entity struct {
	Type         string                 `json:"type"`
	ID           string                 `json:"id"`
	Attributes   map[string]interface{} `json:"attributes"`
	DiscoveredAt time.Time              `json:"discovered_at"`
	// Source is the tool whose result contained the entity.
	Source string `json:"source,omitempty"`
}

// Name returns the entity's display name, if it has one.
func (e Entity) Name() string {
	for _, k := range []string{"Name", "name", "Subject", "CaseNumber", "summary"} {
		if v, ok := e.Attributes[k].(string); ok && v != "" {
			return v
		}
	}
	if fields, ok := e.Attributes["fields"].(map[string]interface{}); ok {
		if v, ok := fields["summary"].(string); ok {
			return v
		}
	}
	return ""
}

// clone copies the top-level attribute map so the stored entity and the
// caller's copy can be changed independently. Nested values stay shared.
func (e Entity) clone() Entity {
	if e.Attributes == nil {
		e.Attributes = map[string]interface{}{}
	} else {
		e.Attributes = maps.Clone(e.Attributes)
	}
	return e
}

// Turn is one conversation message.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type entityKey struct {
	typ string
	id  string
}

// Options configures a Memory.
type Options struct {
	// MaxEntities caps stored entities; the oldest written is evicted
	// first. 0 means unbounded.
	MaxEntities int

	// MaxTurns bounds the conversation log. 0 selects DefaultMaxTurns.
	MaxTurns int

	// Index, when set, receives entity documents for full-text search.
	Index *search.Indexer

	Logger *slog.Logger
	Now    func() time.Time
}

// Stats summarises memory contents.
type Stats struct {
	Entities       int            `json:"entities"`
	EntitiesByType map[string]int `json:"entities_by_type"`
	Turns          int            `json:"turns"`
	AtRisk         int            `json:"at_risk_opportunities"`
	CriticalIssues int            `json:"critical_issues"`
}

// Memory holds entities, the conversation ring and derived session context.
// It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	entities *simplelru.LRU[entityKey, Entity]
	turns    *ring
	session  SessionContext

	// generation increases on every mutation; the flusher compares it to
	// the last saved value.
	generation uint64

	index  *search.Indexer
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty memory.
func New(opts Options) *Memory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	size := opts.MaxEntities
	if size <= 0 {
		size = math.MaxInt
	}

	m := &Memory{
		turns:  newRing(opts.MaxTurns),
		index:  opts.Index,
		logger: opts.Logger,
		now:    opts.Now,
	}

	// Called for capacity evictions, Remove and Purge alike.
	onEvict := func(k entityKey, _ Entity) {
		m.session.drop(k.typ, k.id)
		if m.index != nil {
			if err := m.index.RemoveEntity(k.typ, k.id); err != nil {
				m.logger.Warn("failed to unindex entity", "type", k.typ, "id", k.id, "error", err)
			}
		}
	}
	// Only fails for size <= 0.
	m.entities, _ = simplelru.NewLRU[entityKey, Entity](size, onEvict)
	return m
}

// Remember stores e, replacing any entity with the same type and id.
func (m *Memory) Remember(e Entity) {
	if e.Type == "" || e.ID == "" {
		return
	}
	if e.DiscoveredAt.IsZero() {
		e.DiscoveredAt = m.now()
	}
	e = e.clone()

	m.mu.Lock()
	m.entities.Add(entityKey{e.Type, e.ID}, e)
	m.session.observe(e)
	m.generation++
	m.mu.Unlock()

	m.indexEntity(e)
}

func (m *Memory) indexEntity(e Entity) {
	if m.index == nil {
		return
	}
	doc := search.EntityDoc{
		Type: e.Type,
		ID:   e.ID,
		Name: e.Name(),
		Text: search.FlattenAttributes(e.Attributes),
	}
	if err := m.index.IndexEntity(doc); err != nil {
		m.logger.Warn("failed to index entity", "type", e.Type, "id", e.ID, "error", err)
	}
}

// Lookup returns the entity stored under (typ, id).
func (m *Memory) Lookup(typ, id string) (Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities.Peek(entityKey{typ, id})
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Forget removes one entity.
func (m *Memory) Forget(typ, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entities.Remove(entityKey{typ, id}) {
		m.generation++
		return true
	}
	return false
}

// Entities returns stored entities, newest first. An empty typ returns
// every type.
func (m *Memory) Entities(typ string) []Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.entities.Keys()
	out := make([]Entity, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if typ != "" && keys[i].typ != typ {
			continue
		}
		if e, ok := m.entities.Peek(keys[i]); ok {
			out = append(out, e.clone())
		}
	}
	return out
}

// Search finds remembered entities by free text. It needs an index.
func (m *Memory) Search(text, typ string, limit int) []Entity {
	if m.index == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	hits, err := m.index.SearchEntities(text, typ, limit)
	if err != nil {
		m.logger.Warn("entity search failed", "error", err)
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entity, 0, len(hits))
	for _, h := range hits {
		if e, ok := m.entities.Peek(entityKey{h.Type, h.ID}); ok {
			out = append(out, e.clone())
		}
	}
	return out
}

// AppendTurn adds a message to the conversation log, dropping the oldest
// once the log is full.
func (m *Memory) AppendTurn(role Role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns.push(Turn{Role: role, Content: content, Timestamp: m.now()})
	m.generation++
}

// RecentConversation returns up to limit most recent turns, oldest first.
// limit <= 0 returns the whole retained window.
func (m *Memory) RecentConversation(limit int) []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.turns.last(limit)
}

// Session returns a copy of the derived session context.
func (m *Memory) Session() SessionContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.clone()
}

// Clear drops every entity, turn and context entry.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.entities.Purge()
	m.turns.reset()
	m.session = SessionContext{}
	m.generation++
	m.mu.Unlock()

	if m.index != nil {
		if err := m.index.ClearEntities(); err != nil {
			m.logger.Warn("failed to clear entity index", "error", err)
		}
	}
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := make(map[string]int)
	for _, k := range m.entities.Keys() {
		byType[k.typ]++
	}
	return Stats{
		Entities:       m.entities.Len(),
		EntitiesByType: byType,
		Turns:          m.turns.len(),
		AtRisk:         len(m.session.AtRiskOpportunities),
		CriticalIssues: len(m.session.CriticalIssues),
	}
}

// Generation returns the mutation counter.
func (m *Memory) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Snapshot is the persisted form of a Memory.
type Snapshot struct {
	Entities []Entity       `json:"entities"`
	Turns    []Turn         `json:"turns"`
	Session  SessionContext `json:"session"`
}

// Export returns a consistent copy of the memory contents, entities in
// write order (oldest first), and the generation it reflects.
func (m *Memory) Export() (*Snapshot, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.entities.Keys()
	snap := &Snapshot{
		Entities: make([]Entity, 0, len(keys)),
		Turns:    m.turns.last(0),
		Session:  m.session.clone(),
	}
	for _, k := range keys {
		if e, ok := m.entities.Peek(k); ok {
			snap.Entities = append(snap.Entities, e.clone())
		}
	}
	return snap, m.generation
}

// Import replaces the memory contents with snap.
func (m *Memory) Import(snap *Snapshot) {
	m.Clear()
	if snap == nil {
		return
	}

	entities := append([]Entity(nil), snap.Entities...)
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].DiscoveredAt.Before(entities[j].DiscoveredAt)
	})

	m.mu.Lock()
	for _, e := range entities {
		m.entities.Add(entityKey{e.Type, e.ID}, e.clone())
	}
	for _, t := range snap.Turns {
		m.turns.push(t)
	}
	m.session = snap.Session.clone()
	m.session.prune(func(typ, id string) bool {
		return m.entities.Contains(entityKey{typ, id})
	})
	m.mu.Unlock()

	for _, e := range entities {
		if _, ok := m.Lookup(e.Type, e.ID); ok {
			m.indexEntity(e)
		}
	}
}

// Store persists snapshots.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// Restore loads persisted state into m. Any failure leaves m empty and is
// only logged.
func (m *Memory) Restore(ctx context.Context, store Store) {
	snap, err := store.Load(ctx)
	if err != nil {
		m.logger.Warn("could not restore memory, starting empty", "error", err)
		return
	}
	m.Import(snap)

	m.mu.Lock()
	// Freshly restored state is already persisted.
	m.generation = 0
	m.mu.Unlock()

	stats := m.Stats()
	m.logger.Info("memory restored", "entities", stats.Entities, "turns", stats.Turns)
}

// ring is a fixed-size conversation buffer.
type ring struct {
	buf   []Turn
	start int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Turn, size)}
}

func (r *ring) push(t Turn) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = t
		r.count++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) last(n int) []Turn {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Turn, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) len() int {
	return r.count
}

func (r *ring) reset() {
	for i := range r.buf {
		r.buf[i] = Turn{}
	}
	r.start, r.count = 0, 0
}
