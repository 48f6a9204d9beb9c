package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanglvm/bi-gateway/internal/search"
)

func TestRememberOverwrites(t *testing.T) {
	m := New(Options{})

	m.Remember(Entity{Type: TypeAccount, ID: "001A", Attributes: map[string]interface{}{"Name": "Globex"}})
	m.Remember(Entity{Type: TypeAccount, ID: "001A", Attributes: map[string]interface{}{"Name": "Initech"}})

	e, ok := m.Lookup(TypeAccount, "001A")
	require.True(t, ok)
	assert.Equal(t, "Initech", e.Name())
	assert.Equal(t, 1, m.Stats().Entities)

	_, ok = m.Lookup(TypeContact, "001A")
	assert.False(t, ok, "type is part of the key")
}

// Callers own the attribute maps they pass in and get back.
func TestEntityAttributesAreCopied(t *testing.T) {
	m := New(Options{})

	attrs := map[string]interface{}{"Name": "Globex"}
	m.Remember(Entity{Type: TypeAccount, ID: "001A", Attributes: attrs})
	attrs["Name"] = "changed by caller"

	e, ok := m.Lookup(TypeAccount, "001A")
	require.True(t, ok)
	assert.Equal(t, "Globex", e.Name())

	e.Attributes["Name"] = "changed by reader"
	m.Entities(TypeAccount)[0].Attributes["Industry"] = "Energy"
	snap, _ := m.Export()
	snap.Entities[0].Attributes["Name"] = "changed in snapshot"

	e, ok = m.Lookup(TypeAccount, "001A")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"Name": "Globex"}, e.Attributes)
}

func TestRememberIgnoresIncompleteEntities(t *testing.T) {
	m := New(Options{})
	m.Remember(Entity{Type: TypeAccount})
	m.Remember(Entity{ID: "001A"})
	assert.Equal(t, 0, m.Stats().Entities)
}

func TestCapacityEvictsOldestWritten(t *testing.T) {
	m := New(Options{MaxEntities: 2})

	m.Remember(Entity{Type: TypeAccount, ID: "1"})
	m.Remember(Entity{Type: TypeAccount, ID: "2"})

	// Reads must not refresh an entity's position.
	_, _ = m.Lookup(TypeAccount, "1")

	m.Remember(Entity{Type: TypeAccount, ID: "3"})

	_, ok := m.Lookup(TypeAccount, "1")
	assert.False(t, ok, "oldest written entity should be evicted")
	_, ok = m.Lookup(TypeAccount, "3")
	assert.True(t, ok)

	// Rewriting refreshes the position.
	m.Remember(Entity{Type: TypeAccount, ID: "2"})
	m.Remember(Entity{Type: TypeAccount, ID: "4"})
	_, ok = m.Lookup(TypeAccount, "2")
	assert.True(t, ok)
	_, ok = m.Lookup(TypeAccount, "3")
	assert.False(t, ok)
}

func TestEntitiesNewestFirst(t *testing.T) {
	m := New(Options{})
	m.Remember(Entity{Type: TypeAccount, ID: "1"})
	m.Remember(Entity{Type: TypeContact, ID: "2"})
	m.Remember(Entity{Type: TypeAccount, ID: "3"})

	all := m.Entities("")
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID)
	assert.Equal(t, "1", all[2].ID)

	accounts := m.Entities(TypeAccount)
	require.Len(t, accounts, 2)
	assert.Equal(t, "3", accounts[0].ID)
}

func TestConversationRing(t *testing.T) {
	m := New(Options{MaxTurns: 3})

	for i := 1; i <= 5; i++ {
		m.AppendTurn(RoleCaller, fmt.Sprintf("msg %d", i))
	}

	turns := m.RecentConversation(0)
	require.Len(t, turns, 3)
	assert.Equal(t, "msg 3", turns[0].Content)
	assert.Equal(t, "msg 5", turns[2].Content)

	last2 := m.RecentConversation(2)
	require.Len(t, last2, 2)
	assert.Equal(t, "msg 4", last2[0].Content)

	assert.Len(t, m.RecentConversation(10), 3)
}

func TestForgetAndClear(t *testing.T) {
	m := New(Options{})
	m.Remember(Entity{Type: TypeAccount, ID: "1"})
	m.Remember(Entity{Type: TypeAccount, ID: "2"})
	m.AppendTurn(RoleCaller, "hi")

	assert.True(t, m.Forget(TypeAccount, "1"))
	assert.False(t, m.Forget(TypeAccount, "1"))
	assert.Equal(t, 1, m.Stats().Entities)

	m.Clear()
	stats := m.Stats()
	assert.Equal(t, 0, stats.Entities)
	assert.Equal(t, 0, stats.Turns)
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{
			name:    "query result with records",
			payload: `{"totalSize":2,"records":[{"attributes":{"type":"Opportunity"},"Id":"0065g00000A1","Name":"Acme Renewal"},{"Id":"0015g00000B2","Name":"Acme"}]}`,
			want:    []string{"Opportunity:0065g00000A1", "Account:0015g00000B2"},
		},
		{
			name:    "bare list by id prefix",
			payload: `[{"Id":"5005g00000C3","CaseNumber":"00001026"},{"Id":"0035g00000D4"}]`,
			want:    []string{"Case:5005g00000C3", "Contact:0035g00000D4"},
		},
		{
			name:    "single task",
			payload: `{"Id":"00T5g00000E5","Subject":"Call"}`,
			want:    []string{"Task:00T5g00000E5"},
		},
		{
			name:    "unknown prefix",
			payload: `{"Id":"a015g00000F6"}`,
			want:    nil,
		},
		{
			name:    "issue search",
			payload: `{"total":2,"issues":[{"key":"IMPL-1","fields":{"summary":"Data migration"}},{"key":"TECH-7"}]}`,
			want:    []string{"Issue:IMPL-1", "Issue:TECH-7"},
		},
		{
			name:    "single issue",
			payload: `{"key":"TECH-1","fields":{"summary":"API timeout"}}`,
			want:    []string{"Issue:TECH-1"},
		},
		{
			name:    "plain text",
			payload: `"Connected to instance"`,
			want:    nil,
		},
		{
			name:    "not json",
			payload: `oops`,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract("tool", json.RawMessage(tt.payload))
			var keys []string
			for _, e := range got {
				keys = append(keys, e.Type+":"+e.ID)
				assert.Equal(t, "tool", e.Source)
				assert.NotContains(t, e.Attributes, "attributes")
			}
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestSessionContext(t *testing.T) {
	m := New(Options{})

	m.ObserveResult("salesforce_query_opportunities", json.RawMessage(`{"records":[
		{"Id":"006A","Name":"Big Deal","AccountId":"001A","Amount":250000,"Implementation_Status__c":"At Risk","Jira_Project_Key__c":"IMPL","Account":{"Name":"Acme"}},
		{"Id":"006B","Name":"Small Deal","Implementation_Status__c":"Complete"}
	]}`))
	m.ObserveResult("jira_search_issues", json.RawMessage(`{"issues":[
		{"key":"TECH-1","fields":{"summary":"API timeout","priority":{"name":"Highest"},"status":{"name":"In Progress"}}},
		{"key":"TECH-2","fields":{"summary":"Typo","priority":{"name":"Low"},"status":{"name":"Blocked"}}},
		{"key":"TECH-3","fields":{"summary":"Docs","priority":{"name":"Low"},"status":{"name":"Done"}}}
	]}`))

	s := m.Session()
	require.Len(t, s.AtRiskOpportunities, 1)
	assert.Equal(t, RiskItem{ID: "006A", Name: "Big Deal", Account: "Acme", AccountID: "001A", Amount: 250000, JiraProject: "IMPL"}, s.AtRiskOpportunities[0])
	require.Len(t, s.CriticalIssues, 2)
	assert.Equal(t, "TECH-1", s.CriticalIssues[0].Key)
	assert.Equal(t, "TECH-2", s.CriticalIssues[1].Key)

	// Re-observing an entity replaces its context entry instead of
	// duplicating it.
	m.ObserveResult("salesforce_query", json.RawMessage(`[{"Id":"006A","Name":"Big Deal","Implementation_Status__c":"At Risk"}]`))
	assert.Len(t, m.Session().AtRiskOpportunities, 1)

	m.ObserveResult("salesforce_query", json.RawMessage(`[{"Id":"006A","Name":"Big Deal","Implementation_Status__c":"Complete"}]`))
	assert.Empty(t, m.Session().AtRiskOpportunities)

	m.Forget(TypeIssue, "TECH-1")
	assert.Len(t, m.Session().CriticalIssues, 1)

	summary := m.ContextSummary(5)
	assert.Contains(t, summary, "CRITICAL ISSUES:")
	assert.Contains(t, summary, "TECH-2: Typo")
	assert.Contains(t, summary, "RECENTLY SEEN:")
	assert.NotContains(t, summary, "AT-RISK")
}

func TestContextSummaryEmpty(t *testing.T) {
	m := New(Options{})
	assert.Equal(t, "", m.ContextSummary(5))
}

func TestSearchWithIndex(t *testing.T) {
	idx, err := search.NewIndexer()
	require.NoError(t, err)
	defer idx.Close()

	m := New(Options{Index: idx, MaxEntities: 2})
	m.Remember(Entity{Type: TypeOpportunity, ID: "006A", Attributes: map[string]interface{}{"Name": "Acme Renewal"}})
	m.Remember(Entity{Type: TypeAccount, ID: "001B", Attributes: map[string]interface{}{"Name": "Globex"}})

	found := m.Search("acme", "", 5)
	require.Len(t, found, 1)
	assert.Equal(t, "006A", found[0].ID)

	// Evicted entities leave the index too.
	m.Remember(Entity{Type: TypeAccount, ID: "001C", Attributes: map[string]interface{}{"Name": "Initech"}})
	assert.Empty(t, m.Search("acme", "", 5))
	count, _ := idx.Count()
	assert.Equal(t, uint64(2), count)

	m.Clear()
	count, _ = idx.Count()
	assert.Equal(t, uint64(0), count)
}

func TestSearchWithoutIndex(t *testing.T) {
	m := New(Options{})
	m.Remember(Entity{Type: TypeAccount, ID: "1", Attributes: map[string]interface{}{"Name": "Acme"}})
	assert.Nil(t, m.Search("acme", "", 5))
}

func TestExportImport(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := New(Options{})
	src.Remember(Entity{Type: TypeOpportunity, ID: "006A", DiscoveredAt: base, Attributes: map[string]interface{}{"Implementation_Status__c": "At Risk", "Name": "Deal"}})
	src.Remember(Entity{Type: TypeAccount, ID: "001A", DiscoveredAt: base.Add(time.Minute)})
	src.AppendTurn(RoleCaller, "show risky deals")
	src.AppendTurn(RoleAssistant, "one deal is at risk")

	snap, gen := src.Export()
	assert.NotZero(t, gen)
	require.Len(t, snap.Entities, 2)
	assert.Equal(t, "006A", snap.Entities[0].ID, "entities export oldest first")

	dst := New(Options{MaxEntities: 1})
	dst.Import(snap)

	_, ok := dst.Lookup(TypeOpportunity, "006A")
	assert.False(t, ok, "capacity applies to imported entities")
	_, ok = dst.Lookup(TypeAccount, "001A")
	assert.True(t, ok)
	assert.Empty(t, dst.Session().AtRiskOpportunities, "context for evicted entities is pruned")
	assert.Len(t, dst.RecentConversation(0), 2)
}

type fakeStore struct {
	mu      sync.Mutex
	snap    *Snapshot
	saves   int
	loadErr error
	saveErr error
}

func (s *fakeStore) Load(context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.loadErr
}

func (s *fakeStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.snap = snap
	s.saves++
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func TestRestoreToleratesErrors(t *testing.T) {
	m := New(Options{})
	m.Restore(context.Background(), &fakeStore{loadErr: errors.New("file is not a database")})
	assert.Equal(t, 0, m.Stats().Entities)

	m.Restore(context.Background(), &fakeStore{})
	assert.Equal(t, 0, m.Stats().Entities)
}

func TestRestoreLoadsSnapshot(t *testing.T) {
	store := &fakeStore{snap: &Snapshot{
		Entities: []Entity{{Type: TypeAccount, ID: "001A"}},
		Turns:    []Turn{{Role: RoleCaller, Content: "hello"}},
	}}

	m := New(Options{})
	m.Restore(context.Background(), store)

	_, ok := m.Lookup(TypeAccount, "001A")
	assert.True(t, ok)
	assert.Equal(t, uint64(0), m.Generation(), "restored state is clean")
}

func TestFlusherSavesOnlyWhenDirty(t *testing.T) {
	m := New(Options{})
	store := &fakeStore{}
	f := NewFlusher(m, store, time.Hour, nil)
	defer f.Stop()

	require.NoError(t, f.FlushNow(context.Background()))
	assert.Equal(t, 0, store.saveCount(), "clean memory is not saved")

	m.Remember(Entity{Type: TypeAccount, ID: "001A"})
	require.NoError(t, f.FlushNow(context.Background()))
	assert.Equal(t, 1, store.saveCount())

	require.NoError(t, f.FlushNow(context.Background()))
	assert.Equal(t, 1, store.saveCount())

	saved, err := f.LastSaved()
	assert.NoError(t, err)
	assert.False(t, saved.IsZero())
}

func TestFlusherRetriesAfterError(t *testing.T) {
	m := New(Options{})
	store := &fakeStore{saveErr: errors.New("disk full")}
	f := NewFlusher(m, store, time.Hour, nil)
	defer f.Stop()

	m.AppendTurn(RoleCaller, "hi")
	assert.Error(t, f.FlushNow(context.Background()))

	store.mu.Lock()
	store.saveErr = nil
	store.mu.Unlock()

	assert.NoError(t, f.FlushNow(context.Background()))
	assert.Equal(t, 1, store.saveCount())
}

func TestFlusherPeriodicAndFinalFlush(t *testing.T) {
	m := New(Options{})
	store := &fakeStore{}
	f := NewFlusher(m, store, 20*time.Millisecond, nil)

	m.Remember(Entity{Type: TypeAccount, ID: "001A"})
	assert.Eventually(t, func() bool { return store.saveCount() == 1 }, time.Second, 10*time.Millisecond)

	m.Remember(Entity{Type: TypeAccount, ID: "001B"})
	f.Stop()
	assert.GreaterOrEqual(t, store.saveCount(), 2, "Stop performs a final flush")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.snap.Entities, 2)
}

func TestConcurrentAccess(t *testing.T) {
	m := New(Options{MaxEntities: 50, MaxTurns: 10})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Remember(Entity{Type: TypeAccount, ID: fmt.Sprintf("%d-%d", i, j)})
				m.AppendTurn(RoleCaller, "x")
				m.Lookup(TypeAccount, "0-0")
				m.Stats()
				m.Export()
			}
		}(i)
	}
	wg.Wait()

	stats := m.Stats()
	assert.Equal(t, 50, stats.Entities)
	assert.Equal(t, 10, stats.Turns)
}
