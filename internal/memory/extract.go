package memory

import (
	"encoding/json"
	"strings"
)

// Entity types recognised in tool results.
const (
	TypeAccount     = "Account"
	TypeContact     = "Contact"
	TypeOpportunity = "Opportunity"
	TypeCase        = "Case"
	TypeTask        = "Task"
	TypeIssue       = "Issue"
)

// CRM record ids start with a three-character object prefix.
var idPrefixes = map[string]string{
	"001": TypeAccount,
	"003": TypeContact,
	"006": TypeOpportunity,
	"500": TypeCase,
	"00T": TypeTask,
}

// Extract finds identifiable entities in a tool result payload. It handles
// CRM query results ({records: [...]}, a bare list, or a single record with
// an Id) and issue-tracker results ({issues: [...]} or a single issue with
// a key). Unrecognised payloads yield nothing.
func Extract(tool string, payload json.RawMessage) []Entity {
	var data interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil
	}

	var out []Entity
	collect(tool, data, &out, 0)
	return out
}

func collect(tool string, data interface{}, out *[]Entity, depth int) {
	// Query results nest at most a couple of levels; related records
	// inside a record stay attributes of that record.
	if depth > 2 {
		return
	}

	switch v := data.(type) {
	case []interface{}:
		for _, item := range v {
			collect(tool, item, out, depth+1)
		}

	case map[string]interface{}:
		if records, ok := v["records"].([]interface{}); ok {
			collect(tool, records, out, depth+1)
			return
		}
		if issues, ok := v["issues"].([]interface{}); ok {
			collect(tool, issues, out, depth+1)
			return
		}
		if e, ok := crmRecord(v); ok {
			e.Source = tool
			*out = append(*out, e)
			return
		}
		if e, ok := issueRecord(v); ok {
			e.Source = tool
			*out = append(*out, e)
		}
	}
}

func crmRecord(rec map[string]interface{}) (Entity, bool) {
	id, _ := rec["Id"].(string)
	if id == "" {
		return Entity{}, false
	}

	typ := ""
	if attrs, ok := rec["attributes"].(map[string]interface{}); ok {
		typ, _ = attrs["type"].(string)
	}
	if typ == "" && len(id) >= 3 {
		typ = idPrefixes[id[:3]]
	}
	if typ == "" {
		return Entity{}, false
	}

	attrs := make(map[string]interface{}, len(rec))
	for k, val := range rec {
		if k == "attributes" {
			continue
		}
		attrs[k] = val
	}
	return Entity{Type: typ, ID: id, Attributes: attrs}, true
}

func issueRecord(rec map[string]interface{}) (Entity, bool) {
	key, _ := rec["key"].(string)
	if key == "" || !strings.Contains(key, "-") {
		return Entity{}, false
	}
	attrs := make(map[string]interface{}, len(rec))
	for k, val := range rec {
		attrs[k] = val
	}
	return Entity{Type: TypeIssue, ID: key, Attributes: attrs}, true
}

// ObserveResult extracts entities from a successful tool result and
// remembers them. It returns how many were stored.
func (m *Memory) ObserveResult(tool string, payload json.RawMessage) int {
	entities := Extract(tool, payload)
	now := m.now()
	for _, e := range entities {
		e.DiscoveredAt = now
		m.Remember(e)
	}
	if len(entities) > 0 {
		m.logger.Debug("cached entities from tool result", "tool", tool, "count", len(entities))
	}
	return len(entities)
}
