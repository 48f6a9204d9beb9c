package memory

import (
	"fmt"
	"strings"
)

// RiskItem is an opportunity whose implementation is at risk.
type RiskItem struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Account   string  `json:"account,omitempty"`
	AccountID string  `json:"account_id,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	// JiraProject links the opportunity to an issue-tracker project.
	JiraProject string `json:"jira_project,omitempty"`
}

// CriticalIssue is a high-priority or blocked tracker issue.
type CriticalIssue struct {
	Key      string `json:"key"`
	Summary  string `json:"summary"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// SessionContext lists entities that need attention. It is derived from
// remembered entities and kept in step with them.
type SessionContext struct {
	AtRiskOpportunities []RiskItem      `json:"at_risk_opportunities,omitempty"`
	CriticalIssues      []CriticalIssue `json:"critical_issues,omitempty"`
}

func (s *SessionContext) observe(e Entity) {
	switch e.Type {
	case TypeOpportunity:
		s.drop(e.Type, e.ID)
		if str(e.Attributes, "Implementation_Status__c") == "At Risk" {
			item := RiskItem{
				ID:          e.ID,
				Name:        str(e.Attributes, "Name"),
				AccountID:   str(e.Attributes, "AccountId"),
				JiraProject: str(e.Attributes, "Jira_Project_Key__c"),
			}
			if acct, ok := e.Attributes["Account"].(map[string]interface{}); ok {
				item.Account = str(acct, "Name")
			}
			if amt, ok := e.Attributes["Amount"].(float64); ok {
				item.Amount = amt
			}
			s.AtRiskOpportunities = append(s.AtRiskOpportunities, item)
		}

	case TypeIssue:
		s.drop(e.Type, e.ID)
		fields, _ := e.Attributes["fields"].(map[string]interface{})
		priority := nestedName(fields, "priority")
		status := nestedName(fields, "status")
		if priority == "High" || priority == "Highest" || status == "Blocked" {
			s.CriticalIssues = append(s.CriticalIssues, CriticalIssue{
				Key:      e.ID,
				Summary:  str(fields, "summary"),
				Status:   status,
				Priority: priority,
			})
		}
	}
}

// drop removes any context entry for the entity.
func (s *SessionContext) drop(typ, id string) {
	switch typ {
	case TypeOpportunity:
		out := s.AtRiskOpportunities[:0]
		for _, r := range s.AtRiskOpportunities {
			if r.ID != id {
				out = append(out, r)
			}
		}
		s.AtRiskOpportunities = out
	case TypeIssue:
		out := s.CriticalIssues[:0]
		for _, c := range s.CriticalIssues {
			if c.Key != id {
				out = append(out, c)
			}
		}
		s.CriticalIssues = out
	}
}

// prune keeps only entries whose entity still exists.
func (s *SessionContext) prune(exists func(typ, id string) bool) {
	risk := s.AtRiskOpportunities[:0]
	for _, r := range s.AtRiskOpportunities {
		if exists(TypeOpportunity, r.ID) {
			risk = append(risk, r)
		}
	}
	s.AtRiskOpportunities = risk

	crit := s.CriticalIssues[:0]
	for _, c := range s.CriticalIssues {
		if exists(TypeIssue, c.Key) {
			crit = append(crit, c)
		}
	}
	s.CriticalIssues = crit
}

func (s SessionContext) clone() SessionContext {
	return SessionContext{
		AtRiskOpportunities: append([]RiskItem(nil), s.AtRiskOpportunities...),
		CriticalIssues:      append([]CriticalIssue(nil), s.CriticalIssues...),
	}
}

// ContextSummary renders the session context and recently seen entities as
// plain text for the chat layer's prompt. It returns "" when there is
// nothing to say.
func (m *Memory) ContextSummary(recent int) string {
	session := m.Session()
	var b strings.Builder

	if len(session.AtRiskOpportunities) > 0 {
		b.WriteString("AT-RISK OPPORTUNITIES:\n")
		for _, r := range session.AtRiskOpportunities {
			fmt.Fprintf(&b, "- %q (ID: %s, Account ID: %s)\n", r.Name, r.ID, orUnknown(r.AccountID))
			fmt.Fprintf(&b, "  Account: %s\n", orUnknown(r.Account))
			if r.JiraProject != "" {
				fmt.Fprintf(&b, "  Linked project: %s\n", r.JiraProject)
			}
		}
	}

	if len(session.CriticalIssues) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("CRITICAL ISSUES:\n")
		for _, c := range session.CriticalIssues {
			fmt.Fprintf(&b, "- %s: %s\n", c.Key, c.Summary)
			fmt.Fprintf(&b, "  Status: %s, Priority: %s\n", c.Status, c.Priority)
		}
	}

	if recent > 0 {
		entities := m.Entities("")
		if len(entities) > recent {
			entities = entities[:recent]
		}
		if len(entities) > 0 {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("RECENTLY SEEN:\n")
			for _, e := range entities {
				if name := e.Name(); name != "" {
					fmt.Fprintf(&b, "- %s %s: %s\n", e.Type, e.ID, name)
				} else {
					fmt.Fprintf(&b, "- %s %s\n", e.Type, e.ID)
				}
			}
		}
	}

	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func str(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

// nestedName reads fields[key].name, the tracker's shape for status and
// priority.
func nestedName(fields map[string]interface{}, key string) string {
	obj, _ := fields[key].(map[string]interface{})
	return str(obj, "name")
}
