package registry

// Service names used by the built-in catalog.
const (
	ServiceCRM    = "crm"
	ServiceIssues = "issues"
)

func str(desc string, required bool) ParamSpec {
	return ParamSpec{Type: TypeString, Required: required, Description: desc}
}

func limitParam() ParamSpec {
	return ParamSpec{Type: TypeInteger, Description: "Maximum number of records (default 10)"}
}

func whereParam() ParamSpec {
	return str("Optional SOQL WHERE clause without the WHERE keyword", false)
}

// DefaultTools is the tool set exposed by the CRM and issue-tracker backends.
func DefaultTools() []ToolDescriptor {
	return []ToolDescriptor{
		// CRM
		{
			Name:        "salesforce_query",
			Service:     ServiceCRM,
			Description: "Execute a read-only SOQL query",
			Params:      map[string]ParamSpec{"query": str("SOQL SELECT statement", true)},
		},
		{
			Name:        "salesforce_query_accounts",
			Service:     ServiceCRM,
			Description: "List accounts",
			Params:      map[string]ParamSpec{"limit": limitParam(), "where_clause": whereParam()},
		},
		{
			Name:        "salesforce_query_contacts",
			Service:     ServiceCRM,
			Description: "List contacts",
			Params:      map[string]ParamSpec{"limit": limitParam(), "where_clause": whereParam()},
		},
		{
			Name:        "salesforce_query_opportunities",
			Service:     ServiceCRM,
			Description: "List opportunities with stage, amount and implementation status",
			Params:      map[string]ParamSpec{"limit": limitParam(), "where_clause": whereParam()},
		},
		{
			Name:        "salesforce_query_cases",
			Service:     ServiceCRM,
			Description: "List support cases",
			Params:      map[string]ParamSpec{"limit": limitParam(), "where_clause": whereParam()},
		},
		{
			Name:        "salesforce_query_activities",
			Service:     ServiceCRM,
			Description: "List tasks and activities",
			Params:      map[string]ParamSpec{"limit": limitParam(), "where_clause": whereParam()},
		},
		{
			Name:        "salesforce_get_record_fields",
			Service:     ServiceCRM,
			Description: "Describe the fields of an object type, optionally with a record's values",
			Params: map[string]ParamSpec{
				"sobject_type": str("Object API name, e.g. Opportunity", true),
				"record_id":    str("Record Id", false),
			},
		},
		{
			Name:        "salesforce_search_records",
			Service:     ServiceCRM,
			Description: "Search records of one object type by term",
			Params: map[string]ParamSpec{
				"sobject_type": str("Object API name", true),
				"search_term":  str("Text to search for", true),
				"fields":       {Type: TypeArray, Description: "Fields to return"},
				"limit":        limitParam(),
			},
		},
		{
			Name:        "salesforce_connection_info",
			Service:     ServiceCRM,
			Description: "Show the CRM connection details",
		},
		{
			Name:        "salesforce_create",
			Service:     ServiceCRM,
			Description: "Create a record",
			Mutating:    true,
			Params: map[string]ParamSpec{
				"sobject_type": str("Object API name", true),
				"data":         {Type: TypeObject, Required: true, Description: "Field values"},
			},
		},
		{
			Name:        "salesforce_create_activity",
			Service:     ServiceCRM,
			Description: "Create a task on an account",
			Mutating:    true,
			Params: map[string]ParamSpec{
				"subject":     str("Task subject", true),
				"account_id":  str("Account Id the task relates to", true),
				"description": str("Task description", false),
				"priority":    str("Task priority (default Normal)", false),
			},
		},
		{
			Name:        "salesforce_update_record",
			Service:     ServiceCRM,
			Description: "Update fields on a record",
			Mutating:    true,
			Params: map[string]ParamSpec{
				"sobject_type": str("Object API name", true),
				"record_id":    str("Record Id", true),
				"data":         {Type: TypeObject, Required: true, Description: "Field values"},
			},
		},
		{
			Name:        "salesforce_delete_activity",
			Service:     ServiceCRM,
			Description: "Delete a task",
			Mutating:    true,
			Params:      map[string]ParamSpec{"activity_id": str("Task Id", true)},
		},

		// Issue tracker
		{
			Name:        "jira_search_issues",
			Service:     ServiceIssues,
			Description: "Search issues with JQL",
			Params: map[string]ParamSpec{
				"jql":         str("JQL query (default: project is not empty)", false),
				"max_results": {Type: TypeInteger, Description: "Maximum number of issues (default 10)"},
			},
		},
		{
			Name:        "jira_get_issue",
			Service:     ServiceIssues,
			Description: "Fetch one issue by key",
			Params:      map[string]ParamSpec{"issue_key": str("Issue key, e.g. PROJ-42", true)},
		},
		{
			Name:        "jira_create_issue",
			Service:     ServiceIssues,
			Description: "Create an issue",
			Mutating:    true,
			Params: map[string]ParamSpec{
				"project_key": str("Project key", true),
				"summary":     str("Issue summary", true),
				"description": str("Issue description", false),
				"issue_type":  str("Issue type (default Task)", false),
			},
		},
	}
}

// Default returns a registry holding DefaultTools.
func Default() *Registry {
	return MustNew(DefaultTools()...)
}
