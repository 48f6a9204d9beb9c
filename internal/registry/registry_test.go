package registry

import (
	"errors"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(
		ToolDescriptor{
			Name:    "lookup_record",
			Service: "svcX",
			Params: map[string]ParamSpec{
				"id":    {Type: TypeString, Required: true},
				"limit": {Type: TypeInteger},
			},
		},
		ToolDescriptor{
			Name:     "create_record",
			Service:  "svcX",
			Mutating: true,
			Params:   map[string]ParamSpec{"data": {Type: TypeObject, Required: true}},
		},
		ToolDescriptor{Name: "ping", Service: "svcY"},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New(
		ToolDescriptor{Name: "a", Service: "s1"},
		ToolDescriptor{Name: "a", Service: "s2"},
	)
	if !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("Expected ErrDuplicateTool, got %v", err)
	}
}

func TestNewRejectsMissingService(t *testing.T) {
	if _, err := New(ToolDescriptor{Name: "a"}); err == nil {
		t.Error("Expected error for descriptor without service")
	}
}

func TestLookup(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		name    string
		service string
		tool    string
		wantErr bool
	}{
		{"known tool", "svcX", "lookup_record", false},
		{"unknown tool", "svcX", "does_not_exist", true},
		{"tool owned by other service", "svcY", "lookup_record", true},
		{"unknown service", "nope", "ping", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Lookup(tt.service, tt.tool)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownTool) {
					t.Errorf("Expected ErrUnknownTool, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup failed: %v", err)
			}
			if d.Name != tt.tool || d.Service != tt.service {
				t.Errorf("Got descriptor %s/%s", d.Service, d.Name)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	r := testRegistry(t)
	lookup, _ := r.Lookup("svcX", "lookup_record")
	ping, _ := r.Lookup("svcY", "ping")

	tests := []struct {
		name      string
		desc      ToolDescriptor
		args      map[string]interface{}
		wantParam string
	}{
		{"valid", lookup, map[string]interface{}{"id": "A1"}, ""},
		{"valid with optional", lookup, map[string]interface{}{"id": "A1", "limit": 5}, ""},
		{"float that is integral", lookup, map[string]interface{}{"id": "A1", "limit": float64(5)}, ""},
		{"missing required", lookup, map[string]interface{}{}, "id"},
		{"wrong type", lookup, map[string]interface{}{"id": 42}, "id"},
		{"non integer", lookup, map[string]interface{}{"id": "A1", "limit": 1.5}, "limit"},
		{"unexpected param", lookup, map[string]interface{}{"id": "A1", "extra": true}, "extra"},
		{"nil args for no-param tool", ping, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.desc, tt.args)
			if tt.wantParam == "" {
				if err != nil {
					t.Errorf("Expected valid, got %v", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected *ValidationError, got %v", err)
			}
			found := false
			for _, f := range verr.Fields {
				if f.Param == tt.wantParam {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected failure on %q, got %+v", tt.wantParam, verr.Fields)
			}
		})
	}
}

func TestCacheable(t *testing.T) {
	r := testRegistry(t)
	lookup, _ := r.Lookup("svcX", "lookup_record")
	create, _ := r.Lookup("svcX", "create_record")

	if !lookup.Cacheable() {
		t.Error("Read tool should be cacheable")
	}
	if create.Cacheable() {
		t.Error("Mutating tool should not be cacheable")
	}
}

func TestServicesAndForService(t *testing.T) {
	r := testRegistry(t)

	services := r.Services()
	if len(services) != 2 || services[0] != "svcX" || services[1] != "svcY" {
		t.Errorf("Unexpected services: %v", services)
	}

	if got := len(r.ForService("svcX")); got != 2 {
		t.Errorf("Expected 2 tools for svcX, got %d", got)
	}
	if r.Len() != 3 {
		t.Errorf("Expected 3 tools, got %d", r.Len())
	}
}

func TestJSONSchemaRequiredSorted(t *testing.T) {
	schema := JSONSchema(ToolDescriptor{
		Name:    "t",
		Service: "s",
		Params: map[string]ParamSpec{
			"b": {Type: TypeString, Required: true},
			"a": {Type: TypeString, Required: true},
			"c": {Type: TypeString},
		},
	})

	required, ok := schema["required"].([]string)
	if !ok || len(required) != 2 || required[0] != "a" || required[1] != "b" {
		t.Errorf("Unexpected required list: %v", schema["required"])
	}
	if schema["additionalProperties"] != false {
		t.Error("Schema should reject additional properties")
	}
}

func TestDefaultCatalog(t *testing.T) {
	r := Default()

	if got := len(r.ForService(ServiceCRM)); got != 13 {
		t.Errorf("Expected 13 CRM tools, got %d", got)
	}
	if got := len(r.ForService(ServiceIssues)); got != 3 {
		t.Errorf("Expected 3 issue tools, got %d", got)
	}

	for _, d := range r.All() {
		if d.Mutating && d.Cacheable() {
			t.Errorf("%s is mutating but cacheable", d.Name)
		}
	}

	create, err := r.Lookup(ServiceIssues, "jira_create_issue")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if create.Cacheable() {
		t.Error("jira_create_issue must bypass the cache")
	}
}
