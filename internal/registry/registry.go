/*
Package registry holds the static catalog of tools the gateway can dispatch.

Each ToolDescriptor names the backend service that owns the tool and the
parameters it accepts. The catalog is built once at startup and never
mutated; argument maps are checked against a JSON Schema compiled from the
descriptor before any backend is contacted.
*/
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ParamType is the JSON type a tool parameter accepts.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

var (
	// ErrUnknownTool is returned when a tool is not registered for a service.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned when two descriptors share a name.
	ErrDuplicateTool = errors.New("duplicate tool")
)

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// ToolDescriptor is the immutable definition of a dispatchable tool.
type ToolDescriptor struct {
	// Name is unique across the whole registry.
	Name string `json:"name"`

	// Service is the backend that owns the tool.
	Service string `json:"service"`

	Description string `json:"description,omitempty"`

	// Params maps parameter names to their spec.
	Params map[string]ParamSpec `json:"params,omitempty"`

	// Mutating marks tools that change external state. Their results are
	// never read from or written to the result cache.
	Mutating bool `json:"mutating,omitempty"`
}

// Cacheable reports whether results of this tool may be cached.
func (d ToolDescriptor) Cacheable() bool {
	return !d.Mutating
}

// Registry is a read-only tool catalog.
type Registry struct {
	tools   map[string]ToolDescriptor
	schemas map[string]*gojsonschema.Schema
	names   []string
}

// New builds a registry from descriptors. Names must be unique and every
// descriptor must carry a service.
func New(descs ...ToolDescriptor) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]ToolDescriptor, len(descs)),
		schemas: make(map[string]*gojsonschema.Schema, len(descs)),
	}

	for _, d := range descs {
		if d.Name == "" || d.Service == "" {
			return nil, fmt.Errorf("tool descriptor needs name and service (name=%q service=%q)", d.Name, d.Service)
		}
		if _, exists := r.tools[d.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
		}

		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(JSONSchema(d)))
		if err != nil {
			return nil, fmt.Errorf("tool %s: invalid parameter schema: %w", d.Name, err)
		}

		d.Params = copyParams(d.Params)
		r.tools[d.Name] = d
		r.schemas[d.Name] = schema
		r.names = append(r.names, d.Name)
	}

	sort.Strings(r.names)
	return r, nil
}

// MustNew is like New but panics on error. Intended for static catalogs.
func MustNew(descs ...ToolDescriptor) *Registry {
	r, err := New(descs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the descriptor for tool on service. A tool that exists but
// belongs to another service is reported as unknown.
func (r *Registry) Lookup(service, tool string) (ToolDescriptor, error) {
	d, ok := r.tools[tool]
	if !ok || d.Service != service {
		return ToolDescriptor{}, fmt.Errorf("%w: %s/%s", ErrUnknownTool, service, tool)
	}
	return d, nil
}

// All returns every descriptor ordered by name.
func (r *Registry) All() []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name])
	}
	return out
}

// ForService returns the descriptors owned by service ordered by name.
func (r *Registry) ForService(service string) []ToolDescriptor {
	var out []ToolDescriptor
	for _, name := range r.names {
		if d := r.tools[name]; d.Service == service {
			out = append(out, d)
		}
	}
	return out
}

// Services returns the distinct service names in the catalog.
func (r *Registry) Services() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range r.names {
		svc := r.tools[name].Service
		if !seen[svc] {
			seen[svc] = true
			out = append(out, svc)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.names)
}

// JSONSchema renders a descriptor's parameters as a JSON Schema object.
// The same document is published to MCP clients as the tool's inputSchema.
func JSONSchema(d ToolDescriptor) map[string]interface{} {
	props := make(map[string]interface{}, len(d.Params))
	required := []string{}

	for name, p := range d.Params {
		prop := map[string]interface{}{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func copyParams(in map[string]ParamSpec) map[string]ParamSpec {
	out := make(map[string]ParamSpec, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// paramNames returns a sorted, comma-separated list for error messages.
func paramNames(params map[string]ParamSpec) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
