package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/khanglvm/bi-gateway/internal/gateway"
	"github.com/khanglvm/bi-gateway/internal/registry"
	"github.com/khanglvm/bi-gateway/internal/search"
)

// CallToolRequest is the body of POST /api/call-tool.
type CallToolRequest struct {
	Service  string                 `json:"service" binding:"required"`
	ToolName string                 `json:"tool_name" binding:"required"`
	Params   map[string]interface{} `json:"params"`
	// Origin is "direct" (default) or "chat".
	Origin string `json:"origin"`
}

// ErrorBody is the failure part of a call response.
type ErrorBody struct {
	Kind       gateway.Kind          `json:"kind"`
	Message    string                `json:"message"`
	RetryLater bool                  `json:"retry_later"`
	Fields     []registry.FieldError `json:"fields,omitempty"`
}

// CallToolResponse is returned for every call, successful or not.
type CallToolResponse struct {
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           *ErrorBody      `json:"error,omitempty"`
	Cached          bool            `json:"cached"`
	Attempts        int             `json:"attempts,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	ExecutionTimeMs float64         `json:"execution_time_ms"`
	TraceID         string          `json:"trace_id"`
	CallID          string          `json:"call_id,omitempty"`
}

var kindStatus = map[gateway.Kind]int{
	gateway.KindUnknownTool: http.StatusNotFound,
	gateway.KindValidation:  http.StatusBadRequest,
	gateway.KindTransient:   http.StatusBadGateway,
	gateway.KindCircuitOpen: http.StatusServiceUnavailable,
	gateway.KindCancelled:   http.StatusRequestTimeout,
	gateway.KindLogic:       http.StatusUnprocessableEntity,
}

// CallTool handles POST /api/call-tool.
func CallTool(d *gateway.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		resp := CallToolResponse{Timestamp: start.UTC(), TraceID: traceID(c)}

		var req CallToolRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			resp.Error = &ErrorBody{Kind: gateway.KindValidation, Message: err.Error()}
			resp.ExecutionTimeMs = elapsedMs(start)
			c.JSON(http.StatusBadRequest, resp)
			return
		}

		origin := gateway.OriginDirect
		if req.Origin == string(gateway.OriginChat) {
			origin = gateway.OriginChat
		}

		res, err := d.Invoke(c.Request.Context(), gateway.Request{
			Service: req.Service,
			Tool:    req.ToolName,
			Args:    req.Params,
			Origin:  origin,
		})
		resp.ExecutionTimeMs = elapsedMs(start)

		if err != nil {
			status := http.StatusInternalServerError
			body := &ErrorBody{Kind: gateway.KindOf(err), Message: err.Error()}
			var gerr *gateway.Error
			if errors.As(err, &gerr) {
				body.Message = gerr.Message
				body.RetryLater = gerr.RetryLater
				body.Fields = gerr.Fields
				resp.Attempts = gerr.Attempts
				if s, ok := kindStatus[gerr.Kind]; ok {
					status = s
				}
			}
			resp.Error = body
			c.JSON(status, resp)
			return
		}

		resp.Success = true
		resp.Data = res.Payload
		resp.Cached = res.Cached
		resp.Attempts = res.Attempts
		resp.CallID = res.CallID
		c.JSON(http.StatusOK, resp)
	}
}

// ToolInfo is one entry of GET /api/tools.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Service     string                 `json:"service"`
	Description string                 `json:"description,omitempty"`
	Mutating    bool                   `json:"mutating"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ListTools handles GET /api/tools.
func ListTools(d *gateway.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		reg := d.Registry()
		descs := reg.All()
		if svc := c.Query("service"); svc != "" {
			descs = reg.ForService(svc)
		}

		tools := make([]ToolInfo, 0, len(descs))
		for _, desc := range descs {
			tools = append(tools, ToolInfo{
				Name:        desc.Name,
				Service:     desc.Service,
				Description: desc.Description,
				Mutating:    desc.Mutating,
				InputSchema: registry.JSONSchema(desc),
			})
		}
		c.JSON(http.StatusOK, gin.H{"tools": tools, "count": len(tools)})
	}
}

// SearchTools handles GET /api/tools/search.
func SearchTools(index *search.Indexer) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := c.Query("q")
		if q == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
			return
		}
		if index == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search index unavailable"})
			return
		}

		hits, err := index.SearchTools(q, c.Query("service"), queryInt(c, "limit", 5))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"query": q, "results": hits})
	}
}

// traceID returns the request's trace id, or a fresh id when tracing is
// not recording.
func traceID(c *gin.Context) string {
	sc := trace.SpanContextFromContext(c.Request.Context())
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
