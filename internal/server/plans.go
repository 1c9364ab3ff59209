package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskdeck/internal/errdefs"
	tdotel "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/plan"
)

// planSubmissionSchema guards POST /api/plans. Agents submit drafts from
// loosely-typed runtimes; the schema rejects shape errors before any decode
// reaches the state machine.
const planSubmissionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["title", "agent_id", "subtasks"],
  "properties": {
    "workspace_id": {"type": "string"},
    "title": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "priority": {"type": "integer", "minimum": 0},
    "tags": {"type": "array", "items": {"type": "string"}},
    "agent_id": {"type": "string", "minLength": 1},
    "session_key": {"type": "string"},
    "subtasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["title"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "priority": {"type": "integer", "minimum": 0},
          "tags": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

type planSchema struct {
	schema *jsonschema.Schema
}

func compilePlanSchema() (*planSchema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSubmissionSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan-draft.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	schema, err := c.Compile("plan-draft.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &planSchema{schema: schema}, nil
}

func (p *planSchema) validate(body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &errdefs.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	if err := p.schema.Validate(doc); err != nil {
		return &errdefs.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) handleAPIPlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx, span := tdotel.StartServerSpan(r.Context(), s.tracer, "api.plan.submit")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.planSchema.validate(body); err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	var draft plan.Draft
	if err := json.Unmarshal(body, &draft); err != nil {
		writeError(w, &errdefs.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	created, err := s.cfg.Machine.CreatePlan(ctx, draft)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAPIPlanByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/plans/")
	parts := strings.SplitN(path, "/", 2)
	planID := parts[0]
	if planID == "" {
		http.Error(w, "plan id required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p, err := s.cfg.Store.GetPlan(r.Context(), planID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch parts[1] {
	case "approve":
		s.handlePlanApprove(w, r, planID)
	case "reject":
		s.handlePlanReject(w, r, planID)
	default:
		http.Error(w, "unknown plan action", http.StatusNotFound)
	}
}

func (s *Server) handlePlanApprove(w http.ResponseWriter, r *http.Request, planID string) {
	ctx, span := tdotel.StartServerSpan(r.Context(), s.tracer, "api.plan.approve",
		tdotel.AttrPlanID.String(planID))
	defer span.End()

	var req struct {
		Approver string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &errdefs.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if req.Approver == "" {
		writeError(w, &errdefs.ValidationError{Field: "approver", Reason: "must not be empty"})
		return
	}

	resolved, err := s.cfg.Machine.Approve(ctx, planID, req.Approver)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handlePlanReject(w http.ResponseWriter, r *http.Request, planID string) {
	ctx, span := tdotel.StartServerSpan(r.Context(), s.tracer, "api.plan.reject",
		tdotel.AttrPlanID.String(planID))
	defer span.End()

	var req struct {
		Rejecter string `json:"rejecter"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &errdefs.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if req.Rejecter == "" {
		writeError(w, &errdefs.ValidationError{Field: "rejecter", Reason: "must not be empty"})
		return
	}

	resolved, err := s.cfg.Machine.Reject(ctx, planID, req.Rejecter, req.Reason)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
