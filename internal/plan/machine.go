// Package plan implements the approval workflow for agent-submitted plans:
// pending -> approved | rejected, one-shot. The Machine owns the ordering
// contract of every transition: the store transaction commits first, then the
// transports broadcast, then the bus and audit trail record the outcome. A
// client can therefore never observe a broadcast describing state the store
// does not yet hold.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskdeck/internal/audit"
	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/errdefs"
	"github.com/basket/taskdeck/internal/hub"
	tdotel "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/shared"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/stream"
	"github.com/basket/taskdeck/internal/wire"
)

// SubtaskDraft is one child task as submitted by an agent.
type SubtaskDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Draft is an agent-submitted plan before ids and statuses are assigned.
type Draft struct {
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	AgentID     string         `json:"agent_id"`
	SessionKey  string         `json:"session_key,omitempty"`
	Subtasks    []SubtaskDraft `json:"subtasks"`
}

// Options configures the optional collaborators of a Machine.
type Options struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *tdotel.Metrics
	Bus     *bus.Bus
}

// Machine drives plan transitions against the store and fans the results out
// to both transports.
type Machine struct {
	store   *store.Store
	hub     *hub.Hub
	streams *stream.Registry
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *tdotel.Metrics
}

func New(st *store.Store, h *hub.Hub, streams *stream.Registry, opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(tdotel.TracerName)
	}
	return &Machine{
		store:   st,
		hub:     h,
		streams: streams,
		bus:     opts.Bus,
		logger:  logger.With("component", "plan"),
		tracer:  tracer,
		metrics: opts.Metrics,
	}
}

// CreatePlan validates a draft, assigns fresh ids and pending statuses, and
// writes parent plus children in one durable transaction. After commit it
// broadcasts plan_created and approval_request to both transports, scoped to
// the plan's workspace on the socket side.
func (m *Machine) CreatePlan(ctx context.Context, draft Draft) (*store.Plan, error) {
	ctx, span := tdotel.StartSpan(ctx, m.tracer, "plan.create",
		tdotel.AttrWorkspaceID.String(draft.WorkspaceID),
		tdotel.AttrAgentID.String(draft.AgentID),
	)
	defer span.End()

	if len(draft.Subtasks) == 0 {
		return nil, &errdefs.ValidationError{Field: "subtasks", Reason: "plan requires at least one subtask"}
	}
	if draft.Title == "" {
		return nil, &errdefs.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	for i, sub := range draft.Subtasks {
		if sub.Title == "" {
			return nil, &errdefs.ValidationError{Field: fmt.Sprintf("subtasks[%d].title", i), Reason: "must not be empty"}
		}
	}

	workspace := draft.WorkspaceID
	if workspace == "" {
		workspace = store.DefaultWorkspace
	}

	parent := store.Task{
		ID:             uuid.NewString(),
		WorkspaceID:    workspace,
		Title:          draft.Title,
		Description:    draft.Description,
		Priority:       draft.Priority,
		Status:         store.StatusPendingApproval,
		Source:         store.SourceAgent,
		ApprovalStatus: store.ApprovalPending,
		Tags:           withAgenticTag(draft.Tags),
		SessionKey:     draft.SessionKey,
		AgentID:        draft.AgentID,
	}
	children := make([]store.Task, 0, len(draft.Subtasks))
	for i, sub := range draft.Subtasks {
		children = append(children, store.Task{
			ID:             uuid.NewString(),
			WorkspaceID:    workspace,
			Title:          sub.Title,
			Description:    sub.Description,
			Priority:       sub.Priority,
			Status:         store.StatusPendingApproval,
			Source:         store.SourceAgent,
			ApprovalStatus: store.ApprovalPending,
			ParentTaskID:   parent.ID,
			Position:       i,
			Tags:           withAgenticTag(sub.Tags),
			SessionKey:     draft.SessionKey,
			AgentID:        draft.AgentID,
		})
	}

	span.SetAttributes(tdotel.AttrPlanID.String(parent.ID))

	created, err := m.store.CreatePlan(ctx, parent, children, store.Activity{
		Kind:    store.ActivityPlanCreated,
		Message: fmt.Sprintf("%d subtasks created by agent", len(children)),
		Actor:   draft.AgentID,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	payload := wire.PlanPayload(created, wire.PlanStatusCreated)
	m.broadcast(wire.New(wire.TypePlanCreated, payload), created.Parent.WorkspaceID)
	m.broadcast(wire.New(wire.TypeApprovalRequest, wire.ApprovalPayload(created)), created.Parent.WorkspaceID)

	audit.Record(shared.TraceID(ctx), created.Parent.ID, "plan.create", "created", "")
	m.publishEvent(bus.TopicPlanCreated, bus.PlanEvent{
		ParentTaskID:  created.Parent.ID,
		WorkspaceID:   created.Parent.WorkspaceID,
		Title:         created.Parent.Title,
		AgentID:       created.Parent.AgentID,
		SubtaskTitles: subtaskTitles(created.Subtasks),
		Actor:         draft.AgentID,
	})
	m.countTransition(ctx, "create")

	m.logger.Info("plan created",
		"plan_id", created.Parent.ID,
		"workspace_id", created.Parent.WorkspaceID,
		"subtasks", len(created.Subtasks),
		"agent_id", created.Parent.AgentID,
		"trace_id", shared.TraceID(ctx))
	return created, nil
}

// Approve resolves a pending plan: parent and all children move to approval
// status approved and coarse status inbox in one transaction. After commit it
// publishes plan_approved on the push stream and a workspace-scoped
// plan_update on the socket.
func (m *Machine) Approve(ctx context.Context, planID, approverID string) (*store.Plan, error) {
	return m.resolve(ctx, planID, approverID, actionApprove, "")
}

// Reject mirrors Approve with approval status rejected and coarse status
// blocked; the reason, when given, lands in the activity row and audit trail.
func (m *Machine) Reject(ctx context.Context, planID, rejecterID, reason string) (*store.Plan, error) {
	return m.resolve(ctx, planID, rejecterID, actionReject, reason)
}

const (
	actionApprove = "approve"
	actionReject  = "reject"
)

func (m *Machine) resolve(ctx context.Context, planID, actorID, action, reason string) (*store.Plan, error) {
	ctx, span := tdotel.StartSpan(ctx, m.tracer, "plan."+action,
		tdotel.AttrPlanID.String(planID),
		tdotel.AttrAction.String(action),
	)
	defer span.End()

	var (
		resolved *store.Plan
		err      error
	)
	if action == actionApprove {
		resolved, err = m.store.ApprovePlan(ctx, planID, actorID, store.Activity{
			Kind:    store.ActivityPlanApproved,
			Message: fmt.Sprintf("plan approved by %s", actorID),
			Actor:   actorID,
		})
	} else {
		msg := fmt.Sprintf("plan rejected by %s", actorID)
		if reason != "" {
			msg = fmt.Sprintf("plan rejected by %s: %s", actorID, reason)
		}
		resolved, err = m.store.RejectPlan(ctx, planID, actorID, store.Activity{
			Kind:    store.ActivityPlanRejected,
			Message: msg,
			Actor:   actorID,
		})
	}
	if err != nil {
		span.RecordError(err)
		if errdefs.IsInvalidState(err) {
			m.logger.Warn("plan resolve conflict", "plan_id", planID, "action", action, "error", err)
		}
		return nil, err
	}

	status := wire.PlanStatusApproved
	streamType := wire.TypePlanApproved
	topic := bus.TopicPlanApproved
	decision := "approved"
	if action == actionReject {
		status = wire.PlanStatusRejected
		streamType = wire.TypePlanRejected
		topic = bus.TopicPlanRejected
		decision = "rejected"
	}

	payload := wire.PlanPayload(resolved, status)
	m.streams.PublishAll(wire.New(streamType, payload))
	m.hub.Publish(wire.New(wire.TypePlanUpdate, payload), hub.Scope{Workspace: resolved.Parent.WorkspaceID})

	audit.Record(shared.TraceID(ctx), planID, "plan."+action, decision, reason)
	m.publishEvent(topic, bus.PlanEvent{
		ParentTaskID:  resolved.Parent.ID,
		WorkspaceID:   resolved.Parent.WorkspaceID,
		Title:         resolved.Parent.Title,
		AgentID:       resolved.Parent.AgentID,
		SubtaskTitles: subtaskTitles(resolved.Subtasks),
		Actor:         actorID,
	})
	m.countTransition(ctx, action)
	m.recordLatency(ctx, resolved)

	m.logger.Info("plan resolved",
		"plan_id", resolved.Parent.ID,
		"workspace_id", resolved.Parent.WorkspaceID,
		"action", action,
		"actor", actorID,
		"subtasks", len(resolved.Subtasks),
		"trace_id", shared.TraceID(ctx))
	return resolved, nil
}

// broadcast sends one envelope on both transports, workspace-scoped on the
// socket side.
func (m *Machine) broadcast(env wire.Envelope, workspaceID string) {
	m.hub.Publish(env, hub.Scope{Workspace: workspaceID})
	m.streams.PublishAll(env)
}

func (m *Machine) publishEvent(topic string, ev bus.PlanEvent) {
	if m.bus != nil {
		m.bus.Publish(topic, ev)
	}
}

func (m *Machine) countTransition(ctx context.Context, action string) {
	if m.metrics != nil {
		m.metrics.PlanTransitions.Add(ctx, 1, metric.WithAttributes(
			tdotel.AttrAction.String(action),
		))
	}
}

func (m *Machine) recordLatency(ctx context.Context, resolved *store.Plan) {
	if m.metrics == nil {
		return
	}
	age := time.Since(resolved.Parent.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	m.metrics.ApprovalLatency.Record(ctx, age)
}

func withAgenticTag(tags []string) []string {
	if slices.Contains(tags, store.TagAgentic) {
		return slices.Clone(tags)
	}
	return append(slices.Clone(tags), store.TagAgentic)
}

func subtaskTitles(subtasks []store.Task) []string {
	titles := make([]string, 0, len(subtasks))
	for _, st := range subtasks {
		titles = append(titles, st.Title)
	}
	return titles
}
