// Package wire defines the event envelope exchanged over both real-time
// transports: the subscription socket and the push stream. One wire shape,
// many logical message types; the payload is decoded by the type
// discriminator before dispatch, never handled as an untyped blob.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/taskdeck/internal/errdefs"
	"github.com/basket/taskdeck/internal/store"
)

// Outbound event types. The enumeration is closed: an unrecognized value on
// input is a validation error, not a silently-accepted new type.
const (
	TypeConnected       = "connected"
	TypeSubscribed      = "subscribed"
	TypeTaskUpdate      = "task_update"
	TypePlanUpdate      = "plan_update"
	TypePlanCreated     = "plan_created"
	TypePlanApproved    = "plan_approved"
	TypePlanRejected    = "plan_rejected"
	TypeApprovalRequest = "approval_request"
	TypeProgressUpdate  = "progress_update"
	TypePing            = "ping"
)

// Inbound frame types accepted on the subscription socket.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

var knownTypes = map[string]struct{}{
	TypeConnected:       {},
	TypeSubscribed:      {},
	TypeTaskUpdate:      {},
	TypePlanUpdate:      {},
	TypePlanCreated:     {},
	TypePlanApproved:    {},
	TypePlanRejected:    {},
	TypeApprovalRequest: {},
	TypeProgressUpdate:  {},
	TypePing:            {},
	TypeSubscribe:       {},
	TypeUnsubscribe:     {},
}

// KnownType reports whether t is a member of the closed type enum, inbound
// or outbound.
func KnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// Envelope is the wire unit broadcast to both transports.
type Envelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// New builds an envelope stamped with the current UTC time.
func New(typ string, payload any) Envelope {
	return Envelope{
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Marshal serializes the envelope. Publish paths call this exactly once per
// envelope and fan the same bytes out to every selected connection.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// Frame is a received envelope with its payload still raw; consumers decode
// the payload by type. Inbound client frames carry no timestamp.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// DecodeFrame parses a received envelope and enforces the closed type enum.
// Malformed JSON and unknown types both fail; callers decide whether an
// unknown type is fatal for their transport.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, &errdefs.ValidationError{Field: "type", Reason: "missing"}
	}
	if !KnownType(f.Type) {
		return nil, &errdefs.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown value %q", f.Type)}
	}
	return &f, nil
}

// ConnectedPayload acknowledges a new connection on either transport.
type ConnectedPayload struct {
	ClientID  string `json:"clientId"`
	Timestamp string `json:"timestamp"`
}

// SubscribedPayload acks a subscribe/unsubscribe frame with the connection's
// current filter sets.
type SubscribedPayload struct {
	Workspaces []string `json:"workspaces"`
	Tasks      []string `json:"tasks"`
}

// SubscribeFilters is the payload of inbound subscribe/unsubscribe frames.
type SubscribeFilters struct {
	Workspaces []string `json:"workspaces,omitempty"`
	Tasks      []string `json:"tasks,omitempty"`
}

// TaskUpdatePayload carries one task's changed fields.
type TaskUpdatePayload struct {
	TaskID  string         `json:"task_id"`
	Changes map[string]any `json:"changes"`
	AgentID string         `json:"agent_id,omitempty"`
}

// Plan-update status values.
const (
	PlanStatusCreated  = "created"
	PlanStatusUpdated  = "updated"
	PlanStatusApproved = "approved"
	PlanStatusRejected = "rejected"
)

// PlanUpdatePayload carries a plan transition with the authoritative child
// list as stored. Shared by plan_update, plan_created, plan_approved, and
// plan_rejected envelopes.
type PlanUpdatePayload struct {
	ParentTaskID string       `json:"parent_task_id"`
	Subtasks     []store.Task `json:"subtasks"`
	Status       string       `json:"status"`
}

// ApprovalSubtask is the reduced child shape inside an approval request.
type ApprovalSubtask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ApprovalRequestPayload asks a human to resolve a pending plan.
type ApprovalRequestPayload struct {
	TaskID       string            `json:"task_id"`
	ParentTaskID string            `json:"parent_task_id,omitempty"`
	AgentID      string            `json:"agent_id"`
	PlanSummary  string            `json:"plan_summary"`
	Subtasks     []ApprovalSubtask `json:"subtasks"`
}

// ProgressUpdatePayload reports agent progress on one task.
type ProgressUpdatePayload struct {
	TaskID      string `json:"task_id"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"current_step,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
}

// PingPayload is the keepalive heartbeat; a timestamp and nothing else.
type PingPayload struct {
	Timestamp string `json:"timestamp"`
}

// Ping builds the keepalive envelope both transports push on their
// heartbeat interval.
func Ping() Envelope {
	now := time.Now().UTC().Format(time.RFC3339)
	return Envelope{Type: TypePing, Payload: PingPayload{Timestamp: now}, Timestamp: now}
}

// Connected builds the handshake envelope sent once per new connection.
func Connected(clientID string) Envelope {
	now := time.Now().UTC().Format(time.RFC3339)
	return Envelope{
		Type:      TypeConnected,
		Payload:   ConnectedPayload{ClientID: clientID, Timestamp: now},
		Timestamp: now,
	}
}

// PlanPayload builds the shared plan payload from a stored plan view.
func PlanPayload(plan *store.Plan, status string) PlanUpdatePayload {
	subtasks := plan.Subtasks
	if subtasks == nil {
		subtasks = []store.Task{}
	}
	return PlanUpdatePayload{
		ParentTaskID: plan.Parent.ID,
		Subtasks:     subtasks,
		Status:       status,
	}
}

// ApprovalPayload builds the approval-request payload from a stored plan view.
func ApprovalPayload(plan *store.Plan) ApprovalRequestPayload {
	subtasks := make([]ApprovalSubtask, 0, len(plan.Subtasks))
	for _, st := range plan.Subtasks {
		subtasks = append(subtasks, ApprovalSubtask{
			ID:          st.ID,
			Title:       st.Title,
			Description: st.Description,
		})
	}
	return ApprovalRequestPayload{
		TaskID:      plan.Parent.ID,
		AgentID:     plan.Parent.AgentID,
		PlanSummary: plan.Parent.Title,
		Subtasks:    subtasks,
	}
}
