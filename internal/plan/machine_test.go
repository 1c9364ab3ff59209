package plan_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/errdefs"
	"github.com/basket/taskdeck/internal/hub"
	"github.com/basket/taskdeck/internal/plan"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/stream"
	"github.com/basket/taskdeck/internal/wire"
)

// captureTransport records every frame the hub writes to it.
type captureTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureTransport) WriteFrame(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *captureTransport) CloseNow() {}

func (c *captureTransport) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	store   *store.Store
	hub     *hub.Hub
	streams *stream.Registry
	bus     *bus.Bus
	machine *plan.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskdeck.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := hub.New(hub.Options{PingInterval: time.Hour})
	t.Cleanup(h.Stop)
	streams := stream.New(stream.Options{PingInterval: time.Hour})
	t.Cleanup(streams.Stop)
	b := bus.New()

	return &fixture{
		store:   st,
		hub:     h,
		streams: streams,
		bus:     b,
		machine: plan.New(st, h, streams, plan.Options{Bus: b}),
	}
}

func shipV2Draft() plan.Draft {
	return plan.Draft{
		Title:   "Ship v2",
		AgentID: "dev",
		Subtasks: []plan.SubtaskDraft{
			{Title: "Write tests"},
			{Title: "Update docs"},
		},
	}
}

func hasTag(task store.Task, tag string) bool {
	for _, t := range task.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func TestCreatePlan_AssignsIdsAndStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.machine.CreatePlan(ctx, shipV2Draft())
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	parent := created.Parent
	if parent.ID == "" {
		t.Fatal("expected parent id to be assigned")
	}
	if parent.Status != store.StatusPendingApproval {
		t.Fatalf("parent status = %q, want pending_approval", parent.Status)
	}
	if parent.ApprovalStatus != store.ApprovalPending {
		t.Fatalf("parent approval = %q, want pending", parent.ApprovalStatus)
	}
	if parent.Source != store.SourceAgent {
		t.Fatalf("parent source = %q, want agent", parent.Source)
	}
	if parent.WorkspaceID != store.DefaultWorkspace {
		t.Fatalf("parent workspace = %q, want default", parent.WorkspaceID)
	}
	if !hasTag(parent, store.TagAgentic) {
		t.Fatalf("parent tags = %v, want agentic marker", parent.Tags)
	}

	if len(created.Subtasks) != 2 {
		t.Fatalf("subtask count = %d, want 2", len(created.Subtasks))
	}
	for i, child := range created.Subtasks {
		if child.ID == "" || child.ID == parent.ID {
			t.Fatalf("child %d id = %q, want fresh id", i, child.ID)
		}
		if child.ParentTaskID != parent.ID {
			t.Fatalf("child %d parent ref = %q, want %q", i, child.ParentTaskID, parent.ID)
		}
		if child.Position != i {
			t.Fatalf("child %d position = %d, want %d", i, child.Position, i)
		}
		if child.Status != store.StatusPendingApproval || child.ApprovalStatus != store.ApprovalPending {
			t.Fatalf("child %d state = %s/%s, want pending_approval/pending", i, child.Status, child.ApprovalStatus)
		}
		if !hasTag(child, store.TagAgentic) {
			t.Fatalf("child %d tags = %v, want agentic marker", i, child.Tags)
		}
	}
	if created.Subtasks[0].Title != "Write tests" || created.Subtasks[1].Title != "Update docs" {
		t.Fatalf("subtasks out of submitted order: %q, %q", created.Subtasks[0].Title, created.Subtasks[1].Title)
	}
}

func TestCreatePlan_RequiresSubtasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreatePlan(ctx, plan.Draft{Title: "Empty plan", AgentID: "dev"})
	if !errdefs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, total, err := f.store.ListTasks(ctx, store.DefaultWorkspace, "", 10, 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected nothing written after invalid draft, found %d tasks", total)
	}
}

func TestCreatePlan_BroadcastsToBothTransports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	transport := &captureTransport{}
	f.hub.Register(transport)
	streamClient := f.streams.Register()

	created, err := f.machine.CreatePlan(ctx, shipV2Draft())
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	// Socket side: connected handshake, then plan_created, then approval_request.
	waitFor(t, "socket frames", func() bool { return len(transport.take()) >= 3 })
	frames := transport.take()
	types := make([]string, 0, len(frames))
	for _, raw := range frames {
		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			t.Fatalf("decode socket frame: %v", err)
		}
		types = append(types, frame.Type)
	}
	if types[0] != wire.TypeConnected || types[1] != wire.TypePlanCreated || types[2] != wire.TypeApprovalRequest {
		t.Fatalf("socket frame order = %v", types)
	}

	frame, err := wire.DecodeFrame(frames[1])
	if err != nil {
		t.Fatalf("decode plan_created: %v", err)
	}
	var payload wire.PlanUpdatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("unmarshal plan_created payload: %v", err)
	}
	if payload.ParentTaskID != created.Parent.ID {
		t.Fatalf("plan_created parent = %q, want %q", payload.ParentTaskID, created.Parent.ID)
	}
	if payload.Status != wire.PlanStatusCreated {
		t.Fatalf("plan_created status = %q, want created", payload.Status)
	}

	// Stream side sees the same envelopes after its own handshake.
	for _, want := range []string{wire.TypeConnected, wire.TypePlanCreated, wire.TypeApprovalRequest} {
		select {
		case raw := <-streamClient.Frames():
			got, err := wire.DecodeFrame(raw)
			if err != nil {
				t.Fatalf("decode stream frame: %v", err)
			}
			if got.Type != want {
				t.Fatalf("stream frame type = %q, want %q", got.Type, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for stream %s frame", want)
		}
	}
}

func TestApprove_CascadesToChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.machine.CreatePlan(ctx, shipV2Draft())
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	resolved, err := f.machine.Approve(ctx, created.Parent.ID, "alice")
	if err != nil {
		t.Fatalf("approve plan: %v", err)
	}

	if resolved.Parent.Status != store.StatusInbox || resolved.Parent.ApprovalStatus != store.ApprovalApproved {
		t.Fatalf("parent state = %s/%s, want inbox/approved", resolved.Parent.Status, resolved.Parent.ApprovalStatus)
	}
	if resolved.Parent.ApprovedBy != "alice" {
		t.Fatalf("approver = %q, want alice", resolved.Parent.ApprovedBy)
	}
	if resolved.Parent.ApprovedAt == nil {
		t.Fatal("expected approval timestamp on parent")
	}
	for i, child := range resolved.Subtasks {
		if child.Status != store.StatusInbox || child.ApprovalStatus != store.ApprovalApproved {
			t.Fatalf("child %d state = %s/%s, want inbox/approved", i, child.Status, child.ApprovalStatus)
		}
	}
}

func TestApprove_DoubleResolveConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.machine.CreatePlan(ctx, shipV2Draft())
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if _, err := f.machine.Approve(ctx, created.Parent.ID, "alice"); err != nil {
		t.Fatalf("first approve: %v", err)
	}

	_, err = f.machine.Approve(ctx, created.Parent.ID, "bob")
	if !errdefs.IsInvalidState(err) {
		t.Fatalf("expected invalid-state error on double approve, got %v", err)
	}
	_, err = f.machine.Reject(ctx, created.Parent.ID, "bob", "too late")
	if !errdefs.IsInvalidState(err) {
		t.Fatalf("expected invalid-state error on reject after approve, got %v", err)
	}

	// The losing calls must not have touched the records.
	current, err := f.store.GetPlan(ctx, created.Parent.ID)
	if err != nil {
		t.Fatalf("re-read plan: %v", err)
	}
	if current.Parent.ApprovedBy != "alice" {
		t.Fatalf("approver = %q after conflict, want alice", current.Parent.ApprovedBy)
	}
	if current.Parent.ApprovalStatus != store.ApprovalApproved {
		t.Fatalf("approval = %q after conflict, want approved", current.Parent.ApprovalStatus)
	}
}

func TestReject_RecordsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	streamClient := f.streams.Register()
	drain(t, streamClient) // connected handshake

	created, err := f.machine.CreatePlan(ctx, shipV2Draft())
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	drain(t, streamClient) // plan_created
	drain(t, streamClient) // approval_request

	resolved, err := f.machine.Reject(ctx, created.Parent.ID, "alice", "scope too broad")
	if err != nil {
		t.Fatalf("reject plan: %v", err)
	}

	if resolved.Parent.Status != store.StatusBlocked || resolved.Parent.ApprovalStatus != store.ApprovalRejected {
		t.Fatalf("parent state = %s/%s, want blocked/rejected", resolved.Parent.Status, resolved.Parent.ApprovalStatus)
	}
	for i, child := range resolved.Subtasks {
		if child.Status != store.StatusBlocked || child.ApprovalStatus != store.ApprovalRejected {
			t.Fatalf("child %d state = %s/%s, want blocked/rejected", i, child.Status, child.ApprovalStatus)
		}
	}

	raw := drain(t, streamClient)
	frame, err := wire.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode stream frame: %v", err)
	}
	if frame.Type != wire.TypePlanRejected {
		t.Fatalf("stream frame type = %q, want plan_rejected", frame.Type)
	}
	var payload wire.PlanUpdatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("unmarshal plan_rejected payload: %v", err)
	}
	if payload.Status != wire.PlanStatusRejected {
		t.Fatalf("payload status = %q, want rejected", payload.Status)
	}
	if len(payload.Subtasks) != 2 {
		t.Fatalf("payload subtasks = %d, want 2", len(payload.Subtasks))
	}

	acts, err := f.store.ListActivities(ctx, created.Parent.ID, 10)
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	found := false
	for _, act := range acts {
		if act.Kind == store.ActivityPlanRejected {
			found = true
			if want := "plan rejected by alice: scope too broad"; act.Message != want {
				t.Fatalf("rejection activity = %q, want %q", act.Message, want)
			}
		}
	}
	if !found {
		t.Fatalf("no rejection activity recorded: %v", acts)
	}
}

func TestResolve_UnknownPlanNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Approve(ctx, "no-such-plan", "alice")
	if !errdefs.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

// Child ids travel in every plan payload, so clients can hand one back to the
// resolve endpoints. Only the parent id names the plan.
func TestResolve_ChildIDIsNotAPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	streamClient := f.streams.Register()
	drain(t, streamClient) // connected handshake

	created, err := f.machine.CreatePlan(ctx, shipV2Draft())
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	drain(t, streamClient) // plan_created
	drain(t, streamClient) // approval_request
	childID := created.Subtasks[0].ID

	if _, err := f.machine.Approve(ctx, childID, "bob"); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not-found error approving child id, got %v", err)
	}
	if _, err := f.machine.Reject(ctx, childID, "bob", "wrong id"); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not-found error rejecting child id, got %v", err)
	}

	current, err := f.store.GetPlan(ctx, created.Parent.ID)
	if err != nil {
		t.Fatalf("re-read plan: %v", err)
	}
	if current.Parent.ApprovalStatus != store.ApprovalPending || current.Parent.Status != store.StatusPendingApproval {
		t.Fatalf("parent state = %s/%s, want pending_approval/pending", current.Parent.Status, current.Parent.ApprovalStatus)
	}
	for i, child := range current.Subtasks {
		if child.ApprovalStatus != store.ApprovalPending || child.Status != store.StatusPendingApproval {
			t.Fatalf("child %d state = %s/%s, want pending_approval/pending", i, child.Status, child.ApprovalStatus)
		}
		if child.ApprovedBy != "" {
			t.Fatalf("child %d carries approver %q", i, child.ApprovedBy)
		}
	}

	// No resolve broadcast may have fired.
	select {
	case raw := <-streamClient.Frames():
		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			t.Fatalf("decode unexpected frame: %v", err)
		}
		t.Fatalf("unexpected %s frame after failed resolve", frame.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

// Broadcast payloads must match a plain re-read of the same parent exactly.
func TestBroadcastMatchesStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	transport := &captureTransport{}
	f.hub.Register(transport)

	created, err := f.machine.CreatePlan(ctx, shipV2Draft())
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if _, err := f.machine.Approve(ctx, created.Parent.ID, "alice"); err != nil {
		t.Fatalf("approve plan: %v", err)
	}

	// connected, plan_created, approval_request, plan_update
	waitFor(t, "plan_update frame", func() bool { return len(transport.take()) >= 4 })
	frames := transport.take()
	frame, err := wire.DecodeFrame(frames[3])
	if err != nil {
		t.Fatalf("decode plan_update: %v", err)
	}
	if frame.Type != wire.TypePlanUpdate {
		t.Fatalf("frame type = %q, want plan_update", frame.Type)
	}
	var payload wire.PlanUpdatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("unmarshal plan_update payload: %v", err)
	}

	stored, err := f.store.GetPlan(ctx, created.Parent.ID)
	if err != nil {
		t.Fatalf("re-read plan: %v", err)
	}
	if len(payload.Subtasks) != len(stored.Subtasks) {
		t.Fatalf("broadcast carries %d subtasks, store holds %d", len(payload.Subtasks), len(stored.Subtasks))
	}
	for i := range stored.Subtasks {
		a, b := payload.Subtasks[i], stored.Subtasks[i]
		if a.ID != b.ID || a.Title != b.Title || a.Position != b.Position ||
			a.Status != b.Status || a.ApprovalStatus != b.ApprovalStatus ||
			a.ParentTaskID != b.ParentTaskID || a.WorkspaceID != b.WorkspaceID {
			t.Fatalf("subtask %d drifted: broadcast %+v store %+v", i, a, b)
		}
	}
}

func TestCreatePlan_EmitsBusEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := f.bus.Subscribe("plan.")
	defer f.bus.Unsubscribe(sub)

	created, err := f.machine.CreatePlan(ctx, shipV2Draft())
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicPlanCreated {
			t.Fatalf("bus topic = %q, want %q", ev.Topic, bus.TopicPlanCreated)
		}
		planEv, ok := ev.Payload.(bus.PlanEvent)
		if !ok {
			t.Fatalf("bus payload type %T, want bus.PlanEvent", ev.Payload)
		}
		if planEv.ParentTaskID != created.Parent.ID {
			t.Fatalf("bus event parent = %q, want %q", planEv.ParentTaskID, created.Parent.ID)
		}
		if len(planEv.SubtaskTitles) != 2 {
			t.Fatalf("bus event subtask titles = %v, want 2", planEv.SubtaskTitles)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for plan.created bus event")
	}
}

func drain(t *testing.T, c *stream.Client) []byte {
	t.Helper()
	select {
	case raw := <-c.Frames():
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream frame")
		return nil
	}
}
