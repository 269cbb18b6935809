package runstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/flowmill/flowmill/pkg/types"
)

func newRun(id string) *types.Run {
	return &types.Run{ID: id, Status: types.RunStatusPending}
}

func TestCreateAndGetRun(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("create run: %v", err)
	}

	run, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != types.RunStatusPending {
		t.Fatalf("status = %s, want pending", run.Status)
	}
	if run.CreatedAt.IsZero() || run.UpdatedAt.IsZero() {
		t.Fatal("timestamps must be set on create")
	}

	if err := s.CreateRun(ctx, newRun("r1")); err == nil {
		t.Fatal("duplicate run id must be rejected")
	}

	if _, err := s.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestUpdateRunStatusSetsTimes(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("create run: %v", err)
	}

	started := time.Now().UTC().Format(time.RFC3339)
	if err := s.UpdateRunStatus(ctx, "r1", types.RunStatusRunning, "", &started, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}

	finished := time.Now().UTC().Format(time.RFC3339)
	if err := s.UpdateRunStatus(ctx, "r1", types.RunStatusFailed, "node x: boom", nil, &finished); err != nil {
		t.Fatalf("update status: %v", err)
	}

	run, _ := s.GetRun(ctx, "r1")
	if run.Status != types.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.Error != "node x: boom" {
		t.Fatalf("error = %q", run.Error)
	}
	if run.StartedAt == nil || run.FinishedAt == nil {
		t.Fatal("started/finished timestamps must survive the update")
	}
}

func TestRecordsAreIsolatedCopies(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("create run: %v", err)
	}

	rec := &types.NodeExecutionRecord{
		NodeID: "n1",
		Status: types.NodeStatusRunning,
		Output: types.OutputData{types.MainHandle: types.ItemList{{"v": 1}}},
	}
	if err := s.UpdateRecord(ctx, "r1", rec); err != nil {
		t.Fatalf("update record: %v", err)
	}

	// mutating the caller's record must not leak into the store
	rec.Status = types.NodeStatusFailed
	rec.Output["extra"] = types.ItemList{}

	got, err := s.GetRecord(ctx, "r1", "n1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Status != types.NodeStatusRunning {
		t.Fatalf("stored status = %s, caller mutation leaked in", got.Status)
	}
	if _, ok := got.Output["extra"]; ok {
		t.Fatal("stored output map shared with caller")
	}

	if _, err := s.GetRecord(ctx, "r1", "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	all, err := s.ListRecords(ctx, "r1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(all) != 1 || all["n1"] == nil {
		t.Fatalf("list records = %v", all)
	}
}

func TestAppendEventAssignsMonotonicIDs(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("create run: %v", err)
	}

	for i := 0; i < 3; i++ {
		evt, err := s.AppendEvent(ctx, "r1", &types.EventInput{
			Type: types.EventTypeLog,
			Data: map[string]interface{}{"i": i},
		})
		if err != nil {
			t.Fatalf("append event: %v", err)
		}
		want := fmt.Sprintf("%d", i+1)
		if evt.ID != want {
			t.Fatalf("event id = %s, want %s", evt.ID, want)
		}
	}
}

func TestEventBufferIsBounded(t *testing.T) {
	s := NewMemoryStore(&Config{EventMaxLen: 3})
	ctx := context.Background()
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("create run: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(ctx, "r1", &types.EventInput{Type: types.EventTypeLog}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := s.GetEventsSince(ctx, "r1", "")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("buffer holds %d events, want 3", len(events))
	}
	// oldest entries evicted, ids keep counting
	if events[0].ID != "3" || events[2].ID != "5" {
		t.Fatalf("events = [%s..%s], want [3..5]", events[0].ID, events[2].ID)
	}
}

func TestGetEventsSinceResumes(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("create run: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := s.AppendEvent(ctx, "r1", &types.EventInput{Type: types.EventTypeLog}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := s.GetEventsSince(ctx, "r1", "2")
	if err != nil {
		t.Fatalf("get events since: %v", err)
	}
	if len(events) != 2 || events[0].ID != "3" || events[1].ID != "4" {
		t.Fatalf("resume after 2 returned %d events starting at %s", len(events), events[0].ID)
	}

	// unknown cursor returns nothing rather than replaying everything
	events, _ = s.GetEventsSince(ctx, "r1", "999")
	if len(events) != 0 {
		t.Fatalf("unknown cursor returned %d events", len(events))
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("create run: %v", err)
	}

	ch, cleanup, err := s.Subscribe(ctx, "r1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	if _, err := s.AppendEvent(ctx, "r1", &types.EventInput{Type: types.EventTypeNodeStatus, NodeID: "n1"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.NodeID != "n1" || evt.Type != types.EventTypeNodeStatus {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestSubscribersClosedOnTerminalStatus(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("create run: %v", err)
	}

	ch, cleanup, err := s.Subscribe(ctx, "r1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	if err := s.UpdateRunStatus(ctx, "r1", types.RunStatusSucceeded, "", nil, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected channel close, got an event")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed on terminal status")
	}
}

func TestDeleteRunRemovesStateAndClosesSubscribers(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("create run: %v", err)
	}

	ch, cleanup, err := s.Subscribe(ctx, "r1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	if err := s.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("delete run: %v", err)
	}

	if _, err := s.GetRun(ctx, "r1"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound after delete, got %v", err)
	}
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected channel close on delete")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed on delete")
	}

	if err := s.DeleteRun(ctx, "r1"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("second delete: %v, want ErrRunNotFound", err)
	}
}

func TestSubscribeAfterTerminalReturnsClosedChannel(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, "r1", types.RunStatusCancelled, "run cancelled", nil, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}

	ch, cleanup, err := s.Subscribe(ctx, "r1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected an already-closed channel")
		}
	default:
		t.Fatal("channel from a finished run must be closed, not empty")
	}
}
