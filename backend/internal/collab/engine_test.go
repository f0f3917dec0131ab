package collab

import (
	"context"
	"sync"
	"testing"
	"time"
)

// 记录落库调用的 EditSink
type memorySink struct {
	mu    sync.Mutex
	saved []RealtimeEdit
}

func (s *memorySink) SaveEdit(_ context.Context, edit RealtimeEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, edit)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func newTestEngine(t *testing.T, mutate func(*Settings)) *Engine {
	t.Helper()
	cfg := DefaultSettings()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func drainEvents(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func submit(t *testing.T, e *Engine, s EditingSession, field string, kind OpKind, pos, length int, content string, baseSeq uint64, at time.Time) RealtimeEdit {
	t.Helper()
	stored, err := e.SubmitEdit(context.Background(), RealtimeEdit{
		SessionID: s.ID, UserID: s.UserID, EntityID: s.EntityID, Field: field,
		Kind: kind, Position: pos, Length: length, Content: content,
		BaseSeq: baseSeq, At: at,
	})
	if err != nil {
		t.Fatalf("SubmitEdit() error = %v", err)
	}
	return stored
}

func TestEngine_SubmitEditAppliesAndBroadcasts(t *testing.T) {
	e := newTestEngine(t, nil)
	s, _ := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "title")

	sub := e.Subscribe("a-1")
	defer sub.Cancel()

	e.SeedField("a-1", "title", "World")
	stored := submit(t, e, s, "title", OpInsert, 0, 0, "Happy ", 0, time.Now())

	if stored.Seq != 1 {
		t.Fatalf("Seq = %d, want 1", stored.Seq)
	}
	if got := e.FieldContent("a-1", "title"); got != "Happy World" {
		t.Fatalf("FieldContent = %q, want %q", got, "Happy World")
	}

	events := drainEvents(sub)
	if len(events) != 1 {
		t.Fatalf("events = %d, want one field_changed", len(events))
	}
	fc, ok := events[0].(FieldChangedEvent)
	if !ok || fc.Edit == nil || fc.Edit.ID != stored.ID || fc.Content != "Happy World" {
		t.Fatalf("event = %+v, want field_changed carrying the edit", events[0])
	}
}

func TestEngine_ConflictLastWriterWins(t *testing.T) {
	e := newTestEngine(t, nil)
	e.SeedField("a-1", "title", "Hello world")
	s1, _ := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "title")
	s2, _ := e.StartEditing(User{ID: 2, Username: "b"}, "a-1", "", "title")

	sub := e.Subscribe("a-1")
	defer sub.Cancel()

	base := time.Now()
	// 两人都基于 seq=0 的内容改写 [0,5)；后写者（时间更晚）完整生效
	submit(t, e, s1, "title", OpReplace, 0, 5, "Howdy", 0, base)
	submit(t, e, s2, "title", OpReplace, 0, 5, "Hiya!", 0, base.Add(time.Millisecond))

	if got := e.FieldContent("a-1", "title"); got != "Hiya! world" {
		t.Fatalf("FieldContent = %q, want %q", got, "Hiya! world")
	}

	// 事件序列：s1 的正常应用、s2 胜出的应用、针对 s1 的 superseded 通知
	var superseded []FieldChangedEvent
	for _, ev := range drainEvents(sub) {
		if fc, ok := ev.(FieldChangedEvent); ok && fc.Superseded {
			superseded = append(superseded, fc)
		}
	}
	if len(superseded) != 1 {
		t.Fatalf("superseded events = %d, want 1", len(superseded))
	}
	if superseded[0].TargetSessionID != s1.ID {
		t.Fatalf("superseded target = %q, want loser session %q", superseded[0].TargetSessionID, s1.ID)
	}
	if superseded[0].Content != "Hiya! world" {
		t.Fatalf("superseded content = %q, want winning content", superseded[0].Content)
	}
}

func TestEngine_ConflictManualQueuesPending(t *testing.T) {
	e := newTestEngine(t, func(s *Settings) { s.ConflictResolution = PolicyManual })
	e.SeedField("a-1", "title", "Hello world")
	s1, _ := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "title")
	s2, _ := e.StartEditing(User{ID: 2, Username: "b"}, "a-1", "", "title")

	sub := e.Subscribe("a-1")
	defer sub.Cancel()

	base := time.Now()
	submit(t, e, s1, "title", OpReplace, 0, 5, "Howdy", 0, base)
	submit(t, e, s2, "title", OpReplace, 0, 5, "Hiya!", 0, base.Add(time.Millisecond))

	// 内容回到冲突前状态，双方操作都进入待仲裁队列
	if got := e.FieldContent("a-1", "title"); got != "Hello world" {
		t.Fatalf("FieldContent = %q, want pre-conflict %q", got, "Hello world")
	}
	pending := e.PendingConflicts("a-1", "title")
	if len(pending) != 2 {
		t.Fatalf("PendingConflicts = %d, want 2", len(pending))
	}

	var withCandidates int
	for _, ev := range drainEvents(sub) {
		if fc, ok := ev.(FieldChangedEvent); ok && len(fc.Candidates) == 2 {
			withCandidates++
		}
	}
	if withCandidates != 1 {
		t.Fatalf("candidate events = %d, want 1", withCandidates)
	}
}

func TestEngine_ConflictAutoMergesBothEdits(t *testing.T) {
	e := newTestEngine(t, func(s *Settings) { s.ConflictResolution = PolicyAuto })
	e.SeedField("a-1", "note", "0123456789")
	s1, _ := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "note")
	s2, _ := e.StartEditing(User{ID: 2, Username: "b"}, "a-1", "", "note")

	base := time.Now()
	// 重叠删除：重叠区间只删一次
	submit(t, e, s1, "note", OpDelete, 0, 6, "", 0, base)
	submit(t, e, s2, "note", OpDelete, 3, 6, "", 0, base.Add(time.Millisecond))

	if got := e.FieldContent("a-1", "note"); got != "9" {
		t.Fatalf("FieldContent = %q, want %q", got, "9")
	}
}

func TestEngine_ChainedConflictsResolveAgainstCurrentContent(t *testing.T) {
	e := newTestEngine(t, func(s *Settings) { s.ConflictResolution = PolicyAuto })
	e.SeedField("a-1", "note", "0123456789")
	s1, _ := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "note")
	s2, _ := e.StartEditing(User{ID: 2, Username: "b"}, "a-1", "", "note")
	s3, _ := e.StartEditing(User{ID: 3, Username: "c"}, "a-1", "", "note")

	base := time.Now()
	submit(t, e, s1, "note", OpDelete, 0, 6, "", 0, base)
	submit(t, e, s2, "note", OpDelete, 3, 6, "", 0, base.Add(time.Millisecond))
	if got := e.FieldContent("a-1", "note"); got != "9" {
		t.Fatalf("FieldContent = %q, want %q", got, "9")
	}

	// 第三个并发操作必须基于前一轮解决后的内容参与冲突解决，
	// 不能让已删除的文本复活
	submit(t, e, s3, "note", OpDelete, 0, 1, "", 0, base.Add(2*time.Millisecond))
	if got := e.FieldContent("a-1", "note"); got != "9" {
		t.Fatalf("after chained conflict FieldContent = %q, want %q", got, "9")
	}
}

func TestEngine_StaleButDisjointEditNotAConflict(t *testing.T) {
	e := newTestEngine(t, nil)
	e.SeedField("a-1", "note", "Hello world")
	s1, _ := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "note")
	s2, _ := e.StartEditing(User{ID: 2, Username: "b"}, "a-1", "", "note")

	base := time.Now()
	submit(t, e, s1, "note", OpReplace, 0, 5, "Howdy", 0, base)
	// 基于旧序列号，但区间不重叠：正常应用，不触发冲突解决
	submit(t, e, s2, "note", OpInsert, 11, 0, "!", 0, base.Add(time.Millisecond))

	if got := e.FieldContent("a-1", "note"); got != "Howdy world!" {
		t.Fatalf("FieldContent = %q, want %q", got, "Howdy world!")
	}
}

func TestEngine_IdleSessionSweep(t *testing.T) {
	e := newTestEngine(t, func(s *Settings) { s.PresenceTimeout = 30 * time.Millisecond })
	s, _ := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "title")
	submit(t, e, s, "title", OpInsert, 0, 0, "Happy ", 0, time.Now())

	sub := e.Subscribe("a-1")
	defer sub.Cancel()

	time.Sleep(40 * time.Millisecond)
	e.Sweep(time.Now())

	if _, ok := e.Session(s.ID); ok {
		t.Fatal("idle session must be reclaimed")
	}
	var idleStops int
	for _, ev := range drainEvents(sub) {
		if st, ok := ev.(EditingStoppedEvent); ok && st.Reason == StopReasonIdle {
			idleStops++
		}
	}
	if idleStops != 1 {
		t.Fatalf("idle stops = %d, want 1", idleStops)
	}
	// 日志与内容保留，不随会话回收
	if e.LatestSeq("a-1", "title") != 1 {
		t.Fatalf("LatestSeq = %d, want edit retained", e.LatestSeq("a-1", "title"))
	}
	if got := e.FieldContent("a-1", "title"); got != "Happy " {
		t.Fatalf("FieldContent = %q, want retained", got)
	}
}

func TestEngine_CatchUp(t *testing.T) {
	e := newTestEngine(t, nil)
	s, _ := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "note")

	at := time.Now()
	for i := 0; i < 3; i++ {
		submit(t, e, s, "note", OpInsert, i, 0, "x", uint64(i), at.Add(time.Duration(i)*time.Millisecond))
	}

	var got []uint64
	for edit := range e.CatchUp("a-1", "note", 1) {
		got = append(got, edit.Seq)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("CatchUp(1) seqs = %v, want [2 3]", got)
	}
	if e.LatestSeq("a-1", "note") != 3 {
		t.Fatalf("LatestSeq = %d, want 3", e.LatestSeq("a-1", "note"))
	}
}

func TestEngine_SeedFieldDoesNotOverwriteHistory(t *testing.T) {
	e := newTestEngine(t, nil)
	s, _ := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "title")

	e.SeedField("a-1", "title", "first")
	submit(t, e, s, "title", OpInsert, 5, 0, "!", 0, time.Now())
	e.SeedField("a-1", "title", "second")

	if got := e.FieldContent("a-1", "title"); got != "first!" {
		t.Fatalf("FieldContent = %q, re-seed must not clobber edited field", got)
	}
}

func TestEngine_SinkReceivesStoredEdits(t *testing.T) {
	sink := &memorySink{}
	cfg := DefaultSettings()
	e, err := NewEngine(cfg, sink, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	s, _ := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "title")
	stored := submit(t, e, s, "title", OpInsert, 0, 0, "x", 0, time.Now())

	if sink.count() != 1 {
		t.Fatalf("sink saved %d edits, want 1", sink.count())
	}
	if sink.saved[0].ID != stored.ID || sink.saved[0].Seq != stored.Seq {
		t.Fatalf("sink saw %+v, want stored edit", sink.saved[0])
	}
}

func TestEngine_IndicatorsRespectVisibility(t *testing.T) {
	e := newTestEngine(t, func(s *Settings) {
		s.ShowUserNames = false
		s.ShowCursors = false
	})
	s, _ := e.StartEditing(User{ID: 1, Username: "secret"}, "a-1", "", "title")
	if err := e.MoveCursor(s.ID, "title", 2); err != nil {
		t.Fatalf("MoveCursor() error = %v", err)
	}

	inds := e.Indicators("a-1")
	if len(inds) != 1 {
		t.Fatalf("Indicators = %d, want 1", len(inds))
	}
	if inds[0].Username != "" {
		t.Fatal("username must be hidden when showUserNames is off")
	}
	if inds[0].Cursor != nil || inds[0].Selection != nil {
		t.Fatal("cursor must be hidden when showCursors is off")
	}

	hidden := newTestEngine(t, func(s *Settings) { s.ShowOtherUsers = false })
	hidden.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "title")
	if got := hidden.Indicators("a-1"); got != nil {
		t.Fatalf("Indicators = %v, want nil when showOtherUsers is off", got)
	}
}

func TestEngine_DisabledSyncIsFullyInert(t *testing.T) {
	e := newTestEngine(t, func(s *Settings) { s.EnableRealtimeSync = false })

	sub := e.Subscribe("a-1")
	defer sub.Cancel()

	e.Announce(User{ID: 1, Username: "a"})
	s, err := e.StartEditing(User{ID: 1, Username: "a"}, "a-1", "", "title")
	if err != nil || s.ID != "" {
		t.Fatalf("StartEditing() = %+v, %v, want silent zero value", s, err)
	}
	stored, err := e.SubmitEdit(context.Background(), RealtimeEdit{
		SessionID: "any", EntityID: "a-1", Field: "title", Kind: OpInsert, Content: "x",
	})
	if err != nil || stored.Seq != 0 {
		t.Fatalf("SubmitEdit() = %+v, %v, want silent no-op", stored, err)
	}
	if got := e.FieldContent("a-1", "title"); got != "" {
		t.Fatalf("FieldContent = %q, want empty", got)
	}
	if got := e.ListOnline("a-1"); got != nil {
		t.Fatalf("ListOnline = %v, want nil", got)
	}
	if events := drainEvents(sub); len(events) != 0 {
		t.Fatalf("events = %d, want none", len(events))
	}
}

func TestEngine_RejectsInvalidSettings(t *testing.T) {
	cfg := DefaultSettings()
	cfg.ConflictResolution = "vote"
	if _, err := NewEngine(cfg, nil, nil); err == nil {
		t.Fatal("NewEngine must reject unknown conflict policy")
	}
}
