package collab

import (
	"testing"
	"time"
)

// 固定在线用户集合的会话索引
type staticIndex map[string][]uint64

func (s staticIndex) UsersOn(entityID string) []uint64 { return s[entityID] }

func TestRegistry_AnnounceAssignsColorOnce(t *testing.T) {
	col := &eventCollector{}
	r := NewRegistry(DefaultSettings(), col.emit)

	r.Announce(User{ID: 1, Username: "saoul"})
	u, ok := r.Get(1)
	if !ok || !u.Online || u.Color == "" {
		t.Fatalf("user = %+v, %v, want online with assigned color", u, ok)
	}
	first := u.Color

	// 重复宣告不换色、不重复发 user_joined
	r.Announce(User{ID: 1, Username: "saoul"})
	u, _ = r.Get(1)
	if u.Color != first {
		t.Fatalf("color changed %q -> %q", first, u.Color)
	}
	if len(col.events) != 1 || col.events[0].EventKind() != EventUserJoined {
		t.Fatalf("events = %v, want exactly one user_joined", col.kinds())
	}
}

func TestRegistry_AnnounceDistinctColors(t *testing.T) {
	r := NewRegistry(DefaultSettings(), nil)
	seen := make(map[string]bool)
	for i := uint64(1); i <= uint64(len(colorPalette)); i++ {
		r.Announce(User{ID: i})
		u, _ := r.Get(i)
		if seen[u.Color] {
			t.Fatalf("color %q assigned twice within palette size", u.Color)
		}
		seen[u.Color] = true
	}
}

func TestRegistry_AnnounceKeepsClientColor(t *testing.T) {
	r := NewRegistry(DefaultSettings(), nil)
	r.Announce(User{ID: 1, Color: "#123456"})
	u, _ := r.Get(1)
	if u.Color != "#123456" {
		t.Fatalf("color = %q, want client-provided color kept", u.Color)
	}
}

func TestRegistry_Heartbeat(t *testing.T) {
	r := NewRegistry(DefaultSettings(), nil)
	r.Announce(User{ID: 1})

	before, _ := r.Get(1)
	time.Sleep(time.Millisecond)
	if err := r.Heartbeat(1); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	after, _ := r.Get(1)
	if !after.LastSeen.After(before.LastSeen) {
		t.Fatal("Heartbeat must advance lastSeen")
	}

	if err := r.Heartbeat(99); err != ErrNotFound {
		t.Fatalf("unknown user error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Sweep(t *testing.T) {
	col := &eventCollector{}
	cfg := DefaultSettings()
	cfg.PresenceTimeout = 30 * time.Millisecond
	r := NewRegistry(cfg, col.emit)

	r.Announce(User{ID: 1, Username: "stale"})
	time.Sleep(40 * time.Millisecond)
	r.Announce(User{ID: 2, Username: "fresh"})
	col.reset()

	now := time.Now()
	r.Sweep(now)

	stale, _ := r.Get(1)
	fresh, _ := r.Get(2)
	if stale.Online {
		t.Fatal("stale user must be marked offline")
	}
	if !fresh.Online {
		t.Fatal("fresh user must survive the sweep")
	}
	if len(col.events) != 1 {
		t.Fatalf("events = %v, want one user_left", col.kinds())
	}
	left, ok := col.events[0].(UserLeftEvent)
	if !ok || left.UserID != 1 {
		t.Fatalf("event = %+v, want user_left for user 1", col.events[0])
	}

	// 同一 now 重扫：幂等
	col.reset()
	r.Sweep(now)
	if len(col.events) != 0 {
		t.Fatalf("repeat sweep emitted %v", col.kinds())
	}

	// 心跳让用户重新上线，再次发 user_joined
	r.Announce(User{ID: 1, Username: "stale"})
	if len(col.events) != 1 || col.events[0].EventKind() != EventUserJoined {
		t.Fatalf("events = %v, want user_joined after re-announce", col.kinds())
	}
}

func TestRegistry_ListOnline(t *testing.T) {
	r := NewRegistry(DefaultSettings(), nil)
	r.Announce(User{ID: 1, Username: "a"})
	r.Announce(User{ID: 2, Username: "b"})
	r.Announce(User{ID: 3, Username: "c"})

	idx := staticIndex{"a-1": {1, 2}}
	got := r.ListOnline("a-1", idx)
	if len(got) != 2 {
		t.Fatalf("ListOnline = %v, want users 1 and 2", got)
	}
	if got := r.ListOnline("a-2", idx); got != nil {
		t.Fatalf("ListOnline empty entity = %v, want nil", got)
	}
}

func TestRegistry_ListOnlineHiddenWhenDisabled(t *testing.T) {
	cfg := DefaultSettings()
	cfg.ShowOtherUsers = false
	r := NewRegistry(cfg, nil)
	r.Announce(User{ID: 1})

	if got := r.ListOnline("a-1", staticIndex{"a-1": {1}}); got != nil {
		t.Fatalf("ListOnline = %v, want nil when showOtherUsers is off", got)
	}
}

func TestRegistry_DisabledSyncIsInert(t *testing.T) {
	col := &eventCollector{}
	cfg := DefaultSettings()
	cfg.EnableRealtimeSync = false
	r := NewRegistry(cfg, col.emit)

	r.Announce(User{ID: 1})
	if _, ok := r.Get(1); ok {
		t.Fatal("disabled registry must not record users")
	}
	if err := r.Heartbeat(1); err != nil {
		t.Fatalf("Heartbeat() error = %v, want silent no-op", err)
	}
	r.Sweep(time.Now())
	if len(col.events) != 0 {
		t.Fatalf("events = %v, want none", col.kinds())
	}
}
