package ws

import (
	"testing"

	"anniversary-collab/backend/internal/cache"
)

func bareConn() *Conn {
	return &Conn{send: make(chan OutboundMessage, 32)}
}

func TestHub_JoinBroadcastLeave(t *testing.T) {
	h := NewHub(nil)
	c1 := bareConn()
	c2 := bareConn()
	other := bareConn()

	h.Join("a-1", c1)
	h.Join("a-1", c2)
	h.Join("a-2", other)

	members := []cache.PresenceMember{{UserID: 1, Username: "a", Color: "#e6194b"}}
	h.BroadcastPresence("a-1", members)

	for i, c := range []*Conn{c1, c2} {
		select {
		case msg := <-c.send:
			sm := msg.(ServerMessage)
			if sm.Type != "presence" || sm.EntityID != "a-1" || len(sm.Members) != 1 {
				t.Fatalf("conn %d got %+v", i, sm)
			}
		default:
			t.Fatalf("conn %d received nothing", i)
		}
	}
	select {
	case msg := <-other.send:
		t.Fatalf("other room received %+v", msg)
	default:
	}

	h.Leave("a-1", c1)
	h.BroadcastPresence("a-1", members)
	select {
	case msg := <-c1.send:
		t.Fatalf("left conn received %+v", msg)
	default:
	}
	select {
	case <-c2.send:
	default:
		t.Fatal("remaining conn must still receive broadcasts")
	}
}

func TestConn_EnqueueDropsWhenFull(t *testing.T) {
	c := &Conn{send: make(chan OutboundMessage, 1)}
	c.Enqueue(ServerMessage{Type: "first"})
	c.Enqueue(ServerMessage{Type: "second"}) // 队列已满，直接丢

	msg := <-c.send
	if msg.MessageType() != "first" {
		t.Fatalf("got %q, want first message kept", msg.MessageType())
	}
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected extra message %+v", msg)
	default:
	}
}

func TestConn_EnqueueAfterCloseIsNoop(t *testing.T) {
	c := bareConn()
	c.closeSend()
	c.closeSend() // 幂等

	// 关闭后入队不得 panic
	c.Enqueue(ServerMessage{Type: "late"})
	if _, ok := <-c.send; ok {
		t.Fatal("send channel must be closed")
	}
}
