package bus

import (
	"testing"
)

func TestPublishReachesGroupMembers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe(4)
	sub2 := b.Subscribe(4)
	b.Join(sub1, SessionGroup("s1"))
	b.Join(sub2, SessionGroup("s1"))

	b.Publish(SessionGroup("s1"), Frame{Type: "chat_ready"})

	for i, sub := range []*Subscriber{sub1, sub2} {
		select {
		case f := <-sub.C():
			if f.Type != "chat_ready" {
				t.Errorf("sub%d got %q", i+1, f.Type)
			}
		default:
			t.Errorf("sub%d received nothing", i+1)
		}
	}
}

func TestPublishSkipsOtherGroups(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	b.Join(sub, UserGroup("u1", "seeker"))

	b.Publish(UserGroup("u2", "seeker"), Frame{Type: "work_assigned"})

	select {
	case f := <-sub.C():
		t.Errorf("unexpected frame %q", f.Type)
	default:
	}
}

func TestOrderPreservedPerSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(8)
	b.Join(sub, SessionGroup("s1"))

	for _, typ := range []string{"a", "b", "c"} {
		b.Publish(SessionGroup("s1"), Frame{Type: typ})
	}

	for _, want := range []string{"a", "b", "c"} {
		got := <-sub.C()
		if got.Type != want {
			t.Errorf("got %q, want %q", got.Type, want)
		}
	}
}

func TestLossyFrameDroppedOnFullBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	b.Join(sub, SessionGroup("s1"))

	b.Publish(SessionGroup("s1"), Frame{Type: "distance_update", Lossy: true})
	b.Publish(SessionGroup("s1"), Frame{Type: "distance_update", Lossy: true})

	// First frame delivered, second dropped, channel still open.
	<-sub.C()
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected empty channel, got a frame")
		} else {
			t.Error("channel closed for a lossy overflow")
		}
	default:
	}
}

func TestLosslessOverflowKillsSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	b.Join(sub, SessionGroup("s1"))

	b.Publish(SessionGroup("s1"), Frame{Type: "chat_message"})
	b.Publish(SessionGroup("s1"), Frame{Type: "chat_message"})

	// Drain the buffered frame; the channel must then be closed.
	<-sub.C()
	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel after lossless overflow")
	}
	if n := b.GroupSize(SessionGroup("s1")); n != 0 {
		t.Errorf("expected subscriber removed from group, size=%d", n)
	}
}

func TestUnsubscribeLeavesAllGroups(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	b.Join(sub, UserGroup("u1", "provider"))
	b.Join(sub, SessionGroup("s1"))

	b.Unsubscribe(sub)

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel")
	}
	if b.GroupSize(UserGroup("u1", "provider")) != 0 || b.GroupSize(SessionGroup("s1")) != 0 {
		t.Error("expected empty groups after unsubscribe")
	}
}
