package store

import (
	"context"
	"testing"
)

func mustUpsertConv(t *testing.T, s *Store, id string, muted bool) {
	t.Helper()
	err := s.UpsertConversation(context.Background(), ConversationRow{
		ConversationID:   id,
		ConversationType: "single",
		IsMuted:          muted,
		CreateTime:       1,
		UpdateTime:       1,
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

// TestUnreadAccountingWithMute mirrors spec §8 scenario 5 literally.
func TestUnreadAccountingWithMute(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	mustUpsertConv(t, s, "A", false)
	mustUpsertConv(t, s, "B", true)
	if err := s.IncrementUnread(ctx, "A", 5); err != nil {
		t.Fatalf("incr A: %v", err)
	}
	if err := s.IncrementUnread(ctx, "B", 3); err != nil {
		t.Fatalf("incr B: %v", err)
	}

	total, err := s.TotalUnread(ctx)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 5 {
		t.Fatalf("got %d, want 5 (B is muted)", total)
	}

	if err := s.SetMuted(ctx, "A", true); err != nil {
		t.Fatalf("mute A: %v", err)
	}
	total, _ = s.TotalUnread(ctx)
	if total != 0 {
		t.Fatalf("got %d, want 0 after muting A", total)
	}

	if err := s.ClearUnread(ctx, "A", 1000); err != nil {
		t.Fatalf("clear A: %v", err)
	}
	unreadA, _ := s.GetUnread(ctx, "A")
	if unreadA != 0 {
		t.Fatalf("A unread = %d, want 0", unreadA)
	}

	if err := s.SetMuted(ctx, "B", false); err != nil {
		t.Fatalf("unmute B: %v", err)
	}
	total, _ = s.TotalUnread(ctx)
	if total != 3 {
		t.Fatalf("got %d, want 3 after unmuting B", total)
	}
}

func TestUnreadNeverNegative(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	mustUpsertConv(t, s, "A", false)

	if err := s.ClearUnread(ctx, "A", 100); err != nil {
		t.Fatalf("clear on already-zero conversation: %v", err)
	}
	n, _ := s.GetUnread(ctx, "A")
	if n != 0 {
		t.Fatalf("got %d, want 0", n)
	}
}

func TestUpdateLatestMessageOnlyAdvancesForward(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	mustUpsertConv(t, s, "A", false)

	if err := s.UpdateLatestMessage(ctx, "A", LatestMessageRow{MessageID: "m1", Content: "first"}, 100); err != nil {
		t.Fatalf("update1: %v", err)
	}
	if err := s.UpdateLatestMessage(ctx, "A", LatestMessageRow{MessageID: "m0", Content: "stale"}, 50); err != nil {
		t.Fatalf("update2: %v", err)
	}

	c, err := s.GetConversation(ctx, "A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.LatestMessage == nil || c.LatestMessage.MessageID != "m1" {
		t.Fatalf("latest message regressed: %+v", c.LatestMessage)
	}
}

func TestSeqMonotonicityAcrossBatches(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	seqs := []int64{100, 250, 400}
	prev := int64(0)
	for _, seq := range seqs {
		if err := s.SetLastSyncSeq(ctx, "u1", seq, seq); err != nil {
			t.Fatalf("set seq %d: %v", seq, err)
		}
		got, err := s.GetLastSyncSeq(ctx, "u1")
		if err != nil {
			t.Fatalf("get seq: %v", err)
		}
		if got < prev {
			t.Fatalf("seq regressed: %d < %d", got, prev)
		}
		prev = got
	}
}

func TestListConversationsOrderedPinnedThenRecent(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	mustUpsertConv(t, s, "old", false)
	mustUpsertConv(t, s, "new", false)
	mustUpsertConv(t, s, "pinned", false)
	if err := s.UpdateLatestMessage(ctx, "old", LatestMessageRow{MessageID: "x"}, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateLatestMessage(ctx, "new", LatestMessageRow{MessageID: "y"}, 20); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPinned(ctx, "pinned", true); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ConversationID != "pinned" {
		t.Fatalf("pinned conversation should sort first: %+v", list)
	}
	if list[1].ConversationID != "new" || list[2].ConversationID != "old" {
		t.Fatalf("unpinned conversations should sort by recency: %+v", list)
	}
}
