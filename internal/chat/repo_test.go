package chat

import (
	"context"
	"testing"
)

func TestRepo_PatchFallsBackToInsert(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	turn := &Turn{ID: "01HZZZZZZZZZZZZZZZZZZZZZZZ", ChatID: "c1", UserMessage: "hi"}
	if err := repo.PatchTurnResponse(ctx, turn, "answer"); err != nil {
		t.Fatalf("patch: %v", err)
	}
	got, err := repo.GetTurn(ctx, turn.ID)
	if err != nil {
		t.Fatalf("turn not inserted: %v", err)
	}
	if got.UserMessage != "hi" || got.BotResponse != "answer" {
		t.Fatalf("unexpected turn: %+v", got)
	}

	if err := repo.PatchTurnResponse(ctx, turn, "answer, longer"); err != nil {
		t.Fatalf("second patch: %v", err)
	}
	if got := mustTurns(t, repo, "c1"); len(got) != 1 || got[0].BotResponse != "answer, longer" {
		t.Fatalf("expected one updated row, got %+v", got)
	}
}

func TestRepo_CreateChatIfAbsent(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	seed := []Turn{{ID: "01HAAAAAAAAAAAAAAAAAAAAAAA", UserMessage: "q", BotResponse: "a"}}
	created, existing, err := repo.CreateChatIfAbsent(ctx, &Chat{ID: "c1", Title: "T", UserID: "u1"}, seed)
	if err != nil || !created || existing != nil {
		t.Fatalf("first create: created=%v existing=%v err=%v", created, existing, err)
	}

	created, existing, err = repo.CreateChatIfAbsent(ctx, &Chat{ID: "c1", Title: "other", UserID: "u2"},
		[]Turn{{ID: "01HBBBBBBBBBBBBBBBBBBBBBBB", UserMessage: "x"}})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || existing == nil || existing.UserID != "u1" || existing.Title != "T" {
		t.Fatalf("expected existing row returned, got created=%v %+v", created, existing)
	}
	if got := mustTurns(t, repo, "c1"); len(got) != 1 || got[0].UserMessage != "q" {
		t.Fatalf("loser's seed written: %+v", got)
	}
}

func TestRepo_ShareSnapshotIsIndependent(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	c := &Chat{ID: "c1", Title: "Trip", UserID: "u1"}
	seed := []Turn{
		{ID: "01HAAAAAAAAAAAAAAAAAAAAAAA", UserMessage: "q1", BotResponse: "a1"},
		{ID: "01HAAAAAAAAAAAAAAAAAAAAAAB", UserMessage: "q2", BotResponse: "a2"},
	}
	if _, _, err := repo.CreateChatIfAbsent(ctx, c, seed); err != nil {
		t.Fatalf("create: %v", err)
	}
	shared, err := repo.ShareChat(ctx, c, "s1")
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if shared.OriginChatID != "c1" || shared.Title != "Trip" {
		t.Fatalf("unexpected snapshot: %+v", shared)
	}

	// later edits to the live chat do not leak into the snapshot
	if err := repo.InsertTurnPlaceholder(ctx, &Turn{ID: "01HAAAAAAAAAAAAAAAAAAAAAAC", ChatID: "c1", UserMessage: "q3"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sc, turns, err := repo.GetSharedChat(ctx, "s1")
	if err != nil {
		t.Fatalf("get shared: %v", err)
	}
	if sc.ID != "s1" || len(turns) != 2 {
		t.Fatalf("expected 2 snapshot turns, got %d", len(turns))
	}
	if turns[0].Position != 0 || turns[0].UserMessage != "q1" || turns[1].BotResponse != "a2" {
		t.Fatalf("snapshot order wrong: %+v", turns)
	}

	live, err := repo.GetChat(ctx, "c1")
	if err != nil || !live.Shared {
		t.Fatalf("chat not flagged shared: %+v %v", live, err)
	}
}

func TestRepo_DeleteChatCascade(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	if _, _, err := repo.CreateChatIfAbsent(ctx, &Chat{ID: "c1", Title: "T", UserID: "u1"},
		[]Turn{{ID: "01HAAAAAAAAAAAAAAAAAAAAAAA", UserMessage: "q"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.DeleteChatCascade(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetChat(ctx, "c1"); err == nil {
		t.Fatalf("chat still present")
	}
	if got := mustTurns(t, repo, "c1"); len(got) != 0 {
		t.Fatalf("turns still present: %d", len(got))
	}
}

func TestRepo_CreateJobOrGetExisting(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	key := "idem-1"
	first, created, err := repo.CreateJobOrGetExisting(ctx, &Job{
		ID: "01HJOBAAAAAAAAAAAAAAAAAAAA", UserID: "u1", ChatID: "c1", TurnID: "t1",
		Model: "m", Payload: []byte(`[]`), IdempotencyKey: &key, Status: JobQueued,
	})
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}

	second, created, err := repo.CreateJobOrGetExisting(ctx, &Job{
		ID: "01HJOBBBBBBBBBBBBBBBBBBBBB", UserID: "u1", ChatID: "c1", TurnID: "t2",
		Model: "m", Payload: []byte(`[]`), IdempotencyKey: &key, Status: JobQueued,
	})
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("expected existing job, got created=%v id=%s err=%v", created, second.ID, err)
	}

	// same key, different user
	other, created, err := repo.CreateJobOrGetExisting(ctx, &Job{
		ID: "01HJOBCCCCCCCCCCCCCCCCCCCC", UserID: "u2", ChatID: "c2", TurnID: "t3",
		Model: "m", Payload: []byte(`[]`), IdempotencyKey: &key, Status: JobQueued,
	})
	if err != nil || !created || other.ID == first.ID {
		t.Fatalf("keys must be per user: created=%v err=%v", created, err)
	}
}
