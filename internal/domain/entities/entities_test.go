package entities

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func turnAt(role Role, content string, sec int64) ChatTurn {
	return ChatTurn{Role: role, Content: content, Timestamp: time.Unix(sec, 0)}
}

func TestChatSession_EleventhTurnEvictsOldest(t *testing.T) {
	s := &ChatSession{ID: "s1", ClassLevel: 9, Subject: "Physics", MaxTurns: 10}
	for i := 0; i < 10; i++ {
		if err := s.Append(turnAt(RoleUser, fmt.Sprintf("turn %d", i), int64(i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if err := s.Append(turnAt(RoleAssistant, "turn 10", 10)); err != nil {
		t.Fatalf("append 11th: %v", err)
	}

	if len(s.Turns) != 10 {
		t.Fatalf("expected 10 turns, got %d", len(s.Turns))
	}
	if s.Turns[0].Content != "turn 1" {
		t.Errorf("expected oldest turn evicted, first is %q", s.Turns[0].Content)
	}
	if s.Turns[9].Content != "turn 10" {
		t.Errorf("expected newest turn last, got %q", s.Turns[9].Content)
	}
}

func TestChatSession_DefaultCap(t *testing.T) {
	s := &ChatSession{}
	for i := 0; i < 15; i++ {
		if err := s.Append(turnAt(RoleUser, "x", int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.Turns) != DefaultMaxTurns {
		t.Errorf("expected %d turns, got %d", DefaultMaxTurns, len(s.Turns))
	}
}

func TestChatSession_AppendIsAllOrNothing(t *testing.T) {
	s := &ChatSession{}
	if err := s.Append(turnAt(RoleUser, "first", 5)); err != nil {
		t.Fatal(err)
	}

	err := s.Append(turnAt(RoleUser, "ok", 6), turnAt("system", "bad", 7))
	if err == nil {
		t.Fatal("expected invalid role error")
	}
	if len(s.Turns) != 1 {
		t.Errorf("partial append happened: %d turns", len(s.Turns))
	}

	err = s.Append(turnAt(RoleUser, "old", 4))
	if err != ErrTurnOutOfOrder {
		t.Errorf("expected ErrTurnOutOfOrder, got %v", err)
	}
}

func TestLastTurns_CopiesTail(t *testing.T) {
	history := []ChatTurn{turnAt(RoleUser, "a", 1), turnAt(RoleAssistant, "b", 2), turnAt(RoleUser, "c", 3)}

	got := LastTurns(history, 2)
	if len(got) != 2 || got[0].Content != "b" || got[1].Content != "c" {
		t.Fatalf("unexpected tail: %+v", got)
	}
	got[0].Content = "changed"
	if history[1].Content != "b" {
		t.Error("LastTurns must not alias history")
	}
	if LastTurns(history, 0) != nil {
		t.Error("expected nil for n=0")
	}
	if len(LastTurns(history, 10)) != 3 {
		t.Error("expected whole history when n exceeds length")
	}
}

func TestScope_Chapters(t *testing.T) {
	s := Scope{Primary: 3, Secondary: []int{5, 2, 4}}

	if got := s.Chapters(1); len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Errorf("unexpected chapters: %v", got)
	}
	if got := s.Chapters(-1); len(got) != 4 {
		t.Errorf("expected all chapters, got %v", got)
	}
	if (Scope{Reason: "no-metadata"}).Chapters(3) != nil {
		t.Error("unscoped must not constrain chapters")
	}
}

func TestRetrievalResult_ChapterNumbers(t *testing.T) {
	r := RetrievalResult{Chunks: []ScoredChunk{
		{Chunk: DocumentChunk{ID: "a", ChapterNumber: 3}},
		{Chunk: DocumentChunk{ID: "b", ChapterNumber: 5}},
		{Chunk: DocumentChunk{ID: "c", ChapterNumber: 3}},
	}}
	got := r.ChapterNumbers()
	if len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Errorf("unexpected chapters: %v", got)
	}
	if r.Empty() {
		t.Error("result should not be empty")
	}
}

func TestChapter_KeyNormalizesSubject(t *testing.T) {
	a := Chapter{Number: 2, ClassLevel: 9, Subject: "Computer  Science"}
	b := Chapter{Number: 2, ClassLevel: 9, Subject: "computer science"}
	if a.Key() != b.Key() {
		t.Errorf("keys differ: %v vs %v", a.Key(), b.Key())
	}
}

func TestRole_Valid(t *testing.T) {
	if !RoleUser.Valid() || !RoleAssistant.Valid() {
		t.Error("known roles must be valid")
	}
	if Role("system").Valid() {
		t.Error("system is not a chat role")
	}
}

func TestSortScored_TiesAreDeterministic(t *testing.T) {
	sc := func(id string, chapter, index int, sim float64) ScoredChunk {
		return ScoredChunk{Chunk: DocumentChunk{ID: id, ChapterNumber: chapter, Index: index}, Similarity: sim}
	}
	build := func() []ScoredChunk {
		return []ScoredChunk{
			sc("b", 4, 1, 0.8),
			sc("a", 4, 1, 0.8),
			sc("z", 2, 9, 0.8),
			sc("y", 4, 0, 0.8),
			sc("top", 9, 0, 0.9),
		}
	}
	want := "top z y a b"
	for i := 0; i < 3; i++ {
		got := build()
		if i == 1 {
			got[0], got[3] = got[3], got[0]
		}
		SortScored(got)
		ids := make([]string, 0, len(got))
		for _, c := range got {
			ids = append(ids, c.Chunk.ID)
		}
		if strings.Join(ids, " ") != want {
			t.Errorf("round %d: got %v, want %s", i, ids, want)
		}
	}
}
