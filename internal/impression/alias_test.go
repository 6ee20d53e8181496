package impression

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stellarlinkco/impressiond/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func queueAliasCandidate(t *testing.T, st *store.Store, m store.Message) {
	t.Helper()
	id, err := st.Enqueue(m)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m.ID = id
	if err := st.EnqueueAliasCandidate(m); err != nil {
		t.Fatalf("enqueue alias candidate: %v", err)
	}
}

func TestQualifies(t *testing.T) {
	a := NewAliasAnalyzer(nil, nil, "999", []string{"helper"})
	cases := []struct {
		text string
		want bool
	}{
		{"@200 胖虎你又迟到了", true},
		{"[reply_to:200] 你说得对", true},
		{"普通聊天没有指向", false},
		{"/impression update", false},
		{"@999 问个问题", false},         // solely at the bot
		{"@999 @200 你们俩都来看看", true}, // bot plus a real target
		{"   ", false},
	}
	for _, c := range cases {
		m := store.Message{GroupID: "g1", SpeakerID: "100", RawText: c.text}
		if got := a.Qualifies(m); got != c.want {
			t.Fatalf("Qualifies(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestAliasRun_Commit(t *testing.T) {
	st := newTestStore(t)
	queueAliasCandidate(t, st, store.Message{GroupID: "g1", SpeakerID: "100", TS: 1000, RawText: "@200 胖虎又迟到了"})
	queueAliasCandidate(t, st, store.Message{GroupID: "g1", SpeakerID: "101", TS: 1001, RawText: "@200 就是就是"})

	caller := newFakeCaller()
	caller.responses[PhaseAlias] = `{"aliases":[
		{"speaker_id":"100","target_id":"200","alias":"胖虎","confidence":0.9},
		{"speaker_id":"100","target_id":"999","alias":"helper","confidence":0.9}
	]}`
	a := NewAliasAnalyzer(st, caller, "999", []string{"helper"})

	n, err := a.Run(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("entries = %d, want 1 (bot target dropped)", n)
	}

	got, err := st.AliasesForSpeaker("g1", "100")
	if err != nil {
		t.Fatalf("AliasesForSpeaker: %v", err)
	}
	if len(got) != 1 || got[0].Alias != "胖虎" || got[0].TargetID != "200" {
		t.Fatalf("stored aliases = %+v", got)
	}

	left, err := st.AliasQueueCount("g1")
	if err != nil {
		t.Fatalf("AliasQueueCount: %v", err)
	}
	if left != 0 {
		t.Fatalf("alias queue = %d, want consumed", left)
	}

	runs, err := st.RecentRuns("g1", 1)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Kind != "alias" || runs[0].Status != "committed" {
		t.Fatalf("run log = %+v", runs)
	}
}

func TestAliasRun_CallFailureKeepsQueue(t *testing.T) {
	st := newTestStore(t)
	queueAliasCandidate(t, st, store.Message{GroupID: "g1", SpeakerID: "100", TS: 1000, RawText: "@200 胖虎"})

	caller := newFakeCaller()
	caller.errs[PhaseAlias] = ErrCallFailed
	a := NewAliasAnalyzer(st, caller, "", nil)

	if _, err := a.Run(context.Background(), "g1"); !errors.Is(err, ErrCallFailed) {
		t.Fatalf("err = %v, want ErrCallFailed", err)
	}

	left, err := st.AliasQueueCount("g1")
	if err != nil {
		t.Fatalf("AliasQueueCount: %v", err)
	}
	if left != 1 {
		t.Fatalf("alias queue = %d, failed run must not consume it", left)
	}
	runs, _ := st.RecentRuns("g1", 1)
	if len(runs) != 1 || runs[0].Status != "aborted" {
		t.Fatalf("run log = %+v, want aborted record", runs)
	}
}

func TestAliasRun_ParseFailureKeepsQueue(t *testing.T) {
	st := newTestStore(t)
	queueAliasCandidate(t, st, store.Message{GroupID: "g1", SpeakerID: "100", TS: 1000, RawText: "@200 胖虎"})

	caller := newFakeCaller()
	caller.responses[PhaseAlias] = "sorry, I cannot answer that"
	a := NewAliasAnalyzer(st, caller, "", nil)

	if _, err := a.Run(context.Background(), "g1"); !errors.Is(err, ErrParseFailed) {
		t.Fatalf("err = %v, want ErrParseFailed", err)
	}
	left, _ := st.AliasQueueCount("g1")
	if left != 1 {
		t.Fatalf("alias queue = %d, want untouched", left)
	}
}

func TestAliasRun_EmptyQueue(t *testing.T) {
	st := newTestStore(t)
	caller := newFakeCaller()
	a := NewAliasAnalyzer(st, caller, "", nil)

	n, err := a.Run(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 || len(caller.calls) != 0 {
		t.Fatalf("empty queue must not call the LLM: n=%d calls=%v", n, caller.calls)
	}
}
