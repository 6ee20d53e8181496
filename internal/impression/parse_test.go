package impression

import (
	"errors"
	"testing"
)

func TestParseAliases(t *testing.T) {
	resp := "Here you go:\n```json\n" + `{"aliases":[
		{"speaker_id":"u1","target_id":"u2","alias":"胖虎","confidence":0.9},
		{"speaker_id":"u1","target_id":"u2","alias":"big tiger","confidence":0.9},
		{"speaker_id":"u1","target_id":"u3","alias":"doc"},
		{"speaker_id":"u2","target_id":"u1","alias":"老王","confidence":1.5},
		{"speaker_id":"u2","target_id":"u1","alias":"王","confidence":0.2},
		{"speaker_id":"","target_id":"u1","alias":"ghost"}
	]}` + "\n```"

	got, err := parseAliases(resp)
	if err != nil {
		t.Fatalf("parseAliases: %v", err)
	}
	// "big tiger" has a space, the empty speaker is dropped, "王" is a
	// single rune below the minimum length.
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3: %+v", len(got), got)
	}
	if got[0].Confidence != 0.9 {
		t.Fatalf("explicit confidence = %v, want 0.9", got[0].Confidence)
	}
	if got[1].Confidence != 0.8 {
		t.Fatalf("default confidence = %v, want 0.8", got[1].Confidence)
	}
	if got[2].Confidence != 0.95 {
		t.Fatalf("over-range confidence = %v, want clamp to 0.95", got[2].Confidence)
	}
}

func TestParseAliases_MissingKey(t *testing.T) {
	if _, err := parseAliases(`{"results":[]}`); !errors.Is(err, ErrParseFailed) {
		t.Fatalf("err = %v, want ErrParseFailed", err)
	}
	if _, err := parseAliases("no json here"); !errors.Is(err, ErrParseFailed) {
		t.Fatalf("err = %v, want ErrParseFailed", err)
	}
}

func TestParseAttribution_FiltersUnknownTargets(t *testing.T) {
	known := map[string]bool{"u1": true, "u2": true}
	resp := `{"assignments":[
		{"message_id":10,"target_ids":["u1","u9"]},
		{"message_id":11,"target_ids":["u9"]},
		{"message_id":12,"target_ids":["u1","u2"]}
	]}`
	got, err := parseAttribution(resp, known)
	if err != nil {
		t.Fatalf("parseAttribution: %v", err)
	}
	if len(got[10]) != 1 || got[10][0] != "u1" {
		t.Fatalf("message 10 targets = %v, want [u1]", got[10])
	}
	if _, ok := got[11]; ok {
		t.Fatalf("message 11 should be dropped, its only target is unknown")
	}
	if len(got[12]) != 2 {
		t.Fatalf("message 12 targets = %v, want both", got[12])
	}
}

func TestParsePhase1_DefaultsAndDedupe(t *testing.T) {
	known := map[string]bool{"u1": true}
	resp := `{"users":{
		"u1":{"traits":[{"key":"night owl","evidence":[
			{"message_id":5},
			{"message_id":5,"confidence":0.9},
			{"message_id":6,"confidence":0.9,"joke_likelihood":0.1,"source_type":"SELF"}
		]}],"facts":[]},
		"u9":{"traits":[{"key":"ignored","evidence":[{"message_id":7}]}],"facts":[]}
	}}`
	got, err := parsePhase1(resp, known)
	if err != nil {
		t.Fatalf("parsePhase1: %v", err)
	}
	if _, ok := got["u9"]; ok {
		t.Fatalf("unknown user u9 should be dropped")
	}
	signals := got["u1"].Traits["night owl"]
	if len(signals) != 2 {
		t.Fatalf("got %d signals, want 2 after dedupe: %+v", len(signals), signals)
	}
	first := signals[0]
	if first.Confidence != 0.6 || first.JokeLikelihood != 0.2 || first.SourceType != "other" {
		t.Fatalf("defaults not applied: %+v", first)
	}
	if signals[1].SourceType != "self" {
		t.Fatalf("source_type not normalized: %+v", signals[1])
	}
}

func TestParsePhase2(t *testing.T) {
	users := map[string]bool{"u1": true}
	resp := `{"users":{"u1":{
		"traits":[" night owl ","night owl","stubborn"],
		"facts":[],
		"mapping":{"traits":{"night owl":["stays up late","night owl"]}},
		"consistency":{"traits":{"night owl":"CONSISTENT","stubborn":"whatever"}}
	}}}`
	got, err := parsePhase2(resp, users)
	if err != nil {
		t.Fatalf("parsePhase2: %v", err)
	}
	m := got["u1"]
	if len(m.Traits) != 2 {
		t.Fatalf("traits = %v, want deduped pair", m.Traits)
	}
	if m.Consistency["traits"]["night owl"] != "consistent" {
		t.Fatalf("consistency tag not lowered: %v", m.Consistency)
	}
	if m.Consistency["traits"]["stubborn"] != "neutral" {
		t.Fatalf("unknown tag should normalize to neutral: %v", m.Consistency)
	}
	if srcs := m.Mapping["traits"]["night owl"]; len(srcs) != 2 {
		t.Fatalf("mapping lost sources: %v", srcs)
	}
}

func TestParsePhase2_NoMatchingUsers(t *testing.T) {
	resp := `{"users":{"u9":{"traits":[],"facts":[]}}}`
	if _, err := parsePhase2(resp, map[string]bool{"u1": true}); !errors.Is(err, ErrParseFailed) {
		t.Fatalf("err = %v, want ErrParseFailed", err)
	}
}

func TestParsePhase2_OmittedUserFails(t *testing.T) {
	// Covering one requested user but not the other is as broken as
	// covering none.
	resp := `{"users":{"u1":{"traits":["night owl"],"facts":[]}}}`
	users := map[string]bool{"u1": true, "u2": true}
	if _, err := parsePhase2(resp, users); !errors.Is(err, ErrParseFailed) {
		t.Fatalf("err = %v, want ErrParseFailed", err)
	}
}

func TestParsePhase3(t *testing.T) {
	known := map[string]bool{"u1": true, "u2": true}
	resp := `{"users":{"u1":{"summary":"keeps odd hours"},"u2":{"summary":"  "},"u9":{"summary":"x"}}}`
	got, err := parsePhase3(resp, known)
	if err != nil {
		t.Fatalf("parsePhase3: %v", err)
	}
	if got["u1"] != "keeps odd hours" {
		t.Fatalf("u1 summary = %q", got["u1"])
	}
	if _, ok := got["u2"]; ok {
		t.Fatalf("blank summary should be omitted")
	}
	if _, ok := got["u9"]; ok {
		t.Fatalf("unknown user should be dropped")
	}
}

func TestExtractJSON(t *testing.T) {
	if got := extractJSON("prefix {\"a\":1} suffix"); got != `{"a":1}` {
		t.Fatalf("extractJSON = %q", got)
	}
	if got := extractJSON("no braces"); got != "" {
		t.Fatalf("extractJSON on prose = %q, want empty", got)
	}
	if got := extractJSON("}{"); got != "" {
		t.Fatalf("extractJSON on inverted braces = %q, want empty", got)
	}
}
