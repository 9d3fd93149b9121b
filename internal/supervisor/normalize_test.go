package supervisor

import (
	"errors"
	"testing"
)

func TestNormalizeStrictJSON(t *testing.T) {
	p, err := Normalize("a", `{"verdict":"pass","score":3}`)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if p.Degraded {
		t.Error("valid JSON should not be degraded")
	}
	if p.Fields["verdict"] != "pass" {
		t.Errorf("verdict = %v", p.Fields["verdict"])
	}
}

func TestNormalizeFencedJSON(t *testing.T) {
	raw := "Here is my result:\n```json\n{\"verdict\": \"pass\"}\n```\nDone."
	p, err := Normalize("a", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if p.Degraded || p.Fields["verdict"] != "pass" {
		t.Errorf("fenced JSON not extracted: %+v", p)
	}
}

func TestNormalizeEmbeddedObject(t *testing.T) {
	raw := `I considered the options and settled on {"approach": "X", "notes": "braces { inside } strings stay intact"} after review.`
	p, err := Normalize("a", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if p.Degraded || p.Fields["approach"] != "X" {
		t.Errorf("embedded object not extracted: %+v", p)
	}
}

func TestNormalizeDegradedKeepsRaw(t *testing.T) {
	raw := "no structure here, just prose"
	p, err := Normalize("a", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !p.Degraded {
		t.Fatal("unparsable output should be degraded, not an error")
	}
	if p.Raw != raw {
		t.Errorf("degraded payload must carry the raw text, got %q", p.Raw)
	}
}

func TestNormalizeEmptyIsError(t *testing.T) {
	_, err := Normalize("a", "  \n ")
	var extraction *ExtractionError
	if !errors.As(err, &extraction) {
		t.Fatalf("empty output should be an ExtractionError, got %v", err)
	}
}

func TestPromptDigestStable(t *testing.T) {
	a := PromptDigest("same prompt")
	b := PromptDigest("same prompt")
	c := PromptDigest("different prompt")
	if a != b {
		t.Error("digest must be deterministic")
	}
	if a == c {
		t.Error("different prompts must digest differently")
	}
	if len(a) != 16 {
		t.Errorf("digest length = %d, want 16 hex chars", len(a))
	}
}
