package agent

import (
	"strings"
	"testing"
)

func TestExtractActionSimple(t *testing.T) {
	req, ok := ExtractAction(`{"action": "check_votes", "params": {}}`)
	if !ok {
		t.Fatal("no action extracted")
	}
	if req.Action != "check_votes" {
		t.Fatalf("action %q", req.Action)
	}
}

func TestExtractActionNestedObjects(t *testing.T) {
	// Nested params must round-trip; a non-greedy regex would stop at the
	// first closing brace.
	in := `I think I will write. {"action": "write_blog_post", "params": {"title": "On {braces}", "content": "body with {nested: {deep}} text", "tags": ["a", "b"]}} Done.`
	req, ok := ExtractAction(in)
	if !ok {
		t.Fatal("no action extracted")
	}
	if req.Action != "write_blog_post" {
		t.Fatalf("action %q", req.Action)
	}
	if req.Params["title"] != "On {braces}" {
		t.Fatalf("title %v", req.Params["title"])
	}
}

func TestExtractActionSkipsNonActionObjects(t *testing.T) {
	in := `Here is data: {"votes": {"live": 3}} and then {"action": "no_op", "params": {}}`
	req, ok := ExtractAction(in)
	if !ok {
		t.Fatal("no action extracted")
	}
	if req.Action != "no_op" {
		t.Fatalf("action %q", req.Action)
	}
}

func TestExtractActionNone(t *testing.T) {
	for _, in := range []string{
		"",
		"just a plain thought about existence",
		`{"not_an_action": true}`,
		"{ broken json",
	} {
		if _, ok := ExtractAction(in); ok {
			t.Errorf("extracted action from %q", in)
		}
	}
}

func TestExtractActionFencedJSON(t *testing.T) {
	in := "```json\n{\"action\": \"check_budget\", \"params\": {}}\n```"
	req, ok := ExtractAction(in)
	if !ok {
		t.Fatal("no action extracted from fenced block")
	}
	if req.Action != "check_budget" {
		t.Fatalf("action %q", req.Action)
	}
}

func TestExtractActionMissingParams(t *testing.T) {
	req, ok := ExtractAction(`{"action": "no_op"}`)
	if !ok {
		t.Fatal("no action extracted")
	}
	if req.Params == nil {
		t.Fatal("params must never be nil")
	}
}

func TestStripActionJSON(t *testing.T) {
	in := `My thought before. {"action": "no_op", "params": {}} And after.`
	out := StripActionJSON(in)
	if strings.Contains(out, "action") {
		t.Fatalf("action survived strip: %q", out)
	}
	if !strings.Contains(out, "My thought before.") || !strings.Contains(out, "And after.") {
		t.Fatalf("narrative mangled: %q", out)
	}
}

func TestStripActionJSONKeepsDataObjects(t *testing.T) {
	in := `The tally was {"live": 2, "die": 1} today.`
	out := StripActionJSON(in)
	if !strings.Contains(out, `"live": 2`) {
		t.Fatalf("non-action object removed: %q", out)
	}
}

func TestStripActionJSONPlainText(t *testing.T) {
	if got := StripActionJSON("  nothing here  "); got != "nothing here" {
		t.Fatalf("got %q", got)
	}
}
