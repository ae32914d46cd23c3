package extract

import (
	"testing"
)

func TestObject_DirectJSON(t *testing.T) {
	obj := Object(`{"response": "hi", "actions": []}`)
	if obj["response"] != "hi" {
		t.Errorf("expected response hi, got %v", obj["response"])
	}
}

func TestObject_FencedBlock(t *testing.T) {
	raw := "Here is my answer:\n```json\n{\"response\": \"fenced\", \"actions\": []}\n```\nDone."
	obj := Object(raw)
	if obj["response"] != "fenced" {
		t.Errorf("expected response fenced, got %v", obj["response"])
	}
}

func TestObject_UnlabeledFence(t *testing.T) {
	raw := "```\n{\"response\": \"bare\", \"actions\": []}\n```"
	obj := Object(raw)
	if obj["response"] != "bare" {
		t.Errorf("expected response bare, got %v", obj["response"])
	}
}

func TestObject_BraceScanInProse(t *testing.T) {
	raw := `Sure! The result you want is {"response": "scanned", "actions": []} as requested.`
	obj := Object(raw)
	if obj["response"] != "scanned" {
		t.Errorf("expected response scanned, got %v", obj["response"])
	}
}

func TestObject_BracesInsideStrings(t *testing.T) {
	raw := `prefix {"response": "has } brace and { brace", "actions": []} suffix`
	obj := Object(raw)
	if obj["response"] != "has } brace and { brace" {
		t.Errorf("expected quoted braces preserved, got %v", obj["response"])
	}
}

func TestObject_FallbackNeverNil(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"prose", "I could not produce JSON, sorry."},
		{"truncated", `{"response": "cut off here`},
		{"fence without close", "```json\n{\"response\":"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obj := Object(tc.raw)
			if obj == nil {
				t.Fatal("Object returned nil")
			}
			if _, ok := obj["response"]; !ok {
				t.Errorf("fallback object missing response field: %v", obj)
			}
			actions, ok := obj["actions"].([]any)
			if !ok || len(actions) != 0 {
				t.Errorf("fallback object should have empty actions, got %v", obj["actions"])
			}
		})
	}
}

func TestObject_FallbackPreservesTrimmedText(t *testing.T) {
	obj := Object("  just some prose  ")
	if obj["response"] != "just some prose" {
		t.Errorf("expected trimmed raw text, got %q", obj["response"])
	}
}

func TestArray_Direct(t *testing.T) {
	arr := Array(`[{"key": "a"}, {"key": "b"}]`)
	if len(arr) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(arr))
	}
	if arr[1]["key"] != "b" {
		t.Errorf("expected second key b, got %v", arr[1]["key"])
	}
}

func TestArray_Fenced(t *testing.T) {
	raw := "Extracted insights:\n```json\n[{\"key\": \"style\"}]\n```"
	arr := Array(raw)
	if len(arr) != 1 || arr[0]["key"] != "style" {
		t.Fatalf("expected one element with key style, got %v", arr)
	}
}

func TestArray_BracketScan(t *testing.T) {
	raw := `The list is [{"key": "x"}] if that helps.`
	arr := Array(raw)
	if len(arr) != 1 || arr[0]["key"] != "x" {
		t.Fatalf("expected one element with key x, got %v", arr)
	}
}

func TestArray_DropsNonObjectElements(t *testing.T) {
	arr := Array(`[{"key": "a"}, "stray string", 42, {"key": "b"}]`)
	if len(arr) != 2 {
		t.Fatalf("expected non-object elements dropped, got %d elements", len(arr))
	}
}

func TestArray_UnparseableReturnsNil(t *testing.T) {
	for _, raw := range []string{"", "no json here", `{"an": "object, not a list"}`} {
		if arr := Array(raw); arr != nil {
			t.Errorf("expected nil for %q, got %v", raw, arr)
		}
	}
}
