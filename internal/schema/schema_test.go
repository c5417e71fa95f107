package schema

import (
	"encoding/json"
	"testing"
)

func variantActions(t *testing.T, s map[string]any) []string {
	t.Helper()
	oneOf, ok := s["oneOf"].([]any)
	if !ok {
		t.Fatalf("schema has no oneOf: %v", s)
	}
	var actions []string
	for _, v := range oneOf {
		props := v.(map[string]any)["properties"].(map[string]any)
		action := props["action"].(map[string]any)["const"].(string)
		actions = append(actions, action)
	}
	return actions
}

func TestBuildAgent_VariantsFollowPermissions(t *testing.T) {
	p := Permissions{Answer: true, Search: true}
	s := BuildAgent(p, BuildOptions{CurrentQuestion: "q"})
	got := variantActions(t, s)
	want := []string{"search", "answer"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestBuildAgent_AllVariantsCarryThink(t *testing.T) {
	s := BuildAgent(AllowAll(), BuildOptions{CurrentQuestion: "q"})
	for _, v := range s["oneOf"].([]any) {
		obj := v.(map[string]any)
		props := obj["properties"].(map[string]any)
		if _, ok := props["think"]; !ok {
			t.Fatalf("variant missing think field: %v", obj)
		}
		required := obj["required"].([]string)
		foundThink := false
		for _, r := range required {
			if r == "think" {
				foundThink = true
			}
		}
		if !foundThink {
			t.Fatalf("think not required in variant: %v", obj)
		}
	}
}

func TestBuildAgent_PanicsWithoutPermissions(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty permissions")
		}
	}()
	BuildAgent(Permissions{}, BuildOptions{})
}

func TestBuildAgent_SerializesToJSON(t *testing.T) {
	s := BuildAgent(AllowAll(), BuildOptions{CurrentQuestion: "what is 2+2?"})
	if _, err := json.Marshal(s); err != nil {
		t.Fatalf("schema must be JSON-serializable: %v", err)
	}
}

func TestDistill_FlattensToPrimitives(t *testing.T) {
	s := Distill(AllowAll(), BuildOptions{})
	props := s["properties"].(map[string]any)
	for name, raw := range props {
		prop := raw.(map[string]any)
		typ, _ := prop["type"].(string)
		if name == "action" {
			continue
		}
		if typ != "string" {
			t.Fatalf("distilled field %q is %q, want string", name, typ)
		}
	}
	action := props["action"].(map[string]any)
	enum := action["enum"].([]string)
	if len(enum) != 5 {
		t.Fatalf("expected 5 actions in enum, got %v", enum)
	}
}

func TestDistill_OmitsForbiddenActionFields(t *testing.T) {
	s := Distill(Permissions{Answer: true}, BuildOptions{})
	props := s["properties"].(map[string]any)
	if _, ok := props["searchRequests"]; ok {
		t.Fatal("search fields should be absent when search is forbidden")
	}
	if _, ok := props["answer"]; !ok {
		t.Fatal("answer field should be present")
	}
}

func TestEvaluator_StrictRequiresImprovementPlan(t *testing.T) {
	s := Evaluator("strict")
	props := s["properties"].(map[string]any)
	if _, ok := props["improvementPlan"]; !ok {
		t.Fatal("strict evaluator must carry improvementPlan")
	}
	s = Evaluator("freshness")
	props = s["properties"].(map[string]any)
	if _, ok := props["improvementPlan"]; ok {
		t.Fatal("non-strict evaluator must not carry improvementPlan")
	}
}

func TestPermissions_Actions(t *testing.T) {
	p := Permissions{Search: true, Code: true}
	got := p.Actions()
	if len(got) != 2 || got[0] != "search" || got[1] != "code" {
		t.Fatalf("unexpected actions: %v", got)
	}
	if (Permissions{}).Any() {
		t.Fatal("empty permissions should report no actions")
	}
}
