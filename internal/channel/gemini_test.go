package channel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

func TestBuildContents_MapsRolesAndRemembersToolNames(t *testing.T) {
	userContent, _ := json.Marshal("hello")
	asstContent, _ := json.Marshal([]claude.ContentBlock{
		{Type: "tool_use", ID: "tu_1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
	})
	resultContent, _ := json.Marshal([]claude.ContentBlock{
		{Type: "tool_result", ToolUseID: "tu_1", Content: json.RawMessage(`"found it"`)},
	})

	msgs := []claude.Message{
		{Role: "user", RawContent: userContent},
		{Role: "assistant", RawContent: asstContent},
		{Role: "user", RawContent: resultContent},
	}

	contents, toolNames, err := buildContents(msgs)
	if err != nil {
		t.Fatalf("build contents: %v", err)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if toolNames["tu_1"] != "search" {
		t.Fatalf("expected tool name remembered, got %q", toolNames["tu_1"])
	}

	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "search" {
		t.Fatalf("expected function response to recover tool name, got %+v", fr)
	}
}

func TestBuildTools_EmptyReturnsNil(t *testing.T) {
	if got := buildTools(nil); got != nil {
		t.Fatalf("expected nil for no tools, got %+v", got)
	}
}

func TestBuildTools_TranslatesNameAndSchema(t *testing.T) {
	tools := []claude.Tool{{Name: "search", Description: "looks things up", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	got := buildTools(tools)
	if len(got) != 1 || len(got[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected one function declaration, got %+v", got)
	}
	if got[0].FunctionDeclarations[0].Name != "search" {
		t.Fatalf("expected name preserved, got %+v", got[0].FunctionDeclarations[0])
	}
}

func TestMapGeminiFinishReason(t *testing.T) {
	cases := map[string]string{
		"MAX_TOKENS": "max_tokens",
		"STOP":       "end_turn",
		"SAFETY":     "end_turn",
	}
	for in, want := range cases {
		if got := mapGeminiFinishReason(in); got != want {
			t.Fatalf("mapGeminiFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassifyGeminiErr_WrapsNonAPIError(t *testing.T) {
	err := classifyGeminiErr(errors.New("boom"))
	var ue *UpstreamError
	if errors.As(err, &ue) {
		t.Fatal("expected a plain wrapped error for a non-API error, not an UpstreamError")
	}
}
