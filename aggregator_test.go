package ensemble

import (
	"strings"
	"testing"
	"time"
)

func snapWith(steps ...Step) FlowSnapshot {
	for i := range steps {
		if steps[i].Number == 0 {
			steps[i].Number = i + 1
		}
		if steps[i].Status == "" {
			steps[i].Status = StepCompleted
		}
	}
	return FlowSnapshot{TaskID: "task-1", Steps: steps}
}

func TestAggregateSingleReport(t *testing.T) {
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "research X", OutputType: OutputReport},
		snapWith(Step{ID: "a", Name: "research", Role: RoleResearcher, Output: "the findings"}))
	if err != nil {
		t.Fatal(err)
	}
	if art.Type != OutputReport || art.Content != "the findings" {
		t.Errorf("artifact = %+v", art)
	}
	if len(art.Sources) != 1 || art.Sources[0] != "a" {
		t.Errorf("sources = %v", art.Sources)
	}
}

func TestAggregateMultiStepReportSections(t *testing.T) {
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputReport},
		snapWith(
			Step{ID: "a", Name: "History", Role: RoleResearcher, Output: "past events"},
			Step{ID: "b", Name: "Outlook", Role: RoleResearcher, Output: "future trends"},
		))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(art.Content, "## History") || !strings.Contains(art.Content, "## Outlook") {
		t.Errorf("content = %q", art.Content)
	}
}

func TestAggregateOnlyLeavesContribute(t *testing.T) {
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputReport},
		snapWith(
			Step{ID: "a", Name: "draft", Role: RoleResearcher, Output: "raw notes about many topics"},
			Step{ID: "b", Name: "final", Role: RoleWriter, Output: "the polished text", DependsOn: []string{"a"}},
		))
	if err != nil {
		t.Fatal(err)
	}
	if art.Content != "the polished text" {
		t.Errorf("content = %q, intermediate output leaked", art.Content)
	}
}

func TestAggregateFallsBackToCompletedWhenLeavesFailed(t *testing.T) {
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputReport},
		snapWith(
			Step{ID: "a", Name: "research", Role: RoleResearcher, Output: "partial findings"},
			Step{ID: "b", Name: "final", Role: RoleWriter, Status: StepFailed, DependsOn: []string{"a"}},
		))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(art.Content, "partial findings") {
		t.Errorf("partial work lost: %q", art.Content)
	}
}

func TestAggregateNoCompletedStepsErrors(t *testing.T) {
	g := NewAggregator(DefaultCatalog())
	_, err := g.Aggregate(Task{ID: "task-1", Content: "t"},
		snapWith(Step{ID: "a", Name: "n", Role: RoleResearcher, Status: StepFailed}))
	if err == nil {
		t.Fatal("expected error with nothing completed")
	}
}

func TestAggregateDropsOverlappingOutputs(t *testing.T) {
	dup := "solar power adoption increased rapidly across european markets during the last decade"
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputReport},
		snapWith(
			Step{ID: "a", Name: "first", Role: RoleResearcher, Output: dup, CompletedAt: time.Now().Add(-time.Minute)},
			Step{ID: "b", Name: "second", Role: RoleResearcher, Output: dup + " significantly", CompletedAt: time.Now()},
		))
	if err != nil {
		t.Fatal(err)
	}
	if len(art.Sources) != 1 || art.Sources[0] != "b" {
		t.Errorf("sources = %v, want later step only", art.Sources)
	}
	if len(art.Warnings) != 1 {
		t.Errorf("warnings = %v", art.Warnings)
	}
}

func TestAggregateCodeExtractsFiles(t *testing.T) {
	out := "Here is the program:\n```go main.go\npackage main\n```\nRun it with go run."
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputCode},
		snapWith(Step{ID: "a", Name: "code it", Role: RoleCoder, Output: out}))
	if err != nil {
		t.Fatal(err)
	}
	if len(art.Files) != 1 || art.Files[0].Path != "main.go" {
		t.Fatalf("files = %+v", art.Files)
	}
	if !strings.Contains(art.Files[0].Content, "package main") {
		t.Errorf("file content = %q", art.Files[0].Content)
	}
	if !strings.Contains(art.Content, "Run it") {
		t.Errorf("prose = %q", art.Content)
	}
}

func TestAggregateCodeNamesUnnamedBlocks(t *testing.T) {
	out := "```python\nprint(1)\n```"
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputCode},
		snapWith(Step{ID: "a", Name: "Quick Script", Role: RoleCoder, Output: out}))
	if err != nil {
		t.Fatal(err)
	}
	if len(art.Files) != 1 || art.Files[0].Path != "quick_script_1.py" {
		t.Errorf("files = %+v", art.Files)
	}
}

func TestAggregateWebsiteRendersIndex(t *testing.T) {
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "landing page", OutputType: OutputWebsite},
		snapWith(Step{ID: "a", Name: "content", Role: RoleWriter, Output: "# Welcome\n\nSome **bold** text."}))
	if err != nil {
		t.Fatal(err)
	}
	if len(art.Files) == 0 || art.Files[0].Path != "index.html" {
		t.Fatalf("files = %+v", art.Files)
	}
	if !strings.Contains(art.Content, "<h1") || !strings.Contains(art.Content, "<strong>bold</strong>") {
		t.Errorf("rendered page = %q", art.Content)
	}
}

func TestAggregateWebsitePassesThroughHTML(t *testing.T) {
	out := "```html index.html\n<!doctype html><html><body>hand written</body></html>\n```\n```css\nbody { margin: 0 }\n```"
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputWebsite},
		snapWith(Step{ID: "a", Name: "site", Role: RoleCoder, Output: out}))
	if err != nil {
		t.Fatal(err)
	}
	paths := make(map[string]bool)
	for _, f := range art.Files {
		paths[f.Path] = true
	}
	if !paths["index.html"] || !paths["style.css"] {
		t.Errorf("files = %+v", art.Files)
	}
	if !strings.Contains(art.Content, "hand written") {
		t.Errorf("index content = %q", art.Content)
	}
}

func TestAggregateDatasetConcatenatesArrays(t *testing.T) {
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputDataset},
		snapWith(
			Step{ID: "a", Name: "na", Role: RoleAnalyst, Output: `[{"x":1},{"x":2}]`},
			Step{ID: "b", Name: "nb", Role: RoleAnalyst, Output: `[{"x":3}]`},
		))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"x": 1`, `"x": 2`, `"x": 3`} {
		if !strings.Contains(art.Content, want) {
			t.Errorf("dataset missing %s: %s", want, art.Content)
		}
	}
}

func TestAggregateDatasetMixedNestsByStep(t *testing.T) {
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputDataset},
		snapWith(
			Step{ID: "a", Name: "na", Role: RoleAnalyst, Output: `{"total": 10}`},
			Step{ID: "b", Name: "nb", Role: RoleAnalyst, Output: `[1,2]`},
		))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(art.Content, `"a"`) || !strings.Contains(art.Content, `"total": 10`) {
		t.Errorf("dataset = %s", art.Content)
	}
}

func TestAggregateAutoMajorityRole(t *testing.T) {
	// Three coders against one writer: the majority output type wins.
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputAuto},
		snapWith(
			Step{ID: "a", Name: "core", Role: RoleCoder, Output: "```go main.go\npackage main\n```"},
			Step{ID: "b", Name: "cli", Role: RoleCoder, Output: "```go cli.go\npackage main\n```"},
			Step{ID: "c", Name: "store", Role: RoleCoder, Output: "```go store.go\npackage main\n```"},
			Step{ID: "d", Name: "readme", Role: RoleWriter, Output: "usage notes"},
		))
	if err != nil {
		t.Fatal(err)
	}
	if art.Type != OutputCode {
		t.Errorf("type = %s, want code", art.Type)
	}
}

func TestAggregateAutoInfersComposite(t *testing.T) {
	// One researcher against one coder is a tie, so no single type wins.
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputAuto},
		snapWith(
			Step{ID: "a", Name: "research", Role: RoleResearcher, Output: "facts"},
			Step{ID: "b", Name: "code", Role: RoleCoder, Output: "```python\nprint(1)\n```"},
		))
	if err != nil {
		t.Fatal(err)
	}
	if art.Type != OutputComposite {
		t.Fatalf("type = %s, want composite", art.Type)
	}
	if len(art.Parts) != 2 {
		t.Fatalf("parts = %+v", art.Parts)
	}
	if art.Parts[0].Type != OutputReport || art.Parts[1].Type != OutputCode {
		t.Errorf("part types = %s, %s", art.Parts[0].Type, art.Parts[1].Type)
	}
	if len(art.Parts[1].Files) != 1 {
		t.Errorf("code part files = %+v", art.Parts[1].Files)
	}
}

func TestAggregateAutoSingleRoleType(t *testing.T) {
	g := NewAggregator(DefaultCatalog())
	art, err := g.Aggregate(Task{ID: "task-1", Content: "t", OutputType: OutputAuto},
		snapWith(Step{ID: "a", Name: "write", Role: RoleWriter, Output: "prose"}))
	if err != nil {
		t.Fatal(err)
	}
	if art.Type != OutputDocument {
		t.Errorf("type = %s, want document", art.Type)
	}
}

func TestTokenOverlap(t *testing.T) {
	if got := tokenOverlap("alpha beta gamma delta", "alpha beta gamma delta epsilon"); got != 1.0 {
		t.Errorf("subset overlap = %v, want 1.0", got)
	}
	if got := tokenOverlap("alpha beta", "gamma delta"); got != 0 {
		t.Errorf("disjoint overlap = %v, want 0", got)
	}
	if got := tokenOverlap("", "something"); got != 0 {
		t.Errorf("empty overlap = %v", got)
	}
}

func TestSplitCodeBlocks(t *testing.T) {
	blocks, prose := splitCodeBlocks("intro\n```go main.go\nfunc main() {}\n```\noutro")
	if len(blocks) != 1 || blocks[0].lang != "go" || blocks[0].path != "main.go" {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[0].code != "func main() {}\n" {
		t.Errorf("code = %q", blocks[0].code)
	}
	if !strings.Contains(prose, "intro") || !strings.Contains(prose, "outro") {
		t.Errorf("prose = %q", prose)
	}

	// Unclosed fence keeps its content.
	blocks, _ = splitCodeBlocks("```py\nprint(1)")
	if len(blocks) != 1 || blocks[0].code != "print(1)\n" {
		t.Errorf("unclosed = %+v", blocks)
	}
}
