package ensemble

import (
	"fmt"
	"sort"
	"sync"
)

// Role names a member of the closed agent-role set. Plans may only assign
// roles the catalog knows; unknown hints resolve to RoleResearcher.
type Role string

const (
	RoleSupervisor      Role = "supervisor"
	RoleResearcher      Role = "researcher"
	RoleSearcher        Role = "searcher"
	RoleCoder           Role = "coder"
	RoleWriter          Role = "writer"
	RoleAnalyst         Role = "analyst"
	RoleSummarizer      Role = "summarizer"
	RoleTranslator      Role = "translator"
	RoleFactChecker     Role = "fact_checker"
	RoleCreative        Role = "creative"
	RoleImageAnalyst    Role = "image_analyst"
	RoleDocumentAnalyst Role = "document_analyst"
	RoleQualityChecker  Role = "quality_checker"
	RoleTextToImage     Role = "text_to_image"
	RoleTextToVideo     Role = "text_to_video"
	RoleImageToVideo    Role = "image_to_video"
	RoleVoiceSynth      Role = "voice_synth"
)

// RoleTemplate carries everything needed to run an agent in a role: the
// persona prompt, preferred model and sampling, tool access, and policy
// flags consumed by the scheduler and aggregator.
type RoleTemplate struct {
	Role         Role
	Name         string  // display name for events and logs
	SystemPrompt string
	Model        string  // empty = provider default model
	Temperature  float64
	Tools        []string   // allowed tool names; nil = all registered tools
	Output       OutputType // artifact kind this role produces, for auto inference
	Critical     bool       // failures here are never coerced to continue
	ContextLimit int        // runes of dependency context before truncation; 0 = catalog default
}

const defaultContextLimit = 24_000

// RoleCatalog is the closed set of role templates. Safe for concurrent use;
// the engine registers media roles only when the matching backends exist.
type RoleCatalog struct {
	mu        sync.RWMutex
	templates map[Role]RoleTemplate
}

// NewRoleCatalog returns an empty catalog. Most callers want DefaultCatalog.
func NewRoleCatalog() *RoleCatalog {
	return &RoleCatalog{templates: make(map[Role]RoleTemplate)}
}

// Register adds or replaces a template. The role name must be non-empty.
func (c *RoleCatalog) Register(t RoleTemplate) error {
	if t.Role == "" {
		return fmt.Errorf("role catalog: empty role name")
	}
	if t.ContextLimit <= 0 {
		t.ContextLimit = defaultContextLimit
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.Role] = t
	return nil
}

// Lookup resolves a role hint. Unknown or unregistered roles fall back to
// the researcher template so a plan with a stray hint still executes.
func (c *RoleCatalog) Lookup(r Role) RoleTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.templates[r]; ok {
		return t
	}
	if t, ok := c.templates[RoleResearcher]; ok {
		t.Name = fmt.Sprintf("%s (as %s)", t.Name, r)
		return t
	}
	return RoleTemplate{Role: r, Name: string(r), ContextLimit: defaultContextLimit}
}

// Has reports whether r is registered.
func (c *RoleCatalog) Has(r Role) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.templates[r]
	return ok
}

// Roles lists the registered role names, sorted.
func (c *RoleCatalog) Roles() []Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Role, 0, len(c.templates))
	for r := range c.templates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultCatalog returns the built-in role set. Media generation roles
// (text_to_image, text_to_video, image_to_video, voice_synth) are not
// included; register them only when a generation backend is wired, so the
// Supervisor never plans steps nothing can execute.
func DefaultCatalog() *RoleCatalog {
	c := NewRoleCatalog()
	for _, t := range []RoleTemplate{
		{
			Role: RoleSupervisor, Name: "Supervisor",
			SystemPrompt: "You are the supervisor of a team of specialist agents. You analyze tasks, decompose them into steps, assign roles, and review results.",
			Temperature:  0.3,
			Critical:     true,
		},
		{
			Role: RoleResearcher, Name: "Researcher",
			SystemPrompt: "You are a thorough researcher. Gather relevant facts, cite where information came from, and present findings in a structured form.",
			Temperature:  0.5,
			Output:       OutputReport,
		},
		{
			Role: RoleSearcher, Name: "Searcher",
			SystemPrompt: "You are a web search specialist. Formulate precise queries, use the available search tools, and return the most relevant findings with sources.",
			Temperature:  0.3,
			Tools:        []string{"web_search", "sandbox_browser"},
			Output:       OutputReport,
		},
		{
			Role: RoleCoder, Name: "Coder",
			SystemPrompt: "You are an expert programmer. Write correct, runnable code with brief usage notes. Use the code interpreter to verify nontrivial logic.",
			Temperature:  0.2,
			Tools:        []string{"sandbox_code_interpreter", "read_file"},
			Output:       OutputCode,
			Critical:     true,
		},
		{
			Role: RoleWriter, Name: "Writer",
			SystemPrompt: "You are a skilled writer. Produce clear, well-organized prose tailored to the requested audience and format.",
			Temperature:  0.7,
			Output:       OutputDocument,
		},
		{
			Role: RoleAnalyst, Name: "Analyst",
			SystemPrompt: "You are a data analyst. Examine the inputs, quantify where possible, and state conclusions with their supporting evidence.",
			Temperature:  0.3,
			Tools:        []string{"sandbox_code_interpreter", "read_file"},
			Output:       OutputReport,
		},
		{
			Role: RoleSummarizer, Name: "Summarizer",
			SystemPrompt: "You condense long material into faithful summaries. Preserve key facts, numbers, and caveats; drop repetition.",
			Temperature:  0.3,
			Output:       OutputDocument,
		},
		{
			Role: RoleTranslator, Name: "Translator",
			SystemPrompt: "You translate text precisely, preserving tone, register, and formatting.",
			Temperature:  0.2,
			Output:       OutputDocument,
		},
		{
			Role: RoleFactChecker, Name: "Fact Checker",
			SystemPrompt: "You verify claims against sources. For each claim report: supported, contradicted, or unverifiable, with the evidence.",
			Temperature:  0.1,
			Tools:        []string{"web_search", "sandbox_browser"},
			Output:       OutputReport,
			Critical:     true,
		},
		{
			Role: RoleCreative, Name: "Creative",
			SystemPrompt: "You are a creative generator. Produce original, engaging content; take the brief seriously but surprise where it helps.",
			Temperature:  0.9,
			Output:       OutputDocument,
		},
		{
			Role: RoleImageAnalyst, Name: "Image Analyst",
			SystemPrompt: "You analyze supplied images: describe content, extract text, and answer questions about them.",
			Temperature:  0.3,
			Tools:        []string{"read_file"},
			Output:       OutputReport,
		},
		{
			Role: RoleDocumentAnalyst, Name: "Document Analyst",
			SystemPrompt: "You analyze supplied documents: extract structure, key passages, figures, and answer questions grounded in the text.",
			Temperature:  0.3,
			Tools:        []string{"read_file"},
			Output:       OutputReport,
		},
		{
			Role: RoleQualityChecker, Name: "Quality Checker",
			SystemPrompt: "You are a strict reviewer. Judge whether a piece of work fulfils its stated objective; score it and justify the score.",
			Temperature:  0.1,
			Critical:     true,
		},
	} {
		_ = c.Register(t)
	}
	return c
}
