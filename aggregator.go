package ensemble

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/unicode/norm"
)

// ArtifactFile is one file of a code or website artifact.
type ArtifactFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Artifact is the merged final output of a task.
type Artifact struct {
	Type     OutputType     `json:"type"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content,omitempty"`
	Files    []ArtifactFile `json:"files,omitempty"`
	Parts    []Artifact     `json:"parts,omitempty"` // composite only
	Sources  []string       `json:"sources,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// overlapThreshold is the normalized token overlap above which two step
// outputs are treated as duplicates of the same work.
const overlapThreshold = 0.8

// Aggregator merges completed step outputs into one typed artifact. It is
// a pure function of the flow snapshot: aggregating the same snapshot
// twice yields the same artifact.
type Aggregator struct {
	catalog *RoleCatalog
	logger  *slog.Logger
	md      goldmark.Markdown
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// AggregatorLogger sets the structured logger.
func AggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(g *Aggregator) { g.logger = l }
}

// NewAggregator builds an aggregator using catalog role templates for
// auto type inference.
func NewAggregator(catalog *RoleCatalog, opts ...AggregatorOption) *Aggregator {
	g := &Aggregator{
		catalog: catalog,
		logger:  nopLogger,
		md:      goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Aggregate merges the snapshot's contributing outputs into the task's
// requested artifact type. Contributing steps are the completed leaves of
// the DAG (steps nothing depends on); when every leaf failed or was
// skipped, all completed steps contribute so partial work is not lost.
// Returns an error only when no step completed at all.
func (g *Aggregator) Aggregate(task Task, snap FlowSnapshot) (Artifact, error) {
	steps := g.contributing(snap)
	if len(steps) == 0 {
		return Artifact{}, fmt.Errorf("aggregate %s: no completed steps", task.ID)
	}
	steps, warnings := g.dropOverlaps(steps)

	typ := task.OutputType
	if typ == "" || typ == OutputAuto {
		typ = g.inferType(steps)
	}

	art := Artifact{
		Type:     typ,
		Title:    titleFrom(task),
		Warnings: warnings,
	}
	for _, s := range steps {
		art.Sources = append(art.Sources, s.ID)
	}

	switch typ {
	case OutputReport:
		art.Content = g.mergeReport(steps)
	case OutputDocument:
		art.Content = g.mergeDocument(steps)
	case OutputCode:
		art.Content, art.Files = g.mergeCode(steps)
	case OutputWebsite:
		art.Content, art.Files = g.mergeWebsite(task, steps)
	case OutputDataset:
		art.Content = g.mergeDataset(steps)
	case OutputImage, OutputVideo:
		art.Content = g.mergeMedia(steps)
	case OutputComposite:
		art.Parts = g.mergeComposite(steps)
	default:
		art.Type = OutputReport
		art.Content = g.mergeReport(steps)
	}
	return art, nil
}

// contributing picks the steps whose outputs form the artifact.
func (g *Aggregator) contributing(snap FlowSnapshot) []Step {
	hasDependent := make(map[string]bool)
	for _, s := range snap.Steps {
		for _, dep := range s.DependsOn {
			hasDependent[dep] = true
		}
	}
	var leaves, completed []Step
	for _, s := range snap.Steps {
		if s.Status != StepCompleted || strings.TrimSpace(s.Output) == "" {
			continue
		}
		completed = append(completed, s)
		if !hasDependent[s.ID] {
			leaves = append(leaves, s)
		}
	}
	steps := leaves
	if len(steps) == 0 {
		steps = completed
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Number < steps[j].Number })
	return steps
}

// dropOverlaps removes outputs that near-duplicate another contributing
// output. The later-completed step wins; the drop is reported as a
// warning so observers can surface it as a task_log.
func (g *Aggregator) dropOverlaps(steps []Step) ([]Step, []string) {
	drop := make(map[string]bool)
	var warnings []string
	for i := 0; i < len(steps); i++ {
		for j := i + 1; j < len(steps); j++ {
			a, b := steps[i], steps[j]
			if drop[a.ID] || drop[b.ID] {
				continue
			}
			if tokenOverlap(a.Output, b.Output) <= overlapThreshold {
				continue
			}
			loser, winner := a, b
			if a.CompletedAt.After(b.CompletedAt) {
				loser, winner = b, a
			}
			drop[loser.ID] = true
			msg := fmt.Sprintf("outputs of %s and %s overlap; keeping %s", a.ID, b.ID, winner.ID)
			warnings = append(warnings, msg)
			g.logger.Warn("dropping overlapping step output",
				"kept", winner.ID, "dropped", loser.ID)
		}
	}
	out := steps[:0:0]
	for _, s := range steps {
		if !drop[s.ID] {
			out = append(out, s)
		}
	}
	return out, warnings
}

// inferType picks the artifact type for auto tasks: the majority output
// type among the contributing roles. A tie between distinct types yields
// composite.
func (g *Aggregator) inferType(steps []Step) OutputType {
	counts := make(map[OutputType]int)
	for _, s := range steps {
		t := g.catalog.Lookup(s.Role).Output
		if t == "" {
			t = OutputReport
		}
		counts[t]++
	}
	best := OutputReport
	bestN, tied := 0, false
	for t, n := range counts {
		switch {
		case n > bestN:
			best, bestN, tied = t, n, false
		case n == bestN:
			tied = true
		}
	}
	if tied && len(counts) > 1 {
		return OutputComposite
	}
	return best
}

func (g *Aggregator) mergeReport(steps []Step) string {
	if len(steps) == 1 {
		return steps[0].Output
	}
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Name, strings.TrimSpace(s.Output))
	}
	return strings.TrimSpace(b.String())
}

func (g *Aggregator) mergeDocument(steps []Step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, strings.TrimSpace(s.Output))
	}
	return strings.Join(parts, "\n\n")
}

// mergeCode splits fenced code blocks out of the outputs into files; the
// surrounding prose becomes the artifact content.
func (g *Aggregator) mergeCode(steps []Step) (string, []ArtifactFile) {
	var prose strings.Builder
	var files []ArtifactFile
	for _, s := range steps {
		blocks, rest := splitCodeBlocks(s.Output)
		for i, blk := range blocks {
			path := blk.path
			if path == "" {
				path = fmt.Sprintf("%s_%d%s", sanitizePath(s.Name), i+1, extFor(blk.lang))
			}
			files = append(files, ArtifactFile{Path: path, Content: blk.code})
		}
		if rest != "" {
			fmt.Fprintf(&prose, "%s\n\n", rest)
		}
	}
	return strings.TrimSpace(prose.String()), files
}

// mergeWebsite renders the merged markdown to a standalone HTML page.
func (g *Aggregator) mergeWebsite(task Task, steps []Step) (string, []ArtifactFile) {
	// Steps may already emit HTML; pass those through untouched.
	var htmlFiles []ArtifactFile
	var md strings.Builder
	for _, s := range steps {
		blocks, rest := splitCodeBlocks(s.Output)
		for _, blk := range blocks {
			if blk.lang == "html" || blk.lang == "css" || blk.lang == "javascript" || blk.lang == "js" {
				path := blk.path
				if path == "" {
					path = defaultWebPath(blk.lang, len(htmlFiles))
				}
				htmlFiles = append(htmlFiles, ArtifactFile{Path: path, Content: blk.code})
				continue
			}
			fmt.Fprintf(&md, "```%s\n%s\n```\n\n", blk.lang, blk.code)
		}
		if rest != "" {
			fmt.Fprintf(&md, "%s\n\n", rest)
		}
	}
	hasIndex := false
	for _, f := range htmlFiles {
		if f.Path == "index.html" {
			hasIndex = true
		}
	}
	if !hasIndex {
		var buf bytes.Buffer
		if err := g.md.Convert([]byte(md.String()), &buf); err != nil {
			g.logger.Warn("markdown render failed", "error", err)
			buf.Reset()
			buf.WriteString("<pre>" + md.String() + "</pre>")
		}
		page := fmt.Sprintf("<!doctype html>\n<html>\n<head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n%s</body>\n</html>\n",
			titleFrom(task), buf.String())
		htmlFiles = append([]ArtifactFile{{Path: "index.html", Content: page}}, htmlFiles...)
	}
	var index string
	for _, f := range htmlFiles {
		if f.Path == "index.html" {
			index = f.Content
		}
	}
	return index, htmlFiles
}

// mergeDataset merges JSON outputs: all arrays concatenate, anything else
// nests under its step id.
func (g *Aggregator) mergeDataset(steps []Step) string {
	var arrays []json.RawMessage
	byStep := make(map[string]json.RawMessage)
	order := make([]string, 0, len(steps))
	allArrays := true
	for _, s := range steps {
		raw, ok := extractJSON(s.Output)
		if !ok {
			raw, _ = json.Marshal(s.Output)
			allArrays = false
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var elems []json.RawMessage
			if json.Unmarshal(trimmed, &elems) == nil {
				arrays = append(arrays, elems...)
			}
		} else {
			allArrays = false
		}
		byStep[s.ID] = raw
		order = append(order, s.ID)
	}
	if allArrays {
		out, _ := json.MarshalIndent(arrays, "", "  ")
		return string(out)
	}
	var b bytes.Buffer
	b.WriteString("{\n")
	for i, id := range order {
		key, _ := json.Marshal(id)
		b.Write(key)
		b.WriteString(": ")
		b.Write(byStep[id])
		if i < len(order)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}")
	return b.String()
}

// mergeMedia lists generated media locations, one per line.
func (g *Aggregator) mergeMedia(steps []Step) string {
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "%s: %s\n", s.Name, strings.TrimSpace(s.Output))
	}
	return strings.TrimSpace(b.String())
}

// mergeComposite wraps each contributing output as its own typed part.
func (g *Aggregator) mergeComposite(steps []Step) []Artifact {
	parts := make([]Artifact, 0, len(steps))
	for _, s := range steps {
		t := g.catalog.Lookup(s.Role).Output
		if t == "" {
			t = OutputReport
		}
		part := Artifact{Type: t, Title: s.Name, Sources: []string{s.ID}}
		switch t {
		case OutputCode:
			part.Content, part.Files = g.mergeCode([]Step{s})
		default:
			part.Content = strings.TrimSpace(s.Output)
		}
		parts = append(parts, part)
	}
	return parts
}

// tokenOverlap computes the share of the shorter output's tokens that
// also appear in the longer one, after NFKC normalization and case
// folding. 1.0 means the shorter output adds nothing.
func tokenOverlap(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	small, big := ta, tb
	if len(tb) < len(ta) {
		small, big = tb, ta
	}
	common := 0
	for tok := range small {
		if big[tok] {
			common++
		}
	}
	return float64(common) / float64(len(small))
}

func tokenSet(s string) map[string]bool {
	s = strings.ToLower(norm.NFKC.String(s))
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}`*#")
		if len(tok) >= 3 {
			set[tok] = true
		}
	}
	return set
}

type codeBlock struct {
	lang string
	path string
	code string
}

// splitCodeBlocks separates fenced code blocks from the surrounding
// prose. A fence info string like "go main.go" carries a file path.
func splitCodeBlocks(s string) ([]codeBlock, string) {
	var blocks []codeBlock
	var prose strings.Builder
	lines := strings.Split(s, "\n")
	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			prose.WriteString(line)
			prose.WriteByte('\n')
			i++
			continue
		}
		info := strings.Fields(strings.TrimPrefix(trimmed, "```"))
		var blk codeBlock
		if len(info) > 0 {
			blk.lang = strings.ToLower(info[0])
		}
		if len(info) > 1 {
			blk.path = info[1]
		}
		i++
		var code strings.Builder
		closed := false
		for i < len(lines) {
			if strings.TrimSpace(lines[i]) == "```" {
				closed = true
				i++
				break
			}
			code.WriteString(lines[i])
			code.WriteByte('\n')
			i++
		}
		blk.code = code.String()
		_ = closed // an unclosed fence still yields its content
		blocks = append(blocks, blk)
	}
	return blocks, strings.TrimSpace(prose.String())
}

func sanitizePath(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "output"
	}
	return b.String()
}

func extFor(lang string) string {
	switch lang {
	case "go":
		return ".go"
	case "python", "py":
		return ".py"
	case "javascript", "js":
		return ".js"
	case "typescript", "ts":
		return ".ts"
	case "html":
		return ".html"
	case "css":
		return ".css"
	case "sql":
		return ".sql"
	case "bash", "sh", "shell":
		return ".sh"
	case "json":
		return ".json"
	case "yaml", "yml":
		return ".yaml"
	default:
		return ".txt"
	}
}

func defaultWebPath(lang string, n int) string {
	switch lang {
	case "css":
		return "style.css"
	case "javascript", "js":
		return "script.js"
	default:
		if n == 0 {
			return "index.html"
		}
		return fmt.Sprintf("page_%d.html", n+1)
	}
}

func titleFrom(task Task) string {
	title := strings.TrimSpace(task.Content)
	if idx := strings.IndexByte(title, '\n'); idx > 0 {
		title = title[:idx]
	}
	return truncateRunes(title, 80)
}
