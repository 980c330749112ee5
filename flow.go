package ensemble

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"   // planned, flow not yet activated
	StepWaiting   StepStatus = "waiting"   // activated, dependencies not all complete
	StepBlocked   StepStatus = "blocked"   // a dependency failed; will not run
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether s is a final state.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Step is one unit of work in an execution flow. Instances returned from
// ExecutionFlow methods are copies; mutate only through the flow.
type Step struct {
	ID             string          `json:"id"`
	Number         int             `json:"number"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Role           Role            `json:"role"`
	ExpectedOutput string          `json:"expected_output,omitempty"`
	DependsOn      []string        `json:"depends_on,omitempty"`
	Status         StepStatus      `json:"status"`
	Output         string          `json:"output,omitempty"`
	ErrKind        ErrKind         `json:"error_kind,omitempty"`
	ErrDetail      string          `json:"error_detail,omitempty"`
	AgentID        string          `json:"agent_id,omitempty"`
	Attempts       int             `json:"attempts"`
	Reviews        []QualityReport `json:"reviews,omitempty"`
	InsertedBy     string          `json:"inserted_by,omitempty"` // reviewed step that triggered insertion
	StartedAt      time.Time       `json:"started_at,omitzero"`
	CompletedAt    time.Time       `json:"completed_at,omitzero"`
}

// WaveStats records one scheduler wave for observers.
type WaveStats struct {
	Index       int       `json:"index"`
	StepIDs     []string  `json:"step_ids"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
}

// Adjustment records a mid-flight flow mutation driven by a review.
type Adjustment struct {
	At          time.Time `json:"at"`
	TriggerStep string    `json:"trigger_step"`
	Action      string    `json:"action"` // "retry", "add_step", "skip_next"
	StepIDs     []string  `json:"step_ids,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Progress tallies step states. Pending includes waiting and blocked steps;
// Percent is the terminal share of the total.
type Progress struct {
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Running   int     `json:"running"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Reviewed  int     `json:"reviewed"`
	Percent   float64 `json:"percent"`
}

// FlowSnapshot is a consistent, serializable copy of a flow. Steps are
// ordered by number; Order is a valid topological order of the DAG.
type FlowSnapshot struct {
	TaskID      string       `json:"task_id"`
	Steps       []Step       `json:"steps"`
	Order       []string     `json:"order"`
	Progress    Progress     `json:"progress"`
	Waves       []WaveStats  `json:"waves,omitempty"`
	Adjustments []Adjustment `json:"adjustments,omitempty"`
}

// Step returns the snapshot step with the given id, if present.
func (s *FlowSnapshot) Step(id string) (Step, bool) {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return s.Steps[i], true
		}
	}
	return Step{}, false
}

// ExecutionFlow is a mutable DAG of steps owned by the scheduler. All
// methods are safe for concurrent use; reads return copies.
type ExecutionFlow struct {
	mu          sync.Mutex
	taskID      string
	steps       map[string]*Step
	order       []string // insertion order
	topo        []string // cached topological order; nil = recompute
	waves       []WaveStats
	adjustments []Adjustment
}

// NewExecutionFlow validates the planned steps (unique ids, known
// dependencies, acyclic) and builds a flow. Steps are numbered in the
// given order and start pending.
func NewExecutionFlow(taskID string, steps []Step) (*ExecutionFlow, error) {
	f := &ExecutionFlow{
		taskID: taskID,
		steps:  make(map[string]*Step, len(steps)),
	}
	for i := range steps {
		s := steps[i]
		if s.ID == "" {
			return nil, fmt.Errorf("flow %s: step %d has empty id", taskID, i)
		}
		if _, dup := f.steps[s.ID]; dup {
			return nil, fmt.Errorf("flow %s: duplicate step id %q", taskID, s.ID)
		}
		s.Number = i + 1
		s.Status = StepPending
		f.steps[s.ID] = &s
		f.order = append(f.order, s.ID)
	}
	for _, id := range f.order {
		for _, dep := range f.steps[id].DependsOn {
			if _, ok := f.steps[dep]; !ok {
				return nil, fmt.Errorf("flow %s: step %q depends on unknown step %q", taskID, id, dep)
			}
			if dep == id {
				return nil, NewStepError(ErrKindCycleDetected, fmt.Errorf("step %q depends on itself", id))
			}
		}
	}
	if _, err := f.computeTopo(); err != nil {
		return nil, err
	}
	return f, nil
}

// TaskID returns the owning task id.
func (f *ExecutionFlow) TaskID() string {
	return f.taskID
}

// Len returns the current step count.
func (f *ExecutionFlow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

// Step returns a copy of the step with the given id.
func (f *ExecutionFlow) Step(id string) (Step, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return Step{}, false
	}
	return copyStep(s), true
}

// StepChange is a status transition reported by flow mutators, for event
// emission by the caller.
type StepChange struct {
	StepID string
	From   StepStatus
	To     StepStatus
}

// Activate moves every pending step to waiting. Called once by the
// scheduler when execution starts and after each insertion.
func (f *ExecutionFlow) Activate() []StepChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	var changes []StepChange
	for _, id := range f.order {
		s := f.steps[id]
		if s.Status == StepPending {
			s.Status = StepWaiting
			changes = append(changes, StepChange{StepID: id, From: StepPending, To: StepWaiting})
		}
	}
	return changes
}

// ReadySteps returns copies of the waiting steps whose dependencies have
// all completed, ordered by step number.
func (f *ExecutionFlow) ReadySteps() []Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ready []Step
	for _, id := range f.order {
		s := f.steps[id]
		if s.Status != StepWaiting {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if f.steps[dep].Status != StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, copyStep(s))
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Number < ready[j].Number })
	return ready
}

// MarkRunning transitions a waiting step to running, recording the agent
// that picked it up. Returns dependency_unsatisfied if any dependency is
// not completed; that indicates a scheduler bug, not user error.
func (f *ExecutionFlow) MarkRunning(id, agentID string) (StepChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return StepChange{}, fmt.Errorf("flow %s: unknown step %q", f.taskID, id)
	}
	if s.Status != StepWaiting {
		return StepChange{}, fmt.Errorf("flow %s: step %q is %s, not waiting", f.taskID, id, s.Status)
	}
	for _, dep := range s.DependsOn {
		if f.steps[dep].Status != StepCompleted {
			return StepChange{}, NewStepError(ErrKindDependencyUnsatisfied,
				fmt.Errorf("step %q dispatched with dependency %q in state %s", id, dep, f.steps[dep].Status))
		}
	}
	from := s.Status
	s.Status = StepRunning
	s.AgentID = agentID
	s.Attempts++
	s.StartedAt = time.Now().UTC()
	return StepChange{StepID: id, From: from, To: StepRunning}, nil
}

// MarkCompleted finishes a running step with its output.
func (f *ExecutionFlow) MarkCompleted(id, output string) (StepChange, error) {
	return f.finish(id, StepCompleted, output, "", "")
}

// MarkFailed finishes a running step with an error classification.
func (f *ExecutionFlow) MarkFailed(id string, kind ErrKind, detail string) (StepChange, error) {
	return f.finish(id, StepFailed, "", kind, detail)
}

func (f *ExecutionFlow) finish(id string, to StepStatus, output string, kind ErrKind, detail string) (StepChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return StepChange{}, fmt.Errorf("flow %s: unknown step %q", f.taskID, id)
	}
	if s.Status != StepRunning {
		return StepChange{}, fmt.Errorf("flow %s: step %q is %s, not running", f.taskID, id, s.Status)
	}
	from := s.Status
	s.Status = to
	s.Output = output
	s.ErrKind = kind
	s.ErrDetail = detail
	s.CompletedAt = time.Now().UTC()
	return StepChange{StepID: id, From: from, To: to}, nil
}

// MarkSkipped moves a non-terminal step to skipped.
func (f *ExecutionFlow) MarkSkipped(id, reason string) (StepChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipLocked(id, reason)
}

func (f *ExecutionFlow) skipLocked(id, reason string) (StepChange, error) {
	s, ok := f.steps[id]
	if !ok {
		return StepChange{}, fmt.Errorf("flow %s: unknown step %q", f.taskID, id)
	}
	if s.Status.Terminal() {
		return StepChange{}, fmt.Errorf("flow %s: step %q is already %s", f.taskID, id, s.Status)
	}
	from := s.Status
	s.Status = StepSkipped
	s.ErrDetail = reason
	s.CompletedAt = time.Now().UTC()
	return StepChange{StepID: id, From: from, To: StepSkipped}, nil
}

// ResetForRetry moves a failed step back to waiting, clearing its result
// but keeping the attempt count. The caller then reschedules it.
func (f *ExecutionFlow) ResetForRetry(id string) (StepChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return StepChange{}, fmt.Errorf("flow %s: unknown step %q", f.taskID, id)
	}
	if s.Status != StepFailed && s.Status != StepCompleted {
		return StepChange{}, fmt.Errorf("flow %s: cannot retry step %q in state %s", f.taskID, id, s.Status)
	}
	from := s.Status
	s.Status = StepWaiting
	s.Output = ""
	s.ErrKind = ""
	s.ErrDetail = ""
	s.AgentID = ""
	s.CompletedAt = time.Time{}
	f.adjustments = append(f.adjustments, Adjustment{
		At: time.Now().UTC(), TriggerStep: id, Action: "retry", StepIDs: []string{id},
	})
	return StepChange{StepID: id, From: from, To: StepWaiting}, nil
}

// ForceCompleted overrides a failed step to completed with the given
// output. Used by the best-effort policy when a failure is not worth
// halting downstream work; the original error classification is kept.
func (f *ExecutionFlow) ForceCompleted(id, output string) (StepChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return StepChange{}, fmt.Errorf("flow %s: unknown step %q", f.taskID, id)
	}
	if s.Status != StepFailed {
		return StepChange{}, fmt.Errorf("flow %s: step %q is %s, not failed", f.taskID, id, s.Status)
	}
	from := s.Status
	s.Status = StepCompleted
	s.Output = output
	return StepChange{StepID: id, From: from, To: StepCompleted}, nil
}

// AddReview appends a quality report to the step's review history.
func (f *ExecutionFlow) AddReview(id string, r QualityReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return fmt.Errorf("flow %s: unknown step %q", f.taskID, id)
	}
	s.Reviews = append(s.Reviews, r)
	return nil
}

// InsertStep adds a step mid-flight. Dependencies must name existing
// steps; the insertion is rejected if it would break acyclicity. The new
// step starts pending (Activate moves it to waiting), numbered after all
// existing steps, and the adjustment history records the trigger.
func (f *ExecutionFlow) InsertStep(s Step, triggeredBy string) error {
	return f.insert(s, triggeredBy, "")
}

// InsertStepBefore additionally rewires beforeID to depend on the new
// step, so the inserted work gates it. beforeID must not have started.
func (f *ExecutionFlow) InsertStepBefore(s Step, triggeredBy, beforeID string) error {
	return f.insert(s, triggeredBy, beforeID)
}

func (f *ExecutionFlow) insert(s Step, triggeredBy, beforeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == "" {
		return fmt.Errorf("flow %s: inserted step has empty id", f.taskID)
	}
	if _, dup := f.steps[s.ID]; dup {
		return fmt.Errorf("flow %s: duplicate step id %q", f.taskID, s.ID)
	}
	for _, dep := range s.DependsOn {
		if _, ok := f.steps[dep]; !ok {
			return fmt.Errorf("flow %s: inserted step %q depends on unknown step %q", f.taskID, s.ID, dep)
		}
		if dep == s.ID {
			return NewStepError(ErrKindCycleDetected, fmt.Errorf("step %q depends on itself", s.ID))
		}
	}
	var before *Step
	if beforeID != "" {
		b, ok := f.steps[beforeID]
		if !ok {
			return fmt.Errorf("flow %s: unknown before step %q", f.taskID, beforeID)
		}
		if b.Status != StepPending && b.Status != StepWaiting && b.Status != StepBlocked {
			return fmt.Errorf("flow %s: cannot gate step %q in state %s", f.taskID, beforeID, b.Status)
		}
		before = b
	}
	s.Number = len(f.order) + 1
	s.Status = StepPending
	s.InsertedBy = triggeredBy
	f.steps[s.ID] = &s
	f.order = append(f.order, s.ID)
	if before != nil {
		before.DependsOn = append(before.DependsOn, s.ID)
	}
	f.topo = nil
	if _, err := f.computeTopo(); err != nil {
		// Roll back; the rewire made the graph cyclic.
		delete(f.steps, s.ID)
		f.order = f.order[:len(f.order)-1]
		if before != nil {
			before.DependsOn = before.DependsOn[:len(before.DependsOn)-1]
		}
		f.topo = nil
		return err
	}
	f.adjustments = append(f.adjustments, Adjustment{
		At: time.Now().UTC(), TriggerStep: triggeredBy, Action: "add_step", StepIDs: []string{s.ID},
	})
	return nil
}

// Descendants returns every step reachable from id via dependency edges
// (steps that directly or transitively depend on id).
func (f *ExecutionFlow) Descendants(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.descendantsLocked(id)
}

func (f *ExecutionFlow) descendantsLocked(id string) []string {
	dependents := make(map[string][]string)
	for _, sid := range f.order {
		for _, dep := range f.steps[sid].DependsOn {
			dependents[dep] = append(dependents[dep], sid)
		}
	}
	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range dependents[cur] {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
				queue = append(queue, next)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return f.steps[out[i]].Number < f.steps[out[j]].Number })
	return out
}

// SkipDescendants marks every non-terminal descendant of id skipped and
// records the adjustment. Returns the transitions performed.
func (f *ExecutionFlow) SkipDescendants(id, reason string) []StepChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	var changes []StepChange
	var skipped []string
	for _, did := range f.descendantsLocked(id) {
		if f.steps[did].Status.Terminal() || f.steps[did].Status == StepRunning {
			continue
		}
		ch, err := f.skipLocked(did, reason)
		if err == nil {
			changes = append(changes, ch)
			skipped = append(skipped, did)
		}
	}
	if len(skipped) > 0 {
		f.adjustments = append(f.adjustments, Adjustment{
			At: time.Now().UTC(), TriggerStep: id, Action: "skip_next", StepIDs: skipped, Reason: reason,
		})
	}
	return changes
}

// BlockOnFailedDeps moves waiting steps with a failed or skipped
// dependency to blocked. The scheduler calls it when no progress is
// possible so unreachable work is not reported as waiting forever.
func (f *ExecutionFlow) BlockOnFailedDeps() []StepChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	var changes []StepChange
	for {
		moved := false
		for _, id := range f.order {
			s := f.steps[id]
			if s.Status != StepWaiting && s.Status != StepPending {
				continue
			}
			for _, dep := range s.DependsOn {
				st := f.steps[dep].Status
				if st == StepFailed || st == StepSkipped || st == StepBlocked {
					from := s.Status
					s.Status = StepBlocked
					changes = append(changes, StepChange{StepID: id, From: from, To: StepBlocked})
					moved = true
					break
				}
			}
		}
		if !moved {
			return changes
		}
	}
}

// SkipRemaining marks every non-terminal, non-running step skipped. Used
// at flow teardown so every step ends terminal.
func (f *ExecutionFlow) SkipRemaining(reason string) []StepChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	var changes []StepChange
	for _, id := range f.order {
		s := f.steps[id]
		if s.Status.Terminal() || s.Status == StepRunning {
			continue
		}
		if ch, err := f.skipLocked(id, reason); err == nil {
			changes = append(changes, ch)
		}
	}
	return changes
}

// RunningCount returns the number of running steps.
func (f *ExecutionFlow) RunningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.order {
		if f.steps[id].Status == StepRunning {
			n++
		}
	}
	return n
}

// AllTerminal reports whether every step reached a final state.
func (f *ExecutionFlow) AllTerminal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		if !f.steps[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// RecordWave appends wave statistics to the flow history.
func (f *ExecutionFlow) RecordWave(ws WaveStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws.Index = len(f.waves) + 1
	f.waves = append(f.waves, ws)
}

// ExecutionOrder returns a topological order of the current DAG. The
// order is recomputed lazily after insertions; ties break by step number
// so the result is deterministic.
func (f *ExecutionFlow) ExecutionOrder() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.computeTopo()
}

func (f *ExecutionFlow) computeTopo() ([]string, error) {
	if f.topo != nil {
		out := make([]string, len(f.topo))
		copy(out, f.topo)
		return out, nil
	}
	indegree := make(map[string]int, len(f.steps))
	dependents := make(map[string][]string)
	for _, id := range f.order {
		indegree[id] = len(f.steps[id].DependsOn)
		for _, dep := range f.steps[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	var frontier []string
	for _, id := range f.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	var topo []string
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			return f.steps[frontier[i]].Number < f.steps[frontier[j]].Number
		})
		cur := frontier[0]
		frontier = frontier[1:]
		topo = append(topo, cur)
		for _, next := range dependents[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	if len(topo) != len(f.steps) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, NewStepError(ErrKindCycleDetected,
			fmt.Errorf("flow %s: dependency cycle through %v", f.taskID, stuck))
	}
	f.topo = topo
	out := make([]string, len(topo))
	copy(out, topo)
	return out, nil
}

// Progress returns the current step tallies.
func (f *ExecutionFlow) Progress() Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progressLocked()
}

func (f *ExecutionFlow) progressLocked() Progress {
	p := Progress{Total: len(f.order)}
	for _, id := range f.order {
		s := f.steps[id]
		switch s.Status {
		case StepRunning:
			p.Running++
		case StepCompleted:
			p.Completed++
		case StepFailed:
			p.Failed++
		case StepSkipped:
			p.Skipped++
		default: // pending, waiting, blocked
			p.Pending++
		}
		if len(s.Reviews) > 0 {
			p.Reviewed++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed+p.Skipped) / float64(p.Total)
	}
	return p
}

// Snapshot returns a consistent deep copy of the flow for serialization
// and events. Steps are ordered by number.
func (f *ExecutionFlow) Snapshot() FlowSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := FlowSnapshot{
		TaskID:   f.taskID,
		Steps:    make([]Step, 0, len(f.order)),
		Progress: f.progressLocked(),
	}
	for _, id := range f.order {
		snap.Steps = append(snap.Steps, copyStep(f.steps[id]))
	}
	sort.Slice(snap.Steps, func(i, j int) bool { return snap.Steps[i].Number < snap.Steps[j].Number })
	if topo, err := f.computeTopo(); err == nil {
		snap.Order = topo
	}
	snap.Waves = append(snap.Waves, f.waves...)
	snap.Adjustments = append(snap.Adjustments, f.adjustments...)
	return snap
}

func copyStep(s *Step) Step {
	out := *s
	out.DependsOn = append([]string(nil), s.DependsOn...)
	out.Reviews = append([]QualityReport(nil), s.Reviews...)
	return out
}
