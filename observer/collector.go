package observer

import (
	"context"
	"sync"
	"time"

	ensemble "github.com/nevindra/ensemble"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector turns event bus traffic into execution metrics: step outcomes
// and durations, wave sizes, review decisions, and end-to-end task
// durations. Attach it to the engine's bus; detach with the returned
// cancel function.
type Collector struct {
	inst *Instruments

	mu         sync.Mutex
	taskStart  map[string]time.Time
	stepStart  map[string]time.Time // taskID+"/"+stepID
	reviewSeen map[string]int       // reviews already recorded per step
	waveSeen   map[string]int       // waves already recorded per task
}

// NewCollector creates a collector emitting through inst.
func NewCollector(inst *Instruments) *Collector {
	return &Collector{
		inst:       inst,
		taskStart:  make(map[string]time.Time),
		stepStart:  make(map[string]time.Time),
		reviewSeen: make(map[string]int),
		waveSeen:   make(map[string]int),
	}
}

// Attach subscribes the collector to bus. The returned cancel function
// unsubscribes it.
func (c *Collector) Attach(bus *ensemble.EventBus) (cancel func()) {
	return bus.Subscribe(c.handle)
}

func (c *Collector) handle(ev ensemble.Event) {
	ctx := context.Background()
	switch ev.Type {
	case ensemble.EventTaskCreated:
		c.mu.Lock()
		c.taskStart[ev.TaskID] = ev.Timestamp
		c.mu.Unlock()

	case ensemble.EventTaskCompleted:
		c.taskDone(ctx, ev)

	case ensemble.EventStepStatusChanged:
		payload, ok := ev.Data.(ensemble.StepStatusPayload)
		if !ok {
			return
		}
		c.stepChanged(ctx, ev.TaskID, payload, ev.Timestamp)

	case ensemble.EventExecutionFlowUpdated:
		snap, ok := ev.Data.(ensemble.FlowSnapshot)
		if !ok {
			return
		}
		c.flowUpdated(ctx, snap)
	}
}

func (c *Collector) taskDone(ctx context.Context, ev ensemble.Event) {
	status := "completed"
	if res, ok := ev.Data.(ensemble.Result); ok && !res.Success {
		status = "failed"
	}
	c.mu.Lock()
	start, ok := c.taskStart[ev.TaskID]
	delete(c.taskStart, ev.TaskID)
	c.mu.Unlock()

	attrs := metric.WithAttributes(AttrTaskStatus.String(status))
	c.inst.TasksTotal.Add(ctx, 1, attrs)
	if ok {
		c.inst.TaskDuration.Record(ctx, float64(ev.Timestamp.Sub(start).Milliseconds()), attrs)
	}
}

func (c *Collector) stepChanged(ctx context.Context, taskID string, p ensemble.StepStatusPayload, at time.Time) {
	key := taskID + "/" + p.StepID
	switch p.To {
	case ensemble.StepRunning:
		c.mu.Lock()
		c.stepStart[key] = at
		c.mu.Unlock()

	case ensemble.StepCompleted, ensemble.StepFailed, ensemble.StepSkipped:
		c.mu.Lock()
		start, started := c.stepStart[key]
		delete(c.stepStart, key)
		c.mu.Unlock()

		attrs := metric.WithAttributes(
			AttrStepStatus.String(string(p.To)),
			attribute.String("error_kind", string(p.ErrKind)),
		)
		c.inst.StepsTotal.Add(ctx, 1, attrs)
		if started {
			c.inst.StepDuration.Record(ctx, float64(at.Sub(start).Milliseconds()),
				metric.WithAttributes(AttrStepStatus.String(string(p.To))))
		}
	}
}

// flowUpdated records waves and reviews not seen in earlier snapshots.
func (c *Collector) flowUpdated(ctx context.Context, snap ensemble.FlowSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := c.waveSeen[snap.TaskID]; i < len(snap.Waves); i++ {
		c.inst.WaveSize.Record(ctx, int64(len(snap.Waves[i].StepIDs)))
	}
	c.waveSeen[snap.TaskID] = len(snap.Waves)

	for _, step := range snap.Steps {
		key := snap.TaskID + "/" + step.ID
		for i := c.reviewSeen[key]; i < len(step.Reviews); i++ {
			review := step.Reviews[i]
			c.inst.ReviewsTotal.Add(ctx, 1, metric.WithAttributes(
				AttrReviewDecision.String(string(review.Decision)),
				AttrStepRole.String(string(step.Role)),
			))
			c.inst.ReviewScore.Record(ctx, review.Score)
		}
		c.reviewSeen[key] = len(step.Reviews)
	}
}
