package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all DockBrain metric instruments.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	StepDuration     metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallErrors   metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	DedupDrops       metric.Int64Counter
	QueueDrops       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("dockbrain.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("dockbrain.step.duration",
		metric.WithDescription("Plan step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("dockbrain.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("dockbrain.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("dockbrain.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("dockbrain.ratelimit.rejects",
		metric.WithDescription("Messages rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.DedupDrops, err = meter.Int64Counter("dockbrain.dedup.drops",
		metric.WithDescription("Duplicate messages dropped"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDrops, err = meter.Int64Counter("dockbrain.queue.drops",
		metric.WithDescription("Messages dropped due to full queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
