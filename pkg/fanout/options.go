package fanout

// Strategy decides how a batch reacts to a failing item.
type Strategy string

const (
	// StrategyCollectAll runs every item and reports all failures.
	StrategyCollectAll Strategy = "collect_all"
	// StrategyFailFast cancels the remaining items on the first failure.
	StrategyFailFast Strategy = "fail_fast"
)

// Option configures fan-out behavior.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	strategy    Strategy
	concurrency int
}

func defaultConfig() *config {
	return &config{strategy: StrategyCollectAll}
}

// FailFast cancels the batch on the first item failure.
func FailFast() Option {
	return optionFunc(func(c *config) {
		c.strategy = StrategyFailFast
	})
}

// CollectAll runs every item and returns partial results.
func CollectAll() Option {
	return optionFunc(func(c *config) {
		c.strategy = StrategyCollectAll
	})
}

// WithConcurrency caps how many items of a batch run at once.
// Zero or less means the whole batch runs at once.
func WithConcurrency(n int) Option {
	return optionFunc(func(c *config) {
		c.concurrency = n
	})
}
