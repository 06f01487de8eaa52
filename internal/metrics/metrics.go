package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	BracketsArmed  Counter
	SubmitFailed   Counter
	EntriesFilled  Counter
	ExitsFilled    Counter
	SafetyFlattens Counter
	WindowFlattens Counter
	OrdersCanceled Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		BracketsArmed:  n,
		SubmitFailed:   n,
		EntriesFilled:  n,
		ExitsFilled:    n,
		SafetyFlattens: n,
		WindowFlattens: n,
		OrdersCanceled: n,
	}
}
