package health

// Checker reports nil when the component it represents is healthy.
type Checker interface {
	Check() error
}
