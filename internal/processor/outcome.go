package processor

import "fmt"

// Status describes how an invocation finished.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// Outcome is the tagged result of one processor invocation. Recoverable
// processing failures are expressed as failed outcomes, not errors, so every
// boundary handles both cases explicitly.
type Outcome struct {
	Status   Status
	Payload  []byte
	Metadata map[string]string
	Errors   []string
	Warnings []string
	Metrics  map[string]float64
}

// Succeeded reports whether the invocation produced a usable result.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded || o.Status == StatusPartial
}

// ErrorMessage joins the outcome's errors into a single display string.
func (o Outcome) ErrorMessage() string {
	switch len(o.Errors) {
	case 0:
		return ""
	case 1:
		return o.Errors[0]
	default:
		msg := o.Errors[0]
		for _, e := range o.Errors[1:] {
			msg += "; " + e
		}
		return msg
	}
}

// Succeed builds a successful outcome carrying the extracted payload.
func Succeed(payload []byte) Outcome {
	return Outcome{
		Status:   StatusSucceeded,
		Payload:  payload,
		Metadata: make(map[string]string),
		Metrics:  make(map[string]float64),
	}
}

// Fail builds a failed outcome from an error.
func Fail(err error) Outcome {
	out := Outcome{
		Status:   StatusFailed,
		Metadata: make(map[string]string),
		Metrics:  make(map[string]float64),
	}
	if err != nil {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

// Failf builds a failed outcome from a formatted message.
func Failf(format string, args ...any) Outcome {
	return Outcome{
		Status:   StatusFailed,
		Metadata: make(map[string]string),
		Errors:   []string{fmt.Sprintf(format, args...)},
		Metrics:  make(map[string]float64),
	}
}
