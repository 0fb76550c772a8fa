package model

import "github.com/secmon-lab/herald/pkg/domain/types"

// Outcome is the classification of one bulk item. Both bulk kinds share it;
// only the success label differs ("UPLOADED", "ADDED").
type Outcome struct {
	Kind   types.OutcomeKind
	Label  string
	Reason string
}

// Succeeded builds a success outcome tagged with label
func Succeeded(label string) Outcome {
	return Outcome{Kind: types.OutcomeSuccess, Label: label}
}

// SkippedExists builds the benign "target already exists" outcome
func SkippedExists(reason string) Outcome {
	return Outcome{Kind: types.OutcomeSkippedExists, Label: string(types.OutcomeSkippedExists), Reason: reason}
}

// Failed builds an error outcome carrying a human readable reason
func Failed(reason string) Outcome {
	return Outcome{Kind: types.OutcomeError, Label: string(types.OutcomeError), Reason: reason}
}

// Tag is the stable wire tag of the outcome
func (o Outcome) Tag() string {
	if o.Label != "" {
		return o.Label
	}
	return string(o.Kind)
}

func (o Outcome) IsError() bool {
	return o.Kind == types.OutcomeError
}
