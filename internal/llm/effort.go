package llm

import "strings"

// Effort is a reasoning/thinking intensity carried as a model-name suffix,
// e.g. "base-model(high)". Unrecognized suffixes map to EffortUnspecified
// rather than being forwarded raw to the provider.
type Effort string

const (
	EffortUnspecified Effort = ""
	EffortLow         Effort = "low"
	EffortMedium      Effort = "medium"
	EffortHigh        Effort = "high"
	EffortXHigh       Effort = "xhigh"
)

// ParseModelEffort splits "base-model(high)" into ("base-model", EffortHigh).
// A model without a suffix, or with an unrecognized level token, yields
// EffortUnspecified.
func ParseModelEffort(model string) (string, Effort) {
	if !strings.HasSuffix(model, ")") {
		return model, EffortUnspecified
	}
	open := strings.LastIndex(model, "(")
	if open <= 0 {
		return model, EffortUnspecified
	}

	base := model[:open]
	level := strings.ToLower(model[open+1 : len(model)-1])
	switch Effort(level) {
	case EffortLow, EffortMedium, EffortHigh, EffortXHigh:
		return base, Effort(level)
	}
	return base, EffortUnspecified
}
