package domain

import (
	"encoding/json"
	"strings"
)

// JobFilter selects the jobs a worker accepts. Blank values and empty or
// all-blank sets match anything.
type JobFilter struct {
	Runtime   string   `json:"runtime,omitempty" yaml:"runtime"`
	Type      string   `json:"type,omitempty" yaml:"type"`
	Provider  string   `json:"provider,omitempty" yaml:"provider"`
	Scenarios []string `json:"scenarios,omitempty" yaml:"scenarios"`
	Languages []string `json:"languages,omitempty" yaml:"languages"`
}

// Matches reports whether info satisfies every criterion of the filter
func (f JobFilter) Matches(info JobInfo) bool {
	return matchOne(info.Runtime, f.Runtime) &&
		matchOne(info.Type, f.Type) &&
		matchOne(info.Provider, f.Provider) &&
		matchAny(info.Scenario, f.Scenarios) &&
		matchAny(info.Language, f.Languages)
}

// AcceptsAnyJob reports whether every criterion is a wildcard
func (f JobFilter) AcceptsAnyJob() bool {
	return isBlank(f.Runtime) && isBlank(f.Type) && isBlank(f.Provider) &&
		allBlank(f.Scenarios) && allBlank(f.Languages)
}

func (f JobFilter) String() string {
	data, _ := json.Marshal(f)
	return string(data)
}

func matchOne(prop, filter string) bool {
	return isBlank(filter) || strings.EqualFold(prop, filter)
}

func matchAny(prop string, filters []string) bool {
	if allBlank(filters) {
		return true
	}
	for _, filter := range filters {
		if strings.EqualFold(prop, filter) {
			return true
		}
	}
	return false
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func allBlank(values []string) bool {
	for _, v := range values {
		if !isBlank(v) {
			return false
		}
	}
	return true
}
