package domain

import (
	"fmt"
	"strings"
)

const (
	// Wildcard replaces blank JobInfo fields in queue names
	Wildcard = "Any"

	// DefaultQueueFormat is used when no format string is configured
	DefaultQueueFormat = "Type.Provider"

	queueSeparator = "."
)

// JobInfo classifies a job for routing. It is only used to derive queue
// names and to match worker filters.
type JobInfo struct {
	Runtime  string `json:"runtime,omitempty" yaml:"runtime"`
	Type     string `json:"type,omitempty" yaml:"type"`
	Provider string `json:"provider,omitempty" yaml:"provider"`
	Scenario string `json:"scenario,omitempty" yaml:"scenario"`
	Language string `json:"language,omitempty" yaml:"language"`
}

var queueFields = map[string]func(*JobInfo) *string{
	"type":     func(i *JobInfo) *string { return &i.Type },
	"provider": func(i *JobInfo) *string { return &i.Provider },
	"scenario": func(i *JobInfo) *string { return &i.Scenario },
	"language": func(i *JobInfo) *string { return &i.Language },
	"runtime":  func(i *JobInfo) *string { return &i.Runtime },
}

// ParseQueueFormat splits a dot-delimited format string into lower-case
// field tokens. A blank format yields DefaultQueueFormat.
func ParseQueueFormat(format string) ([]string, error) {
	if strings.TrimSpace(format) == "" {
		format = DefaultQueueFormat
	}
	tokens := strings.Split(strings.ToLower(format), queueSeparator)
	for _, token := range tokens {
		if _, ok := queueFields[token]; !ok {
			return nil, fmt.Errorf("%w: %q has unsupported token %q (use Type, Provider, Scenario, Language, Runtime)",
				ErrInvalidQueueFormat, format, token)
		}
	}
	return tokens, nil
}

// QueueName renders the queue name for this JobInfo. Blank fields become
// Wildcard; trailing wildcards are trimmed but at least one token remains.
func (i JobInfo) QueueName(format string) (string, error) {
	tokens, err := ParseQueueFormat(format)
	if err != nil {
		return "", err
	}

	values := make([]string, len(tokens))
	for idx, token := range tokens {
		values[idx] = strings.TrimSpace(*queueFields[token](&i))
	}

	for len(values) > 1 && values[len(values)-1] == "" {
		values = values[:len(values)-1]
	}

	for idx, v := range values {
		if v == "" {
			values[idx] = Wildcard
		}
	}
	return strings.Join(values, queueSeparator), nil
}

// ParseQueueName is the inverse of QueueName for the same format: wildcard
// and trimmed tokens come back blank. Field values containing the separator
// cannot be recovered.
func ParseQueueName(name, format string) (JobInfo, error) {
	tokens, err := ParseQueueFormat(format)
	if err != nil {
		return JobInfo{}, err
	}

	parts := strings.Split(name, queueSeparator)
	if len(parts) > len(tokens) {
		return JobInfo{}, fmt.Errorf("queue name %q has more tokens than format %q", name, format)
	}

	var info JobInfo
	for idx, part := range parts {
		if part == Wildcard {
			continue
		}
		*queueFields[tokens[idx]](&info) = part
	}
	return info, nil
}

func (i JobInfo) String() string {
	return fmt.Sprintf("%s.%s.%s.%s.%s", orAny(i.Runtime), orAny(i.Type), orAny(i.Provider), orAny(i.Scenario), orAny(i.Language))
}

func orAny(s string) string {
	if strings.TrimSpace(s) == "" {
		return Wildcard
	}
	return s
}
