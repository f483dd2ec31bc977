package core

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// EnvRules describes what the managed app's loader demands of its environment.
type EnvRules struct {
	Required  []string
	Integer   []string
	Positive  []string
	LogLevels []string
}

// Rules returns the env rules from the validate section.
func (c Config) Rules() EnvRules {
	return EnvRules{
		Required:  c.Validate.Required,
		Integer:   c.Validate.Integer,
		Positive:  c.Validate.Positive,
		LogLevels: c.Validate.LogLevels,
	}
}

// ValidateEnv applies rules to a parsed env file and joins every violation.
// Optional keys are only checked when present.
func ValidateEnv(env map[string]string, rules EnvRules) error {
	var errs []error
	for _, k := range rules.Required {
		if env[k] == "" {
			errs = append(errs, fmt.Errorf("missing required variable %s", k))
		}
	}
	for _, k := range rules.Integer {
		v, ok := env[k]
		if !ok || v == "" {
			continue
		}
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("%s must be a number, got %q", k, v))
		}
	}
	for _, k := range rules.Positive {
		v, ok := env[k]
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %q", k, v))
		}
	}
	if lvl, ok := env["LOG_LEVEL"]; ok && lvl != "" && len(rules.LogLevels) > 0 {
		if !slices.Contains(rules.LogLevels, strings.ToUpper(lvl)) {
			errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of %v, got %q", rules.LogLevels, lvl))
		}
	}
	return errors.Join(errs...)
}
