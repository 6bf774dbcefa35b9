package features

import (
	"fmt"
	"strings"

	"echo-transcript/internal/config"
)

// Stage 是功能开关所处的生命周期阶段。
type Stage string

const (
	StageStable       Stage = "stable"
	StageBeta         Stage = "beta"
	StageExperimental Stage = "experimental"
)

// Spec describes a feature flag exposed by the CLI. Every flag is a boolean
// config key, so --enable foo is shorthand for -c <key>=true.
type Spec struct {
	Key         string
	Stage       Stage
	ConfigKey   string
	Description string
	enabled     func(config.Config) bool
}

var Specs = []Spec{
	{
		Key:         "journal",
		Stage:       StageBeta,
		ConfigKey:   "persist.journal",
		Description: "append every applied event to a JSONL journal",
		enabled:     func(c config.Config) bool { return c.Persist.Journal },
	},
	{
		Key:         "observer",
		Stage:       StageStable,
		ConfigKey:   "exec.observer",
		Description: "call out long-running commands and stalled streams",
		enabled:     func(c config.Config) bool { return c.Exec.Observer },
	},
	{
		Key:         "exec_tty",
		Stage:       StageExperimental,
		ConfigKey:   "exec.tty",
		Description: "run commands on a pseudo-terminal",
		enabled:     func(c config.Config) bool { return c.Exec.TTY },
	},
	{
		Key:         "reasoning",
		Stage:       StageStable,
		ConfigKey:   "render.reasoning_visible",
		Description: "show full reasoning instead of the summary",
		enabled:     func(c config.Config) bool { return c.Render.ReasoningVisible },
	},
}

var known = func() map[string]Spec {
	m := make(map[string]Spec, len(Specs))
	for _, spec := range Specs {
		m[spec.Key] = spec
	}
	return m
}()

// IsKnown reports whether the feature key is recognized.
func IsKnown(key string) bool {
	_, ok := known[key]
	return ok
}

// Enabled reports the effective value of key under cfg.
func Enabled(cfg config.Config, key string) bool {
	spec, ok := known[key]
	return ok && spec.enabled(cfg)
}

// Overrides turns --enable/--disable lists into config overrides. Disable
// wins when a key appears in both.
func Overrides(enable, disable []string) ([]string, error) {
	var out []string
	for _, group := range []struct {
		keys []string
		on   bool
	}{{enable, true}, {disable, false}} {
		for _, key := range group.keys {
			key = strings.TrimSpace(key)
			spec, ok := known[key]
			if !ok {
				return nil, fmt.Errorf("unknown feature flag: %s", key)
			}
			out = append(out, fmt.Sprintf("%s=%t", spec.ConfigKey, group.on))
		}
	}
	return out, nil
}
