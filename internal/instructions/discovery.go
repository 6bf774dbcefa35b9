package instructions

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// ProjectDocFilename 是仓库说明文件名称。
	ProjectDocFilename = "AGENTS.md"
	// ProjectOverrideFilename 存在时替代同目录的 AGENTS.md。
	ProjectOverrideFilename = "AGENTS.override.md"
)

// DefaultSystem is used when the config names no system prompt.
const DefaultSystem = "You are a coding assistant working in a terminal. Answer in Markdown and keep replies short."

// Discover collects instruction files for workdir: stateDir/AGENTS.md first,
// then every directory from the filesystem root down to workdir. An override
// file wins over the plain one in the same directory.
func Discover(workdir, stateDir string) string {
	var parts []string
	if stateDir != "" {
		parts = appendFile(parts, filepath.Join(stateDir, ProjectDocFilename))
	}

	dir := workdir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	dir = filepath.Clean(dir)

	var chain []string
	for prev := ""; dir != prev; dir = filepath.Dir(dir) {
		chain = append(chain, dir)
		prev = dir
	}
	for i := len(chain) - 1; i >= 0; i-- {
		before := len(parts)
		parts = appendFile(parts, filepath.Join(chain[i], ProjectOverrideFilename))
		if len(parts) == before {
			parts = appendFile(parts, filepath.Join(chain[i], ProjectDocFilename))
		}
	}
	return strings.Join(parts, "\n\n")
}

func appendFile(parts []string, path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return parts
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return append(parts, text)
	}
	return parts
}

// SystemPrompt joins the base prompt with discovered project instructions.
func SystemPrompt(base, docs string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultSystem
	}
	docs = strings.TrimSpace(docs)
	if docs == "" {
		return base
	}
	return base + "\n\n# Project instructions\n\n" + docs
}
