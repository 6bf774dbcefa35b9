package slash

import "strings"

// Command 表示内置斜杠命令的标识符。
type Command string

const (
	CommandUndo      Command = "undo"
	CommandSave      Command = "save"
	CommandResume    Command = "resume"
	CommandSessions  Command = "sessions"
	CommandRun       Command = "run"
	CommandApply     Command = "apply"
	CommandFind      Command = "find"
	CommandSearch    Command = "search"
	CommandTheme     Command = "theme"
	CommandReasoning Command = "reasoning"
	CommandCopy      Command = "copy"
	CommandInterrupt Command = "interrupt"
	CommandHelp      Command = "help"
	CommandQuit      Command = "quit"
)

// Item 代表弹窗中的一行条目。
type Item struct {
	Command     Command
	Args        string
	Description string
}

// Token 返回无前导斜杠的匹配键。
func (i Item) Token() string { return string(i.Command) }

// DisplayName 返回带前缀斜杠的展示名称。
func (i Item) DisplayName() string {
	if i.Args == "" {
		return "/" + i.Token()
	}
	return "/" + i.Token() + " " + i.Args
}

// Builtins lists the commands in popup order.
func Builtins() []Item {
	return []Item{
		{Command: CommandUndo, Args: "[id]", Description: "drop the last prompt, or everything after a record id"},
		{Command: CommandSave, Description: "save the transcript as a session"},
		{Command: CommandResume, Args: "[session]", Description: "restore a saved session (latest if omitted)"},
		{Command: CommandSessions, Description: "list saved sessions"},
		{Command: CommandRun, Args: "<command>", Description: "run a shell command in the workdir"},
		{Command: CommandApply, Args: "<patch-file>", Description: "apply a unified diff once approved"},
		{Command: CommandFind, Args: "[glob]", Description: "list workspace files"},
		{Command: CommandSearch, Args: "<text>", Description: "fuzzy search the transcript"},
		{Command: CommandTheme, Args: "[name]", Description: "switch color theme"},
		{Command: CommandReasoning, Description: "show or hide reasoning"},
		{Command: CommandCopy, Description: "copy the last answer to the clipboard"},
		{Command: CommandInterrupt, Description: "stop the running turn"},
		{Command: CommandHelp, Description: "show key bindings"},
		{Command: CommandQuit, Description: "exit"},
	}
}

// Parse splits "/cmd args" into its command and trimmed arguments.
// ok is false when value is not a known slash command.
func Parse(value string) (Command, string, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "/") {
		return "", "", false
	}
	name, args, _ := strings.Cut(value[1:], " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "exit" {
		name = string(CommandQuit)
	}
	for _, it := range Builtins() {
		if string(it.Command) == name {
			return it.Command, strings.TrimSpace(args), true
		}
	}
	return "", "", false
}
