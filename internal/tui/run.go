package tui

import (
	"errors"

	tea "github.com/charmbracelet/bubbletea"
)

// Result 返回 TUI 退出时的会话信息。
type Result struct {
	SessionID string
	Records   int
}

// Run 启动 Bubble Tea 程序并阻塞到退出。altScreen 为 false 时输出保留在终端。
func Run(opts Options, altScreen bool) (Result, error) {
	programOptions := []tea.ProgramOption{tea.WithMouseCellMotion()}
	if altScreen {
		programOptions = append(programOptions, tea.WithAltScreen())
	}
	model := New(opts)
	defer model.Close()
	final, err := tea.NewProgram(model, programOptions...).Run()
	if err != nil {
		return Result{}, err
	}
	m, ok := final.(*Model)
	if !ok {
		return Result{}, errors.New("unexpected tui model")
	}
	return Result{SessionID: m.ctrl.ID(), Records: m.view.Len()}, nil
}
