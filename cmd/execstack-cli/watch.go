package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"execstack/pkg/execstack"
)

const refreshInterval = 2 * time.Second

type tickMsg time.Time

type ordersMsg struct {
	content string
	err     error
}

type watchModel struct {
	client   *execstack.Client
	viewport viewport.Model
	ready    bool
	width    int
	height   int
	content  string
	err      error
	updated  time.Time
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(client *execstack.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		content, err := renderLevels(ctx, client, []string{"instrument", "contract", "broker"})
		return ordersMsg{content: content, err: err}
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.client), tickCmd())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.client)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.SetContent(m.content)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.client), tickCmd())

	case ordersMsg:
		m.err = msg.err
		if msg.err == nil {
			m.content = msg.content
			m.updated = time.Now()
			if m.ready {
				m.viewport.SetContent(m.content)
			}
		}
		return m, nil
	}

	var cmd tea.Cmd
	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m watchModel) View() string {
	if !m.ready {
		return "loading..."
	}
	header := levelStyle.Render(" execstack ") + " " + dimStyle.Render("q quit, r refresh")
	footer := dimStyle.Render(fmt.Sprintf("updated %s", m.updated.Format("15:04:05")))
	if m.err != nil {
		footer = failStyle.Render(fmt.Sprintf("error: %v", m.err))
	}
	return header + "\n" + m.viewport.View() + "\n" + footer
}

func watch(client *execstack.Client) error {
	p := tea.NewProgram(watchModel{client: client}, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
