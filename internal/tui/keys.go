package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	PlayPause key.Binding
	Back      key.Binding
	Forward   key.Binding
	Slower    key.Binding
	Faster    key.Binding
	Loop      key.Binding
	Reset     key.Binding
	Search    key.Binding
	NextMatch key.Binding
	PrevMatch key.Binding
	Diff      key.Binding
	Quit      key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		PlayPause: key.NewBinding(key.WithKeys(" ", "space"), key.WithHelp("space", "play/pause")),
		Back:      key.NewBinding(key.WithKeys("left"), key.WithHelp("←", "back")),
		Forward:   key.NewBinding(key.WithKeys("right"), key.WithHelp("→", "forward")),
		Slower:    key.NewBinding(key.WithKeys("["), key.WithHelp("[", "slower")),
		Faster:    key.NewBinding(key.WithKeys("]"), key.WithHelp("]", "faster")),
		Loop:      key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "loop")),
		Reset:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset")),
		Search:    key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "search")),
		NextMatch: key.NewBinding(key.WithKeys("n"), key.WithHelp("n/N", "next/prev match")),
		PrevMatch: key.NewBinding(key.WithKeys("N")),
		Diff:      key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "diff")),
		Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.PlayPause, k.Back, k.Forward, k.Slower, k.Faster, k.Loop, k.Reset, k.Search, k.NextMatch, k.Diff, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
