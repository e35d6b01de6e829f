package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v2"

	"pkt.systems/mergelock"
)

const (
	outputText = "text"
	outputYAML = "yaml"
	outputJSON = "json"
)

func validOutput(format string) bool {
	switch strings.ToLower(format) {
	case "", outputText, outputYAML, outputJSON:
		return true
	}
	return false
}

type entryView struct {
	Position    int    `json:"position" yaml:"position"`
	Username    string `json:"username" yaml:"username"`
	OrderingKey int64  `json:"ordering_key" yaml:"ordering_key"`
	Holder      bool   `json:"holder" yaml:"holder"`
}

type queueView struct {
	Store   string      `json:"store" yaml:"store"`
	Holder  string      `json:"holder,omitempty" yaml:"holder,omitempty"`
	Length  int         `json:"length" yaml:"length"`
	Entries []entryView `json:"entries" yaml:"entries"`
}

// resultView is printed by the mutating commands.
type resultView struct {
	Action   string     `json:"action" yaml:"action"`
	Username string     `json:"username" yaml:"username"`
	Position int        `json:"position,omitempty" yaml:"position,omitempty"`
	Queue    *queueView `json:"queue,omitempty" yaml:"queue,omitempty"`
	Acquired *entryView `json:"acquired,omitempty" yaml:"acquired,omitempty"`
}

func newQueueView(store string, entries []mergelock.Entry) *queueView {
	view := &queueView{Store: store, Length: len(entries), Entries: make([]entryView, len(entries))}
	for i, entry := range entries {
		view.Entries[i] = entryView{
			Position:    i + 1,
			Username:    entry.Username,
			OrderingKey: entry.OrderingKey,
			Holder:      i == 0,
		}
	}
	if len(entries) > 0 {
		view.Holder = entries[0].Username
	}
	return view
}

func positionOf(entries []mergelock.Entry, username string) int {
	for i, entry := range entries {
		if entry.Username == username {
			return i + 1
		}
	}
	return 0
}

// since renders how long ago the entry with the given ordering key was queued.
func since(key int64, now time.Time) string {
	return humanize.RelTime(mergelock.QueuedAt(mergelock.Entry{OrderingKey: key}), now, "ago", "from now")
}

func render(w io.Writer, format string, v any, textFn func(io.Writer) error) error {
	switch strings.ToLower(format) {
	case outputYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return textFn(w)
	}
}

func writeQueueTable(w io.Writer, view *queueView, now time.Time) error {
	if view.Length == 0 {
		_, err := fmt.Fprintln(w, "queue is empty")
		return err
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "User", "Queued", ""})
	for _, entry := range view.Entries {
		marker := ""
		if entry.Holder {
			marker = "holder"
		}
		tw.AppendRow(table.Row{entry.Position, entry.Username, since(entry.OrderingKey, now), marker})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	_, err := fmt.Fprintln(w, tw.Render())
	return err
}
