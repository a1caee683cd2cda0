package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/al-bashkir/todoctl/internal/todo"
)

// Output formats for list commands
const (
	formatTable = "table"
	formatJSON  = "json"
)

var (
	okMark   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("✓")
	failMark = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("✗")

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	doneStyle   = cellStyle.Foreground(lipgloss.Color("241")).Strikethrough(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// printTodos writes todos in the requested format.
func printTodos(w io.Writer, todos []todo.Todo, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(todos)
	case formatTable, "":
		_, err := fmt.Fprintln(w, renderTodoTable(todos))
		return err
	default:
		return fmt.Errorf("unknown output format %q (want %s or %s)", format, formatTable, formatJSON)
	}
}

func renderTodoTable(todos []todo.Todo) string {
	if len(todos) == 0 {
		return mutedStyle.Render("Nothing to do yet.")
	}

	rows := make([][]string, 0, len(todos))
	remaining := 0
	for _, t := range todos {
		done := " "
		if t.Completed {
			done = "x"
		} else {
			remaining++
		}
		desc := ""
		if t.Description != nil {
			desc = *t.Description
		}
		rows = append(rows, []string{strconv.Itoa(t.ID), "[" + done + "]", t.Title, desc})
	}

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "DONE", "TITLE", "DESCRIPTION").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row >= 0 && row < len(todos) && todos[row].Completed:
				return doneStyle
			default:
				return cellStyle
			}
		})

	summary := mutedStyle.Render(fmt.Sprintf("%d of %d remaining", remaining, len(todos)))
	return tbl.String() + "\n" + summary
}

// describeTodo is the one-line confirmation printed after a change.
func describeTodo(verb string, t *todo.Todo) string {
	state := "open"
	if t.Completed {
		state = "done"
	}
	return fmt.Sprintf("%s %s #%d %q (%s)", okMark, verb, t.ID, t.Title, state)
}
