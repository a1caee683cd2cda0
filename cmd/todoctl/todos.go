package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/todoctl/internal/daemon"
	"github.com/al-bashkir/todoctl/internal/todo"
)

var (
	listOutput   string
	listPending  bool
	addDesc      string
	editTitle    string
	editDesc     string
	deleteYes    bool
	toggleUndone bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List your to-dos",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a to-do",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

var editCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change the title or description of a to-do",
	Args:  cobra.ExactArgs(1),
	RunE:  runEdit,
}

var toggleCmd = &cobra.Command{
	Use:     "toggle <id>",
	Aliases: []string{"done"},
	Short:   "Mark a to-do as done (or open again with --undo)",
	Args:    cobra.ExactArgs(1),
	RunE:    runToggle,
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a to-do",
	Args:    cobra.ExactArgs(1),
	RunE:    runDelete,
}

func addTodoCommands(root *cobra.Command) {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", formatTable, "Output format (table, json)")
	listCmd.Flags().BoolVar(&listPending, "pending", false, "Only show open to-dos")
	addCmd.Flags().StringVarP(&addDesc, "description", "d", "", "Description")
	editCmd.Flags().StringVar(&editTitle, "title", "", "New title")
	editCmd.Flags().StringVarP(&editDesc, "description", "d", "", "New description")
	toggleCmd.Flags().BoolVar(&toggleUndone, "undo", false, "Mark the to-do as open")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Do not ask for confirmation")

	root.AddCommand(listCmd, addCmd, editCmd, toggleCmd, deleteCmd)
}

// withTodos runs fn with the to-do client once a session is confirmed.
func withTodos(cmd *cobra.Command, fn func(ctx context.Context, todos *todo.Client) error) error {
	return withApp(commandContext(cmd), func(ctx context.Context, app *daemon.App) error {
		if err := requireLogin(app); err != nil {
			return err
		}
		return fn(ctx, app.Todos)
	})
}

func runList(cmd *cobra.Command, _ []string) error {
	return withTodos(cmd, func(ctx context.Context, todos *todo.Client) error {
		items, err := todos.List(ctx)
		if err != nil {
			return err
		}
		if listPending {
			open := items[:0]
			for _, t := range items {
				if !t.Completed {
					open = append(open, t)
				}
			}
			items = open
		}
		return printTodos(stdout, items, listOutput)
	})
}

func runAdd(cmd *cobra.Command, args []string) error {
	in := todo.CreateInput{
		Title:       strings.Join(args, " "),
		Description: todo.StringPtr(addDesc),
	}
	if err := in.Validate(); err != nil {
		return err
	}

	return withTodos(cmd, func(ctx context.Context, todos *todo.Client) error {
		created, err := todos.Create(ctx, in)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, describeTodo("Added", created))
		return nil
	})
}

func runEdit(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	var in todo.UpdateInput
	if cmd != nil && cmd.Flags().Changed("title") {
		in.Title = &editTitle
	}
	if cmd != nil && cmd.Flags().Changed("description") {
		in.Description = &editDesc
	}
	if in.Title == nil && in.Description == nil {
		return errors.New("nothing to change: pass --title or --description")
	}
	if err := in.Validate(); err != nil {
		return err
	}

	return withTodos(cmd, func(ctx context.Context, todos *todo.Client) error {
		updated, err := todos.Update(ctx, id, in)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, describeTodo("Updated", updated))
		return nil
	})
}

func runToggle(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	return withTodos(cmd, func(ctx context.Context, todos *todo.Client) error {
		toggled, err := todos.Toggle(ctx, id, !toggleUndone)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, describeTodo("Marked", toggled))
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	if !deleteYes {
		ok, err := promptConfirm(fmt.Sprintf("Delete to-do #%d?", id))
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(stdout, "Cancelled")
			return nil
		}
	}

	return withTodos(cmd, func(ctx context.Context, todos *todo.Client) error {
		if err := todos.Delete(ctx, id); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%s Deleted #%d\n", okMark, id)
		return nil
	})
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid to-do id %q", s)
	}
	return id, nil
}
