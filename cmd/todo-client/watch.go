package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"todo-sync/client"
	"todo-sync/domain"
)

const watchHelp = `commands:
  add <title> [| description]   create a task
  done <id>                     mark completed
  undo <id>                     mark not completed
  edit <id> <title>             change the title
  desc <id> <description>       change the description
  rm <id>                       delete a task
  list                          print every task
  retry                         reconnect after giving up
  quit                          exit`

var errQuit = errors.New("quit")

// input is one parsed stdin line.
type input struct {
	verb  string
	id    int64
	title string
	text  *string
}

func parseLine(line string) (input, error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	verb = strings.ToLower(verb)
	rest = strings.TrimSpace(rest)
	in := input{verb: verb}

	switch verb {
	case "":
		return in, nil
	case "list", "ls", "retry", "help", "quit", "exit":
		return in, nil
	case "add":
		title, desc, ok := strings.Cut(rest, "|")
		in.title = strings.TrimSpace(title)
		if in.title == "" {
			return in, fmt.Errorf("%w: add <title> [| description]", errUsage)
		}
		if ok {
			d := strings.TrimSpace(desc)
			in.text = &d
		}
		return in, nil
	case "done", "undo", "rm":
		id, err := parseID(rest)
		if err != nil {
			return in, err
		}
		in.id = id
		return in, nil
	case "edit", "desc":
		idText, text, _ := strings.Cut(rest, " ")
		id, err := parseID(idText)
		if err != nil {
			return in, err
		}
		in.id = id
		text = strings.TrimSpace(text)
		if verb == "edit" {
			if text == "" {
				return in, fmt.Errorf("%w: edit <id> <title>", errUsage)
			}
			in.title = text
		} else {
			in.text = &text
		}
		return in, nil
	default:
		return in, fmt.Errorf("%w: unknown command %q, type 'help'", errUsage, verb)
	}
}

// execute runs one parsed line against the manager.
func execute(m *client.Manager, in input, out io.Writer) error {
	var err error
	switch in.verb {
	case "":
	case "add":
		_, err = m.CreateTask(in.title, in.text)
	case "done", "undo":
		completed := in.verb == "done"
		_, err = m.UpdateTask(in.id, domain.TaskPatch{Completed: &completed})
	case "edit":
		_, err = m.UpdateTask(in.id, domain.TaskPatch{Title: &in.title})
	case "desc":
		_, err = m.UpdateTask(in.id, domain.TaskPatch{Description: in.text})
	case "rm":
		_, err = m.DeleteTask(in.id)
	case "list", "ls":
		renderTasks(out, m.Tasks())
	case "retry":
		m.Reconnect()
	case "help":
		fmt.Fprintln(out, watchHelp)
	case "quit", "exit":
		return errQuit
	}
	return err
}

func newWatchCmd(a *app, stdin io.Reader) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the list live and edit it from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			m := client.New(a.options())
			events, stop := m.Subscribe()
			defer m.Close()
			defer stop()
			if err := m.Start(ctx); err != nil {
				return err
			}

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(stdin)
				for sc.Scan() {
					select {
					case lines <- sc.Text():
					case <-ctx.Done():
						return
					}
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					printEvent(out, ev)
				case line, ok := <-lines:
					if !ok {
						// Keep following changes after stdin ends.
						lines = nil
						continue
					}
					in, err := parseLine(line)
					if err == nil {
						err = execute(m, in, out)
					}
					if errors.Is(err, errQuit) {
						return nil
					}
					if err != nil {
						fmt.Fprintln(out, color.Red.Render(err.Error()))
					}
				}
			}
		},
	}
}

func printEvent(w io.Writer, ev client.Event) {
	switch ev.Kind {
	case client.EventState:
		fmt.Fprintln(w, renderState(ev))
	case client.EventSnapshot:
		renderTasks(w, ev.Tasks)
	case client.EventChange:
		if ev.Message != nil {
			fmt.Fprintln(w, renderChange(ev.Message))
		}
	case client.EventResult:
		if ev.Message != nil {
			fmt.Fprintln(w, renderResult(ev.Message))
		}
	}
}
