package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"todo-sync/client"
	"todo-sync/domain"
)

func disableColor() {
	color.Disable()
}

func renderTasks(w io.Writer, tasks []domain.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Done", "Title", "Description", "Updated"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	for _, t := range tasks {
		table.Append([]string{
			taskID(t.ID),
			checkbox(t.Completed),
			t.Title,
			deref(t.Description),
			t.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	table.Render()
}

// taskID marks optimistic records that the server has not confirmed yet.
func taskID(id int64) string {
	if id < 0 {
		return "pending"
	}
	return strconv.FormatInt(id, 10)
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func renderState(ev client.Event) string {
	switch ev.State {
	case client.Connected:
		return color.New(color.FgGreen, color.OpBold).Render("connected")
	case client.Connecting:
		return color.Yellow.Render(fmt.Sprintf("connecting (attempt %d)", ev.Attempt+1))
	case client.Disconnected:
		if ev.RetryIn > 0 {
			return color.Yellow.Render(fmt.Sprintf("disconnected, retrying in %s", ev.RetryIn.Round(time.Millisecond)))
		}
		return color.Yellow.Render("disconnected")
	case client.Failed:
		return color.Red.Render("failed to connect, type 'retry' to try again")
	default:
		return ev.State.String()
	}
}

func renderChange(msg *domain.ServerMessage) string {
	switch msg.Type {
	case domain.MsgCreated:
		return color.Green.Render("+ ") + describe(msg.Task)
	case domain.MsgUpdated:
		return color.Cyan.Render("~ ") + describe(msg.Task)
	case domain.MsgDeleted:
		return color.Red.Render("- ") + "#" + taskID(msg.ID)
	default:
		return msg.Type
	}
}

func describe(t *domain.Task) string {
	if t == nil {
		return ""
	}
	s := "#" + taskID(t.ID) + " " + checkbox(t.Completed) + " " + t.Title
	if t.Description != nil && *t.Description != "" {
		s += color.Gray.Render(" (" + *t.Description + ")")
	}
	return s
}

func renderResult(msg *domain.ServerMessage) string {
	switch {
	case msg.Error != nil:
		return color.Red.Render("error: " + commandError{msg.Error}.Error())
	case msg.Duplicate:
		return color.Gray.Render("already applied")
	default:
		return color.Gray.Render("ok")
	}
}
