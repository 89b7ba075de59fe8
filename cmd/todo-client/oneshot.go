package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"todo-sync/domain"
)

// runCommand connects, issues one request and waits for its acknowledgment.
func runCommand(cmd *cobra.Command, a *app, send func(s *session) (string, error)) (domain.ServerMessage, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.Timeout)
	defer cancel()
	s, err := connect(ctx, a)
	if err != nil {
		return domain.ServerMessage{}, err
	}
	defer s.Close()
	requestID, err := send(s)
	if err != nil {
		return domain.ServerMessage{}, err
	}
	return s.await(ctx, requestID)
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.Timeout)
			defer cancel()
			s, err := connect(ctx, a)
			if err != nil {
				return err
			}
			defer s.Close()
			renderTasks(cmd.OutOrStdout(), s.m.Tasks())
			return nil
		},
	}
}

func newAddCmd(a *app) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var desc *string
			if cmd.Flags().Changed("description") {
				desc = &description
			}
			res, err := runCommand(cmd, a, func(s *session) (string, error) {
				return s.m.CreateTask(args[0], desc)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created #%d\n", res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "optional details")
	return cmd
}

func newDoneCmd(a *app, completed bool) *cobra.Command {
	use, short := "done <id>", "Mark a task completed"
	if !completed {
		use, short = "undo <id>", "Mark a task not completed"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if _, err := runCommand(cmd, a, func(s *session) (string, error) {
				return s.m.UpdateTask(id, domain.TaskPatch{Completed: &completed})
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated #%d\n", id)
			return nil
		},
	}
}

func newEditCmd(a *app) *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a task's title or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var patch domain.TaskPatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			if patch.Empty() {
				return fmt.Errorf("%w: pass --title and/or --description", errUsage)
			}
			if _, err := runCommand(cmd, a, func(s *session) (string, error) {
				return s.m.UpdateTask(id, patch)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated #%d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if _, err := runCommand(cmd, a, func(s *session) (string, error) {
				return s.m.DeleteTask(id)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted #%d\n", id)
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid task id %q", errUsage, s)
	}
	return id, nil
}
