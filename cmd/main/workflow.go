package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"foreman/internal/services"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow definitions",
}

var workflowImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a workflow definition from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowImport,
}

func init() {
	workflowCmd.AddCommand(workflowImportCmd)
}

func runWorkflowImport(cmd *cobra.Command, args []string) error {
	doc, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	repos, cleanup, err := openRepos()
	if err != nil {
		return err
	}
	defer cleanup()

	workflowService := services.NewWorkflowService(repos)
	workflow, validation, err := workflowService.ImportYAML(context.Background(), doc)
	if err != nil {
		if !validation.OK() {
			for _, issue := range validation.Errors {
				fmt.Fprintf(os.Stderr, "%s: %s\n", issue.Path, issue.Message)
			}
		}
		return err
	}

	fmt.Printf("imported workflow %s (id %d) with %d steps\n", workflow.Name, workflow.ID, len(workflow.Steps))
	return nil
}
