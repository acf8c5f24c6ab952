package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"foreman/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - multi-step workflow orchestrator for agent fleets",
	Long: `Foreman coordinates multi-step workflows carried out by remote agents.
Agents poll for steps, receive resolved input templates, and report results;
foreman drives the run/step/story state machine in between.`,
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(workflowCmd)
}

func initLogging() {
	logging.Initialize(os.Getenv("LOG_LEVEL"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
