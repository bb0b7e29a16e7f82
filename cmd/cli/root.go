package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "casebridge",
	Short: "Bidirectional incident sync engine",
	Long:  `casebridge keeps a case management system in sync with Jira, ServiceNow and Slack`,
}

// Execute 运行 CLI 入口
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
