package cli

import (
	"casebridge/internal/app"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the casebridge sync engine",
	Long:  `Start the poller, event bus consumers, webhook endpoints and admin API`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	if err := app.Run(); err != nil {
		logrus.Fatalf("casebridge failed: %v", err)
	}
}
