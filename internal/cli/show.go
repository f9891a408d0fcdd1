package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"price-pulse/internal/app"
)

var (
	showLimit  int
	showAlerts bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent market samples or fired alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Alerts: showAlerts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show fired alert events instead of samples")
}
