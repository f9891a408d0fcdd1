package cli

import (
	"github.com/spf13/cobra"

	"price-pulse/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次告警规则评估，可选推送通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.Price, "price", "", "快照价格（留空则实时拉取）")
	simulateCmd.Flags().StringVar(&simulateOpts.Change24h, "change", "", "24h 涨跌幅（%）")
	simulateCmd.Flags().StringVar(&simulateOpts.StreamPrice, "stream-price", "", "推送行情价格，用于计算价差")
	simulateCmd.Flags().StringVar(&simulateOpts.PriceThreshold, "price-threshold", "", "价格阈值（留空使用配置）")
	simulateCmd.Flags().StringVar(&simulateOpts.ChangeThreshold, "change-threshold", "", "涨跌幅阈值（留空使用配置）")
	simulateCmd.Flags().BoolVar(&simulateOpts.RequireTightSpread, "tight-spread", false, "要求价差小于 0.2%")
	simulateCmd.Flags().BoolVar(&simulateOpts.Notify, "notify", false, "规则触发时推送通知")
}
