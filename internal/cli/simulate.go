package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulatePair     string
	simulatePrevious string
	simulateCurrent  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次紧急价格变动并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		previous, err := decimal.NewFromString(simulatePrevious)
		if err != nil {
			return fmt.Errorf("--previous: %w", err)
		}
		current, err := decimal.NewFromString(simulateCurrent)
		if err != nil {
			return fmt.Errorf("--current: %w", err)
		}
		if !previous.IsPositive() || !current.IsPositive() {
			return errors.New("--previous 与 --current 必须大于 0")
		}

		return getApp().SimulateAlert(cmd.Context(), simulatePair, previous, current)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "", "交易对 id（未配置时使用默认精度）")
	simulateCmd.Flags().StringVar(&simulatePrevious, "previous", "", "上一次提交价格（十进制）")
	simulateCmd.Flags().StringVar(&simulateCurrent, "current", "", "当前价格（十进制）")
	_ = simulateCmd.MarkFlagRequired("pair")
}
