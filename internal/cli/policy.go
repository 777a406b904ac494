package cli

import (
	"github.com/spf13/cobra"

	"twapguard/internal/twap"
)

var policyPair string

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and change pair policies",
}

var (
	updMinInterval     uint64
	updMaxPerHour      uint32
	updMinVolume       uint64
	updMinChangeBps    uint16
	updEmergencyBps    uint16
	updMaxEmergency    uint32
	updBucketDuration  uint64
	updDiscountBps     uint16
	updMaxBuyback      uint64
	updAdvanceModeFlag string
)

var policyUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change policy parameters; only flags that are set are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		var update twap.PolicyUpdate
		if flags.Changed("min-update-interval") {
			update.MinUpdateInterval = &updMinInterval
		}
		if flags.Changed("max-updates-per-hour") {
			update.MaxUpdatesPerHour = &updMaxPerHour
		}
		if flags.Changed("min-volume") {
			update.MinVolumeThreshold = &updMinVolume
		}
		if flags.Changed("min-price-change-bps") {
			update.MinPriceChangeBps = &updMinChangeBps
		}
		if flags.Changed("emergency-threshold-bps") {
			update.EmergencyUpdateThresholdBps = &updEmergencyBps
		}
		if flags.Changed("max-emergency-per-hour") {
			update.MaxEmergencyUpdatesPerHour = &updMaxEmergency
		}
		if flags.Changed("bucket-duration") {
			update.BucketDurationTicks = &updBucketDuration
		}
		if flags.Changed("buyback-discount-bps") {
			update.BuybackDiscountBps = &updDiscountBps
		}
		if flags.Changed("max-buyback-amount") {
			update.MaxBuybackAmount = &updMaxBuyback
		}
		if flags.Changed("advance-mode") {
			mode := twap.AdvanceMode(updAdvanceModeFlag)
			update.AdvanceMode = &mode
		}
		return getApp().UpdatePolicy(cmd.Context(), cmd.OutOrStdout(), policyPair, update)
	},
}

func init() {
	policyCmd.PersistentFlags().StringVar(&policyPair, "pair", "", "Pair id")
	_ = policyCmd.MarkPersistentFlagRequired("pair")

	f := policyUpdateCmd.Flags()
	f.Uint64Var(&updMinInterval, "min-update-interval", 0, "Minimum ticks between commits")
	f.Uint32Var(&updMaxPerHour, "max-updates-per-hour", 0, "Commit budget per 3600 ticks")
	f.Uint64Var(&updMinVolume, "min-volume", 0, "Accumulated volume required to commit")
	f.Uint16Var(&updMinChangeBps, "min-price-change-bps", 0, "Minimum move against the last committed price")
	f.Uint16Var(&updEmergencyBps, "emergency-threshold-bps", 0, "Move that raises an emergency alert")
	f.Uint32Var(&updMaxEmergency, "max-emergency-per-hour", 0, "Emergency alert budget per 3600 ticks")
	f.Uint64Var(&updBucketDuration, "bucket-duration", 0, "Ticks per bucket")
	f.Uint16Var(&updDiscountBps, "buyback-discount-bps", 0, "Discount applied to the TWAP for buybacks")
	f.Uint64Var(&updMaxBuyback, "max-buyback-amount", 0, "Largest reclaim amount per request")
	f.StringVar(&updAdvanceModeFlag, "advance-mode", "", "Bucket advance mode (absolute or elapsed)")

	policyCmd.AddCommand(policyUpdateCmd)
}
