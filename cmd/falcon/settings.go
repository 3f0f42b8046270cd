package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/falconlib/falcon/internal/library"
	"github.com/falconlib/falcon/internal/ui"
)

var settingsCmd = &cobra.Command{
	Use:     "settings",
	GroupID: "library",
	Short:   "Show or change library settings and shifts",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show settings and shift windows",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		s, err := a.lib.Settings()
		if err != nil {
			fatal("%v", err)
		}
		shifts, err := a.lib.Shifts()
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("\n%s Library Settings\n\n", ui.RenderAccent("⚙"))
		fmt.Printf("Total seats: %d\n", s.TotalSeats)
		fmt.Printf("Monthly fee: %s\n", formatAmount(s.MonthlyFee))
		fmt.Printf("Last update: %s\n", s.LastUpdate)

		rows := make([][]string, 0, len(shifts))
		for _, key := range library.ShiftKeys(shifts) {
			w := shifts[key]
			rows = append(rows, []string{key, w.Start, w.End})
		}
		fmt.Println()
		fmt.Println(ui.Table([]string{"Shift", "Start", "End"}, rows))
		fmt.Printf("\n%s\n\n", s.LibraryRules)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change seats, fee or rules",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		var patch library.SettingsPatch
		if cmd.Flags().Changed("seats") {
			seats, _ := cmd.Flags().GetInt("seats")
			patch.TotalSeats = &seats
		}
		if cmd.Flags().Changed("fee") {
			fee, _ := cmd.Flags().GetFloat64("fee")
			patch.MonthlyFee = &fee
		}
		if cmd.Flags().Changed("rules") {
			rules, _ := cmd.Flags().GetString("rules")
			patch.LibraryRules = &rules
		}

		s, err := a.lib.UpdateSettings(context.Background(), patch)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Settings saved (%d seats, %s per month)\n", ui.RenderPass("✓"), s.TotalSeats, formatAmount(s.MonthlyFee))
	},
}

var shiftSetCmd = &cobra.Command{
	Use:   "shift <morning|evening|fullDay> <start> <end>",
	Short: "Change a shift window (HH:MM)",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		if _, err := a.lib.UpdateShift(context.Background(), args[0], args[1], args[2]); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s %s is now %s-%s\n", ui.RenderPass("✓"), args[0], args[1], args[2])
	},
}

func init() {
	f := settingsSetCmd.Flags()
	f.Int("seats", 0, "total number of seats")
	f.Float64("fee", 0, "monthly fee")
	f.String("rules", "", "library rules text")

	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, shiftSetCmd)
	rootCmd.AddCommand(settingsCmd)
}
