package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/falconlib/falcon/internal/library"
	"github.com/falconlib/falcon/internal/schema"
	"github.com/falconlib/falcon/internal/ui"
)

var paymentCmd = &cobra.Command{
	Use:     "payment",
	Aliases: []string{"payments"},
	GroupID: "library",
	Short:   "Record and track monthly fees",
}

var paymentAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a monthly fee",
	Long: `Record a fee for a student. The month defaults to the current one, the
amount to the configured monthly fee and the due date to the last day of
the month. --paid marks it paid (today unless --paid-on is given).`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		var in library.PaymentInput
		in.ID, _ = cmd.Flags().GetString("id")
		in.StudentID, _ = cmd.Flags().GetString("student")
		in.Month, _ = cmd.Flags().GetString("month")
		in.DueDate, _ = cmd.Flags().GetString("due")
		in.PaymentDate, _ = cmd.Flags().GetString("paid-on")
		in.Notes, _ = cmd.Flags().GetString("notes")
		if cmd.Flags().Changed("amount") {
			amount, _ := cmd.Flags().GetFloat64("amount")
			in.Amount = &amount
		}
		if paid, _ := cmd.Flags().GetBool("paid"); paid || in.PaymentDate != "" {
			in.Status = schema.PaymentPaid
		}

		p, err := a.lib.AddPayment(context.Background(), in)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Recorded %s: %s for %s, %s (due %s)\n", ui.RenderPass("✓"),
			p.ID, formatAmount(p.Amount), p.StudentID, ui.RenderStatus(p.Status), p.DueDate)
	},
}

var paymentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List payments by student or month",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		studentID, _ := cmd.Flags().GetString("student")
		month, _ := cmd.Flags().GetString("month")

		var payments []*schema.Payment
		var err error
		switch {
		case studentID != "":
			payments, err = a.lib.PaymentsByStudent(studentID)
		case month != "":
			payments, err = a.lib.PaymentsByMonth(month)
		default:
			payments, err = a.lib.Payments()
		}
		if err != nil {
			fatal("%v", err)
		}
		if studentID != "" && month != "" {
			filtered := payments[:0]
			for _, p := range payments {
				if p.Month == month {
					filtered = append(filtered, p)
				}
			}
			payments = filtered
		}
		if len(payments) == 0 {
			fmt.Println(ui.RenderMuted("No payments"))
			return
		}

		var paid, due float64
		rows := make([][]string, 0, len(payments))
		for _, p := range payments {
			date := "-"
			if p.PaymentDate != nil {
				date = *p.PaymentDate
			}
			if p.Status == schema.PaymentPaid {
				paid += p.Amount
			} else {
				due += p.Amount
			}
			rows = append(rows, []string{p.ID, p.StudentID, p.Month, formatAmount(p.Amount), ui.RenderStatus(p.Status), p.DueDate, date, p.Notes})
		}
		fmt.Println(ui.Table([]string{"ID", "Student", "Month", "Amount", "Status", "Due", "Paid on", "Notes"}, rows))
		fmt.Printf("Collected %s, outstanding %s\n", formatAmount(paid), formatAmount(due))
	},
}

var paymentPayCmd = &cobra.Command{
	Use:   "pay <id> [date]",
	Short: "Mark a payment as paid",
	Long: `Mark a payment as paid. The date may be YYYY-MM-DD, DD/MM/YYYY or an
expression such as "yesterday"; it defaults to today.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		date := ""
		if len(args) == 2 {
			date = args[1]
		}
		p, err := a.lib.MarkPaid(context.Background(), args[0], date)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s %s paid on %s\n", ui.RenderPass("✓"), p.ID, *p.PaymentDate)
	},
}

var paymentDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a payment",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		if err := a.lib.DeletePayment(context.Background(), args[0]); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), args[0])
	},
}

func formatAmount(v float64) string {
	return "₹" + humanize.CommafWithDigits(v, 2)
}

func init() {
	f := paymentAddCmd.Flags()
	f.String("id", "", "payment id (default: generated)")
	f.StringP("student", "s", "", "student id")
	f.StringP("month", "m", "", "month as YYYY-MM (default current)")
	f.Float64P("amount", "a", 0, "amount (default monthly fee)")
	f.String("due", "", "due date (default last day of the month)")
	f.Bool("paid", false, "record as paid")
	f.String("paid-on", "", "payment date (implies --paid)")
	f.String("notes", "", "free-text notes")

	f = paymentListCmd.Flags()
	f.StringP("student", "s", "", "only this student")
	f.StringP("month", "m", "", "only this month (YYYY-MM)")

	paymentCmd.AddCommand(paymentAddCmd, paymentListCmd, paymentPayCmd, paymentDeleteCmd)
	rootCmd.AddCommand(paymentCmd)
}
