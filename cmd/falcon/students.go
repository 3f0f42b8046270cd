package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/falconlib/falcon/internal/library"
	"github.com/falconlib/falcon/internal/schema"
	"github.com/falconlib/falcon/internal/ui"
)

var studentCmd = &cobra.Command{
	Use:     "student",
	Aliases: []string{"students"},
	GroupID: "library",
	Short:   "Manage students and seats",
}

var studentAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a student",
	Long: `Register a student. The id defaults to a generated STU_ id, the status to
Active and the joining date to today. A seat must be free for the shift:
a Full Day student blocks the seat for every shift.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		in := schema.Student{}
		in.ID, _ = cmd.Flags().GetString("id")
		in.Name, _ = cmd.Flags().GetString("name")
		in.Mobile, _ = cmd.Flags().GetString("mobile")
		in.Shift, _ = cmd.Flags().GetString("shift")
		in.Status, _ = cmd.Flags().GetString("status")
		if joining, _ := cmd.Flags().GetString("joining"); joining != "" {
			date, err := library.ParseDate(joining, timeNow())
			if err != nil {
				fatal("%v", err)
			}
			in.JoiningDate = date
		}
		if cmd.Flags().Changed("seat") {
			seat, _ := cmd.Flags().GetInt("seat")
			in.SeatNumber = &seat
		}

		s, err := a.lib.AddStudent(context.Background(), in)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Added %s (%s)\n", ui.RenderPass("✓"), s.Name, s.ID)
	},
}

var studentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List students",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		var filter library.StudentFilter
		filter.Query, _ = cmd.Flags().GetString("query")
		filter.Status, _ = cmd.Flags().GetString("status")
		filter.Shift, _ = cmd.Flags().GetString("shift")

		students, err := a.lib.Students(filter)
		if err != nil {
			fatal("%v", err)
		}
		if len(students) == 0 {
			fmt.Println(ui.RenderMuted("No students"))
			return
		}
		library.SortStudents(students)

		rows := make([][]string, 0, len(students))
		for _, s := range students {
			seat := "-"
			if s.SeatNumber != nil {
				seat = strconv.Itoa(*s.SeatNumber)
			}
			rows = append(rows, []string{s.ID, s.Name, s.Mobile, seat, s.Shift, ui.RenderStatus(s.Status), s.JoiningDate})
		}
		fmt.Println(ui.Table([]string{"ID", "Name", "Mobile", "Seat", "Shift", "Status", "Joined"}, rows))
		fmt.Printf("%d students\n", len(students))
	},
}

var studentUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a student's details",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		fields := schema.Record{}
		for flag, field := range map[string]string{"name": "name", "mobile": "mobile", "shift": "shift", "status": "status"} {
			if cmd.Flags().Changed(flag) {
				value, _ := cmd.Flags().GetString(flag)
				if field == "shift" {
					value = schema.NormalizeShift(value)
				}
				fields[field] = value
			}
		}
		if cmd.Flags().Changed("joining") {
			joining, _ := cmd.Flags().GetString("joining")
			date, err := library.ParseDate(joining, timeNow())
			if err != nil {
				fatal("%v", err)
			}
			fields["joiningDate"] = date
		}
		if cmd.Flags().Changed("seat") {
			seat, _ := cmd.Flags().GetInt("seat")
			if seat <= 0 {
				fields["seatNumber"] = nil
			} else {
				fields["seatNumber"] = seat
			}
		}
		if len(fields) == 0 {
			fatal("nothing to update (see --help)")
		}

		s, err := a.lib.UpdateStudent(context.Background(), args[0], fields)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Updated %s (%s)\n", ui.RenderPass("✓"), s.Name, s.ID)
	},
}

var studentStatusCmd = &cobra.Command{
	Use:   "status <id> <Active|Inactive|Expired>",
	Short: "Change a student's status",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		status := args[1]
		if len(status) > 0 {
			status = strings.ToUpper(status[:1]) + strings.ToLower(status[1:])
		}
		s, err := a.lib.SetStudentStatus(context.Background(), args[0], status)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s %s is now %s\n", ui.RenderPass("✓"), s.Name, ui.RenderStatus(s.Status))
	},
}

var studentDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a student (their payments are kept)",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		s, err := a.lib.Student(args[0])
		if err != nil {
			fatal("%v", err)
		}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			if !ui.IsInteractive() {
				fatal("refusing to delete without --yes")
			}
			ok, err := ui.Confirm(fmt.Sprintf("Delete %s (%s)?", s.Name, s.ID))
			if err != nil {
				fatal("%v", err)
			}
			if !ok {
				return
			}
		}

		if err := a.lib.DeleteStudent(context.Background(), s.ID); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Deleted %s (%s)\n", ui.RenderPass("✓"), s.Name, s.ID)
	},
}

var studentSeatsCmd = &cobra.Command{
	Use:   "seats",
	Short: "List free seats for a shift",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		shift, _ := cmd.Flags().GetString("shift")
		free, err := a.lib.FreeSeats(shift)
		if err != nil {
			fatal("%v", err)
		}
		if len(free) == 0 {
			fmt.Printf("%s No free seats for %s\n", ui.RenderWarn("⚠"), schema.NormalizeShift(shift))
			return
		}
		nums := make([]string, len(free))
		for i, n := range free {
			nums[i] = strconv.Itoa(n)
		}
		fmt.Printf("%d free seats for %s:\n%s\n", len(free), schema.NormalizeShift(shift), strings.Join(nums, " "))
	},
}

func init() {
	f := studentAddCmd.Flags()
	f.String("id", "", "student id (default: generated)")
	f.StringP("name", "n", "", "full name")
	f.StringP("mobile", "m", "", "10-digit mobile number")
	f.StringP("shift", "s", schema.ShiftMorning, "Morning, Evening or Full Day")
	f.Int("seat", 0, "seat number")
	f.String("status", "", "Active, Inactive or Expired (default Active)")
	f.String("joining", "", "joining date (default today)")

	f = studentListCmd.Flags()
	f.StringP("query", "q", "", "search name, mobile or id")
	f.String("status", "", "only this status")
	f.String("shift", "", "only this shift")

	f = studentUpdateCmd.Flags()
	f.StringP("name", "n", "", "full name")
	f.StringP("mobile", "m", "", "10-digit mobile number")
	f.StringP("shift", "s", "", "Morning, Evening or Full Day")
	f.Int("seat", 0, "seat number (0 frees the seat)")
	f.String("status", "", "Active, Inactive or Expired")
	f.String("joining", "", "joining date")

	studentDeleteCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	studentSeatsCmd.Flags().StringP("shift", "s", schema.ShiftMorning, "Morning, Evening or Full Day")

	studentCmd.AddCommand(studentAddCmd, studentListCmd, studentUpdateCmd, studentStatusCmd, studentDeleteCmd, studentSeatsCmd)
	rootCmd.AddCommand(studentCmd)
}
