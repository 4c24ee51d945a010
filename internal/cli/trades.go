package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"delta-hedger/internal/models"
	"delta-hedger/internal/store"
	"delta-hedger/pkg/utils"
)

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Show the trade log",
		Example: `  hedger trades
  hedger trades --date 2024-01-08
  hedger trades --open`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			loc := app.Config.Location()

			filter := store.TradeFilter{}
			if date, _ := cmd.Flags().GetString("date"); date != "" {
				d, err := time.ParseInLocation("2006-01-02", date, loc)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
				filter.SessionDate = d
			}
			filter.Instrument, _ = cmd.Flags().GetString("symbol")
			filter.OpenOnly, _ = cmd.Flags().GetBool("open")
			filter.Limit, _ = cmd.Flags().GetInt("limit")

			st, err := openStore(app.Config, loc)
			if err != nil {
				return err
			}
			defer st.Close()

			trades, err := st.GetTrades(ctx, filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Dim("No trades found")
				return nil
			}
			renderTrades(output, trades, loc)
			return nil
		},
	}

	cmd.Flags().String("date", "", "session date (YYYY-MM-DD)")
	cmd.Flags().String("symbol", "", "filter by instrument")
	cmd.Flags().Bool("open", false, "only legs without an exit")
	cmd.Flags().Int("limit", 0, "maximum number of trades")
	return cmd
}

func renderTrades(output *Output, trades []models.TradeRecord, loc *time.Location) {
	table := NewTable(output, "Date", "Instrument", "Side", "Qty", "Entry", "Entry Time", "Exit", "Exit Time", "P&L")
	var total float64
	for _, t := range trades {
		exit, exitTime := "-", "-"
		pnl := "-"
		if !t.IsOpen() {
			exit = fmt.Sprintf("%.2f", *t.ExitPrice)
			exitTime = t.ExitTime.In(loc).Format("15:04:05")
			pnl = output.FormatPnL(t.PnL())
			total += t.PnL()
		}
		table.AddRow(
			t.SessionDate.Format("2006-01-02"),
			t.Instrument,
			string(t.Side),
			fmt.Sprintf("%d", t.Quantity),
			fmt.Sprintf("%.2f", t.EntryPrice),
			t.EntryTime.In(loc).Format("15:04:05"),
			exit,
			exitTime,
			pnl,
		)
	}
	table.Render()
	output.Println()
	output.Printf("Realized P&L: %s\n", output.FormatPnL(total))
}

func newSessionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Show completed session summaries",
		Example: `  hedger sessions
  hedger sessions --from 2024-01-01 --to 2024-01-31`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			loc := app.Config.Location()

			filter := store.SessionFilter{}
			for flag, target := range map[string]*time.Time{"from": &filter.StartDate, "to": &filter.EndDate} {
				if v, _ := cmd.Flags().GetString(flag); v != "" {
					d, err := time.ParseInLocation("2006-01-02", v, loc)
					if err != nil {
						return fmt.Errorf("invalid --%s %q: %w", flag, v, err)
					}
					*target = d
				}
			}
			filter.Limit, _ = cmd.Flags().GetInt("limit")

			st, err := openStore(app.Config, loc)
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.GetSessions(ctx, filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(sessions)
			}
			if len(sessions) == 0 {
				output.Dim("No sessions found")
				return nil
			}

			table := NewTable(output, "Date", "P&L", "Adjustments", "Trades", "Exit", "Closed")
			var total float64
			for _, s := range sessions {
				table.AddRow(
					s.Date.Format("2006-01-02"),
					output.FormatPnL(s.PnL),
					fmt.Sprintf("%d", s.Adjustments),
					fmt.Sprintf("%d", s.Trades),
					string(s.ExitReason),
					s.ClosedAt.In(loc).Format("15:04"),
				)
				total += s.PnL
			}
			table.Render()
			output.Println()
			output.Printf("Total P&L over %d sessions: %s\n", len(sessions), output.FormatPnL(total))
			output.Dim("Average: %s", utils.FormatPnL(total/float64(len(sessions))))
			return nil
		},
	}

	cmd.Flags().String("from", "", "first session date (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "last session date (YYYY-MM-DD)")
	cmd.Flags().Int("limit", 30, "maximum number of sessions")
	return cmd
}
