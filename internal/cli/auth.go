package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"delta-hedger/internal/broker"
	"delta-hedger/internal/config"
	"delta-hedger/pkg/utils"
)

// addAuthCommands adds authentication commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newLogoutCmd(app))
}

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to Zerodha Kite Connect",
		Long: `Login to Zerodha Kite Connect and save the access token for live trading.

Opens the Kite login page, then exchanges the request_token from the redirect
URL for an access token. The token is valid until 06:00 IST the next day.`,
		Example: `  hedger login
  hedger login --token=<request_token>`,
		Annotations: map[string]string{annotationConfig: configUnchecked},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			z := app.Config.Credentials.Zerodha
			if z.APIKey == "" || z.APISecret == "" {
				output.Error("api_key and api_secret must be set in %s", filepath.Join(app.Config.Dir, "credentials.toml"))
				return fmt.Errorf("zerodha credentials not configured")
			}

			client := kiteconnect.New(z.APIKey)

			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				loginURL := client.GetLoginURL()
				output.Info("Opening Zerodha login page...")
				output.Println()
				output.Bold("Login URL:")
				output.Println(loginURL)
				output.Println()

				if err := openURL(loginURL); err != nil {
					output.Warning("Could not open browser automatically")
				}

				output.Info("After logging in, you'll be redirected to a URL like:")
				output.Dim("  https://your-redirect-url.com/?request_token=XXXXXX&status=success")
				output.Println()
				output.Bold("Paste the request_token value here:")

				reader := bufio.NewReader(cmd.InOrStdin())
				output.Printf("> ")
				input, _ := reader.ReadString('\n')
				token = strings.TrimSpace(input)
			}

			if token == "" {
				output.Error("No token provided")
				return fmt.Errorf("no token provided")
			}

			session, err := broker.CompleteLogin(client, token, z.APISecret)
			if err != nil {
				output.Error("Login failed: %v", err)
				return err
			}

			expires, err := config.SaveSession(app.Config.Dir, session.AccessToken, time.Now())
			if err != nil {
				output.Error("Failed to save session: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"success":    true,
					"expires_at": expires.Format(time.RFC3339),
				})
			}
			output.Success("✓ Login successful!")
			output.Dim("Session valid until %s", expires.In(utils.IndiaLocation).Format("02-Jan-2006 15:04 MST"))
			return nil
		},
	}

	cmd.Flags().String("token", "", "request token from the redirect URL")
	return cmd
}

func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "logout",
		Short:       "Remove the saved Kite Connect session",
		Example:     `  hedger logout`,
		Annotations: map[string]string{annotationConfig: configUnchecked},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			if _, err := os.Stat(config.SessionPath(app.Config.Dir)); os.IsNotExist(err) {
				output.Warning("Not currently logged in.")
				return nil
			}
			if err := config.ClearSession(app.Config.Dir); err != nil {
				output.Error("Logout failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"success": true})
			}
			output.Success("✓ Logged out successfully!")
			return nil
		},
	}
}
