package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/servidesk/servidesk/internal/config"
	"github.com/servidesk/servidesk/internal/logging"
	"github.com/servidesk/servidesk/internal/protocol"
	"github.com/servidesk/servidesk/internal/viewer"
)

var version = "1.4.0"

var (
	cfgFile    string
	adminToken string
	adminName  string
	log        = logging.L("main")
)

var rootCmd = &cobra.Command{
	Use:   "servidesk-viewer",
	Short: "ServiDesk technician client",
	Long:  `ServiDesk Viewer - the technician-side client: accepts support requests, renders the remote screen and forwards input.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the relay",
	Run: func(cmd *cobra.Command, args []string) {
		runViewer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ServiDesk Viewer v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/servidesk/viewer.yaml)")
	runCmd.Flags().StringVar(&adminToken, "token", "", "relay admin token (or SERVIDESK_ADMIN_TOKEN)")
	runCmd.Flags().StringVar(&adminName, "name", "", "technician display name")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runViewer() {
	cfg, err := config.LoadClient(cfgFile, "viewer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)

	token := adminToken
	if token == "" {
		token = os.Getenv("SERVIDESK_ADMIN_TOKEN")
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "an admin token is required (--token or SERVIDESK_ADMIN_TOKEN)")
		os.Exit(1)
	}
	name := adminName
	if name == "" {
		name = "technician"
	}

	client := viewer.NewFromConfig(cfg, token, name, headlessRenderer{}, viewer.Callbacks{
		OnAuthResult: func(result protocol.AdminAuthResult) {
			log.Info("authenticated", "pending", len(result.PendingRequests))
		},
		OnSupportRequest: func(req protocol.SupportRequest) {
			log.Info("support request", "sessionId", req.SessionID, "customer", req.CustomerName, "hostname", req.Hostname)
		},
		OnSessionStarted: func(started protocol.SessionStarted) {
			log.Info("session started", "sessionId", started.SessionID, "agentId", started.AgentID)
		},
		OnSessionEnded: func(ended protocol.SessionEnded) {
			log.Info("session ended", "reason", ended.Reason, "endedBy", ended.EndedBy)
		},
		OnError: func(code, message string) {
			log.Warn("relay error", "code", code, "message", message)
		},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		client.Stop()
	}()

	client.Run()
}

// headlessRenderer counts frames without presenting them; the GUI shell
// supplies the real decode/blit collaborator.
type headlessRenderer struct{}

func (headlessRenderer) PresentFull(jpeg []byte) (int, int, error) {
	return 0, 0, fmt.Errorf("no render backend in this build")
}

func (headlessRenderer) PresentRegion(jpeg []byte, x, y, w, h int) error {
	return fmt.Errorf("no render backend in this build")
}
