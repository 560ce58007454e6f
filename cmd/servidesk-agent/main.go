package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/servidesk/servidesk/internal/agent"
	"github.com/servidesk/servidesk/internal/config"
	"github.com/servidesk/servidesk/internal/logging"
	"github.com/servidesk/servidesk/internal/platform"
)

var version = "1.4.0"

var (
	cfgFile string
	log     = logging.L("main")
)

var rootCmd = &cobra.Command{
	Use:   "servidesk-agent",
	Short: "ServiDesk endpoint agent",
	Long:  `ServiDesk Agent - runs on the supported endpoint, streams the screen to a technician and replays their input.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ServiDesk Agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the agent identity and relay target",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadClient(cfgFile, "agent")
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("agent id:    %s\n", cfg.AgentID)
		fmt.Printf("relay:       %s\n", cfg.RelayServerURL)
		fmt.Printf("unattended:  %v\n", cfg.UnattendedAccessEnabled)
	},
}

var setPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Set the unattended access password",
	Long:  `Reads the password from stdin and stores its SHA-256 hash. The plaintext is never persisted.`,
	Run: func(cmd *cobra.Command, args []string) {
		setPassword()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/servidesk/agent.yaml)")
	rootCmd.AddCommand(runCmd, versionCmd, statusCmd, setPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent() {
	cfg, err := config.LoadClient(cfgFile, "agent")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)

	client := agent.New(cfg, agent.Collaborators{
		NewCapturer: platform.NewCapturer,
		Encoder:     platform.NewEncoder(),
		Injector:    platform.NewInjector(),
		Clipboard:   platform.NewClipboard(),
		UI:          consoleUI{downloadDir: cfg.DownloadDir},
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

func setPassword() {
	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = "agent.yaml"
	}
	cfg, err := config.LoadClient(cfgFile, "agent")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	fmt.Print("New unattended password: ")
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		os.Exit(1)
	}
	password = strings.TrimRight(password, "\r\n")
	if len(password) < 8 {
		fmt.Fprintln(os.Stderr, "password must be at least 8 characters")
		os.Exit(1)
	}

	sum := sha256.Sum256([]byte(password))
	cfg.UnattendedAccessPasswordHash = hex.EncodeToString(sum[:])
	cfg.UnattendedAccessEnabled = true
	if err := config.SaveClient(cfg, cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "save: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Unattended access enabled.")
}

// consoleUI is the headless fallback shell: transfers are auto-accepted
// into the download directory and session events go to the log.
type consoleUI struct {
	downloadDir string
}

func (u consoleUI) PromptFileSave(fileName string, fileSize int64) (string, bool) {
	dir := u.downloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fileName), true
}

func (u consoleUI) SessionEnded(reason, message string) {
	log.Info("session ended", "reason", reason, "message", message)
}
