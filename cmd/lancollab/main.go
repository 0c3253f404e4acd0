package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lancollab/internal/app"
	"lancollab/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

type flags struct {
	configPath string

	host       string
	tcpPort    int
	udpPort    int
	httpPort   int
	noHTTP     bool
	uploadDir  string
	archive    string
	noArchive  bool
	logLevel   string
	logFormat  string
	outputPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "lancollab",
		Short:         "LAN collaboration server: chat, files, audio, video and screen sharing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, f)
		},
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "JSON configuration file")
	addServeFlags(root, f)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, f)
		},
	}
	addServeFlags(serveCmd, f)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			if f.outputPath != "" {
				return cfg.Write(f.outputPath)
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
	addServeFlags(configCmd, f)
	configCmd.Flags().StringVarP(&f.outputPath, "output", "o", "", "write to this file instead of stdout")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lancollab %s\n", version)
		},
	}

	root.AddCommand(serveCmd, configCmd, versionCmd)
	return root
}

func addServeFlags(cmd *cobra.Command, f *flags) {
	fs := cmd.Flags()
	fs.StringVar(&f.host, "host", "", "bind address for TCP and UDP")
	fs.IntVar(&f.tcpPort, "tcp-port", 0, "TCP control port")
	fs.IntVar(&f.udpPort, "udp-port", 0, "UDP media port")
	fs.IntVar(&f.httpPort, "http-port", 0, "monitoring API port")
	fs.BoolVar(&f.noHTTP, "no-http", false, "disable the monitoring API and event stream")
	fs.StringVar(&f.uploadDir, "upload-dir", "", "directory for shared files")
	fs.StringVar(&f.archive, "archive", "", "SQLite audit archive path")
	fs.BoolVar(&f.noArchive, "no-archive", false, "disable the audit archive")
	fs.StringVar(&f.logLevel, "log-level", "", "trace, debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "text or json")
}

// loadConfig layers defaults, file, environment and then the flags the
// user actually set.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Server.Host = f.host
	}
	if changed("tcp-port") {
		cfg.Server.TCPPort = f.tcpPort
	}
	if changed("udp-port") {
		cfg.Server.UDPPort = f.udpPort
	}
	if changed("http-port") {
		cfg.HTTP.Port = f.httpPort
	}
	if changed("no-http") {
		cfg.HTTP.Enabled = !f.noHTTP
	}
	if changed("upload-dir") {
		cfg.Session.UploadDir = f.uploadDir
	}
	if changed("archive") {
		cfg.Archive.Path = f.archive
	}
	if changed("no-archive") {
		cfg.Archive.Enabled = !f.noArchive
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printConfig(w io.Writer, cfg *config.Config) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func serve(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	if err := app.ConfigureLogging(cfg.Log, nil); err != nil {
		return err
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return err
	}
	if err := application.Listen(); err != nil {
		application.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"version": version,
		"tcp":     application.TCPAddr().String(),
		"udp":     application.UDPAddr().String(),
	}).Info("Press Ctrl+C to stop")

	if err := application.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// run executes the root command with args. Tests use it.
func run(ctx context.Context, args []string, out io.Writer) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd.ExecuteContext(ctx)
}
