package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	timeout   string
	language  string
	memory    string
	network   bool
	maxAge    string
	reason    string
	since     string
	pid       int
	limit     int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "governorctl",
		Short:        "Admin client for the sandbox governor",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("GOVERNOR_URL", "http://localhost:8080"), "Governor URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("GOVERNOR_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code in a sandbox (reads stdin when no code is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addExecFlags(execCmd, "python")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file <file>",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addExecFlags(execFileCmd, "")
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "containers",
		Short: "List containers tracked by the governor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printCall(cmd, http.MethodGet, "/containers", nil)
		},
	})

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove governor containers older than --max-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := time.ParseDuration(maxAge); err != nil {
				return fmt.Errorf("invalid --max-age: %w", err)
			}
			return printCall(cmd, http.MethodPost, "/cleanup", map[string]any{"max_age": maxAge})
		},
	}
	cleanupCmd.Flags().StringVar(&maxAge, "max-age", "1h", "Minimum container age to remove")
	root.AddCommand(cleanupCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Trip the emergency stop and kill every sandbox container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printCall(cmd, http.MethodPost, "/emergency/stop", map[string]any{"reason": reason})
		},
	}
	stopCmd.Flags().StringVar(&reason, "reason", "", "Why the emergency stop is being tripped")
	_ = stopCmd.MarkFlagRequired("reason")
	root.AddCommand(stopCmd)

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the emergency stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printCall(cmd, http.MethodPost, "/emergency/reset", map[string]any{"reason": reason})
		},
	}
	resetCmd.Flags().StringVar(&reason, "reason", "", "Why the emergency stop is being cleared")
	_ = resetCmd.MarkFlagRequired("reason")
	root.AddCommand(resetCmd)

	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show recent host process alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printCall(cmd, http.MethodGet, "/alerts?"+historyQuery().Encode(), nil)
		},
	}
	alertsCmd.Flags().StringVar(&since, "since", "24h", "Only show alerts newer than this")
	alertsCmd.Flags().IntVar(&pid, "pid", 0, "Only show alerts for this pid")
	alertsCmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of alerts")
	root.AddCommand(alertsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check governor health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printCall(cmd, http.MethodGet, "/health", nil)
		},
	})

	return root
}

func addExecFlags(cmd *cobra.Command, defaultLang string) {
	cmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	cmd.Flags().StringVarP(&language, "language", "l", defaultLang, "Language (python, node, bash, go)")
	cmd.Flags().StringVar(&memory, "memory", "", "Memory limit, e.g. 128m")
	cmd.Flags().BoolVar(&network, "network", false, "Request network access (the policy may refuse it)")
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return executeCode(cmd, code, language)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(filepath.Clean(args[0]))
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	lang := language
	if lang == "" {
		lang, err = detectLanguage(args[0])
		if err != nil {
			return err
		}
	}
	return executeCode(cmd, string(data), lang)
}

func executeCode(cmd *cobra.Command, code, lang string) error {
	payload := map[string]any{
		"code":            code,
		"language":        lang,
		"timeout":         timeout,
		"network_enabled": network,
	}
	if memory != "" {
		payload["limits"] = map[string]any{"memory": memory}
	}

	c := newClient(serverURL, apiKey, 70*time.Second)
	var result map[string]any
	status, err := c.call(cmd.Context(), http.MethodPost, "/execute", payload, &result)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("server returned %d", status)
	}

	// Exit with the sandbox exit code
	if rc, ok := result["return_code"].(float64); ok && rc != 0 {
		os.Exit(int(rc))
	}
	return nil
}

func printCall(cmd *cobra.Command, method, path string, body any) error {
	c := newClient(serverURL, apiKey, 30*time.Second)
	var result any
	status, err := c.call(cmd.Context(), method, path, body, &result)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("server returned %d", status)
	}
	return nil
}

func historyQuery() url.Values {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if pid > 0 {
		q.Set("pid", fmt.Sprint(pid))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	return q
}

func detectLanguage(path string) (string, error) {
	switch ext := filepath.Ext(path); ext {
	case ".py":
		return "python", nil
	case ".js", ".mjs":
		return "node", nil
	case ".sh":
		return "bash", nil
	case ".go":
		return "go", nil
	default:
		return "", fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
