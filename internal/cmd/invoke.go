package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nctiggy/nwha/internal/ai"
	"github.com/nctiggy/nwha/internal/config"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke [prompt...]",
	Short: "Run one prompt through the configured engines",
	Long: `Run one prompt through the primary engine and, when it fails and
fallback is enabled, the secondary engine. The prompt is read from the
arguments, or from stdin when none are given. The response is printed to
stdout and the engine that produced it to stderr.`,
	RunE: runInvoke,
}

var (
	invokeDir        string
	invokePrimary    string
	invokeNoFallback bool
)

func init() {
	rootCmd.AddCommand(invokeCmd)
	invokeCmd.Flags().StringVar(&invokeDir, "dir", "", "working directory for the engine command")
	invokeCmd.Flags().StringVar(&invokePrimary, "engine", "", "primary engine (claude or codex)")
	invokeCmd.Flags().BoolVar(&invokeNoFallback, "no-fallback", false, "do not try the secondary engine")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	prompt := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = string(data)
	}

	aiCfg := cfg.AI
	if invokePrimary != "" {
		if !config.IsValidEngine(invokePrimary) {
			return fmt.Errorf("unknown engine %q (valid: %s)", invokePrimary, strings.Join(config.ValidEngines(), ", "))
		}
		if invokePrimary != aiCfg.Primary {
			aiCfg.Secondary = aiCfg.Primary
		}
		aiCfg.Primary = invokePrimary
	}
	if invokeNoFallback {
		aiCfg.FallbackEnabled = false
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	coord, err := ai.NewCoordinatorFromConfig(aiCfg, logger)
	if err != nil {
		return err
	}
	out, err := coord.Respond(cmd.Context(), ai.Request{Prompt: prompt, Dir: invokeDir})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(out.Text, "\n"))
	fmt.Fprintf(cmd.ErrOrStderr(), "engine: %s\n", out.Engine)
	return nil
}
