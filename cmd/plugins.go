package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"clawgate/pkg/config"
	"clawgate/pkg/plugin"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List bundled channel plugins",
	Long:  "Lists every bundled channel plugin with its capabilities and, when a config file is found, how many accounts it would start.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		reg := plugin.NewRegistry()
		if err := registerBuiltins(reg); err != nil {
			return err
		}

		// The listing works without a config file; account counts need one.
		cfg, err := loadConfig()
		if err != nil {
			cfg = nil
		}

		return writePlugins(cmd.OutOrStdout(), reg, cfg)
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}

func writePlugins(out io.Writer, reg *plugin.Registry, cfg *config.Config) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCHAT TYPES\tFEATURES\tACCOUNTS")

	for desc := range reg.All() {
		chatTypes := make([]string, 0, len(desc.Capabilities.ChatTypes))
		for _, chatType := range desc.Capabilities.ChatTypes {
			chatTypes = append(chatTypes, string(chatType))
		}

		accounts := "-"
		if cfg != nil {
			channelCfg, _ := cfg.Channel(desc.ID)
			accounts = fmt.Sprint(len(channelCfg.ActiveAccounts()))
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", desc.ID, desc.Name, strings.Join(chatTypes, ","), features(desc.Capabilities), accounts)
	}

	return w.Flush()
}

func features(c plugin.Capabilities) string {
	var out []string
	if c.Media {
		out = append(out, "media")
	}
	if c.Reactions {
		out = append(out, "reactions")
	}
	if c.Threads {
		out = append(out, "threads")
	}
	if c.NativeCommands {
		out = append(out, "commands")
	}
	if len(out) == 0 {
		return "-"
	}

	return strings.Join(out, ",")
}
