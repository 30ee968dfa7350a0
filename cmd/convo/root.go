package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/meow-io/go-convo/config"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	format     string
	configFile string
	debug      bool
}

var validFormats = []string{"table", "text"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "convo",
		Short: "Inspect convo identity and group state",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.format {
					if f == "text" {
						pterm.DisableStyling()
					}
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.format, "format", "table", "output format (table|text)")
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "yaml config file")
	cmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "debug logging")

	cmd.AddCommand(newStateCommand(opts))
	cmd.AddCommand(newIceboxCommand(opts))
	cmd.AddCommand(newDemoCommand(opts))
	return cmd
}

// newConfig builds a config rooted at dir, with the config file applied first.
func (o *rootOptions) newConfig(dir, prefix string) (*config.Config, error) {
	opts := []config.Option{}
	if o.configFile != "" {
		fileOpts, err := config.LoadFile(o.configFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fileOpts...)
	}
	opts = append(opts,
		config.WithRootDir(dir),
		config.WithLoggingPrefix(prefix),
		config.WithDebug(o.debug),
	)
	return config.NewConfig(opts...), nil
}

// tempDir holds the databases a command run creates.
func tempDir(prefix string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "convo-"+prefix+"-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// printer writes rows either as a pterm table or as plain tab separated lines.
type printer struct {
	w    io.Writer
	text bool
}

func newPrinter(cmd *cobra.Command, opts *rootOptions) *printer {
	return &printer{w: cmd.OutOrStdout(), text: opts.format == "text"}
}

func (p *printer) heading(format string, args ...interface{}) {
	if p.text {
		fmt.Fprintf(p.w, "# "+format+"\n", args...)
		return
	}
	fmt.Fprintln(p.w, pterm.DefaultSection.Sprintf(format, args...))
}

func (p *printer) line(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) table(header []string, rows [][]string) error {
	if p.text {
		for _, row := range rows {
			fmt.Fprintln(p.w, strings.Join(row, "\t"))
		}
		return nil
	}
	if len(rows) == 0 {
		fmt.Fprintln(p.w, pterm.Gray("(none)"))
		return nil
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(append([][]string{header}, rows...)).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(p.w, out)
	return nil
}
