package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phoenixguard/sentinel/internal/bridge"
	"github.com/phoenixguard/sentinel/internal/config"
	"github.com/phoenixguard/sentinel/internal/report"
	"github.com/phoenixguard/sentinel/pkg/types"
)

// withBridge dials the bridge socket and runs fn under the command timeout.
func withBridge(cmd *cobra.Command, fn func(ctx context.Context, c *bridge.Client) error) error {
	cfg := getClientConfig(cmd)
	ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.timeout)
	defer cancel()

	c, err := bridge.DialUnix(ctx, cfg.socketPath)
	if err != nil {
		return &ExitError{code: exitUnavailable, message: err.Error()}
	}
	defer c.Close()
	return bridgeExit(fn(ctx, c))
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sentinel status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(cmd, func(ctx context.Context, c *bridge.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd, st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printStatus(w io.Writer, st bridge.StatusPayload) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	state := "active"
	if !st.Active {
		state = "inactive (fail-open)"
	}
	fmt.Fprintf(tw, "Sentinel:\t%s\n", state)
	fmt.Fprintf(tw, "Mode:\t%s\n", st.Mode)
	fmt.Fprintf(tw, "Intercepts:\t%d\n", st.Intercepts)
	fmt.Fprintf(tw, "Score:\t%d (%s)\n", st.Score, report.VerdictFor(st.Score))
	fmt.Fprintf(tw, "Log entries:\t%d\n", st.LogCount)
	if st.DecoyActive {
		fmt.Fprintf(tw, "Decoy:\tactive (%d bytes)\n", st.DecoySize)
	} else {
		fmt.Fprintf(tw, "Decoy:\tdisabled\n")
	}
	tw.Flush()
}

func newLogsCmd() *cobra.Command {
	var (
		tail   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the interception audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(cmd, func(ctx context.Context, c *bridge.Client) error {
				recs, err := c.Logs(ctx)
				if err != nil {
					return err
				}
				if tail > 0 && tail < len(recs) {
					recs = recs[len(recs)-tail:]
				}
				if asJSON {
					return printJSON(cmd, recs)
				}
				printRecords(cmd.OutOrStdout(), recs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 0, "Only show the last N records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printRecords(w io.Writer, recs []types.AuditRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no records")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tOPERATION\tADDRESS\tSIZE\tRESULT\tSCORE\tDESCRIPTION")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t0x%08x\t%d\t%s\t%d\t%s\n",
			r.Seq, r.Timestamp.Format("15:04:05.000"), r.Kind, r.Address, r.Size,
			recordOutcome(r), r.Score, r.Description)
	}
	tw.Flush()
}

func recordOutcome(r types.AuditRecord) string {
	switch {
	case r.Redirected:
		return "REDIRECT"
	case r.Allowed:
		return "ALLOW"
	default:
		return "BLOCK"
	}
}

func newDecoyCmd() *cobra.Command {
	var (
		size string
		out  string
	)
	cmd := &cobra.Command{
		Use:   "decoy",
		Short: "Export the decoy flash image",
		Long: `Export the start of the decoy flash image the sentinel serves to suspicious
callers. Without --out the bytes are printed as a hex dump.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := config.ParseByteSize(size)
			if err != nil {
				return fmt.Errorf("--size: %w", err)
			}
			return withBridge(cmd, func(ctx context.Context, c *bridge.Client) error {
				data, err := c.Decoy(ctx, int(n))
				if err != nil {
					return err
				}
				return writeBytes(cmd, out, data)
			})
		},
	}
	cmd.Flags().StringVar(&size, "size", "64KiB", "Bytes to export (capped by the daemon)")
	cmd.Flags().StringVar(&out, "out", "", "Write raw bytes to this file")
	return cmd
}

func newFlashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Read or write the real flash part through the bridge",
	}
	cmd.AddCommand(newFlashReadCmd())
	cmd.AddCommand(newFlashWriteCmd())
	return cmd
}

func newFlashReadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "read ADDRESS SIZE",
		Short: "Read flash bytes",
		Example: `  sentinel flash read 0xFFFF0000 4KiB --out bootblock.bin
  sentinel flash read 0xFF000000 256`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			n, err := config.ParseByteSize(args[1])
			if err != nil {
				return fmt.Errorf("size: %w", err)
			}
			if n == 0 || n > bridge.MaxFlashRequest {
				return fmt.Errorf("size must be between 1 and %d bytes", bridge.MaxFlashRequest)
			}
			return withBridge(cmd, func(ctx context.Context, c *bridge.Client) error {
				data, err := c.FlashRead(ctx, addr, uint32(n))
				if err != nil {
					return err
				}
				return writeBytes(cmd, out, data)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Write raw bytes to this file")
	return cmd
}

func newFlashWriteCmd() *cobra.Command {
	var (
		hexData string
		file    string
	)
	cmd := &cobra.Command{
		Use:   "write ADDRESS",
		Short: "Write flash bytes",
		Long: `Write bytes to the real flash part. Writes reaching the boot block are
refused while an incident is active.`,
		Example: `  sentinel flash write 0xFF100000 --data deadbeef
  sentinel flash write 0xFF100000 --file patch.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			var data []byte
			switch {
			case hexData != "" && file != "":
				return fmt.Errorf("use either --data or --file")
			case hexData != "":
				data, err = hex.DecodeString(strings.TrimPrefix(hexData, "0x"))
				if err != nil {
					return fmt.Errorf("--data: %w", err)
				}
			case file != "":
				data, err = os.ReadFile(file)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("one of --data or --file is required")
			}
			if len(data) == 0 || len(data) > bridge.MaxFlashRequest {
				return fmt.Errorf("write of %d bytes: must be between 1 and %d", len(data), bridge.MaxFlashRequest)
			}
			return withBridge(cmd, func(ctx context.Context, c *bridge.Client) error {
				if err := c.FlashWrite(ctx, addr, data); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes at 0x%08x\n", len(data), addr)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&hexData, "data", "", "Hex bytes to write")
	cmd.Flags().StringVar(&file, "file", "", "File whose contents are written")
	return cmd
}

func newModeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode [MODE]",
		Short: "Show or change the protection mode",
		Long: `Show the current protection mode, or switch to one of:
passive, active, honeypot, forensic, anti-forage (or 0-4).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var want types.Mode
			if len(args) == 1 {
				m, err := types.ParseMode(args[0])
				if err != nil {
					return err
				}
				want = m
			}
			return withBridge(cmd, func(ctx context.Context, c *bridge.Client) error {
				if len(args) == 1 {
					if err := c.SetMode(ctx, want); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "mode: %s\n", want)
					return nil
				}
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "mode: %s\n", st.Mode)
				return nil
			})
		},
	}
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset analysis statistics and the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(cmd, func(ctx context.Context, c *bridge.Client) error {
				if err := c.Reset(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "statistics reset")
				return nil
			})
		},
	}
}

func newReportCmd() *cobra.Command {
	var (
		format   string
		detailed bool
		out      string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the analysis report",
		Long: `Export the analysis report. The summary comes over the bridge socket; a
detailed report with the full timeline is fetched from the HTTP API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "markdown", "md", "json":
			default:
				return fmt.Errorf("--format must be markdown or json")
			}
			var raw []byte
			if detailed {
				cfg := getClientConfig(cmd)
				ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.timeout)
				defer cancel()
				b, err := cfg.api().Report(ctx, string(report.LevelDetailed), "json")
				if err != nil {
					return err
				}
				raw = b
			} else {
				err := withBridge(cmd, func(ctx context.Context, c *bridge.Client) error {
					b, err := c.Report(ctx)
					raw = b
					return err
				})
				if err != nil {
					return err
				}
			}

			var rep report.Report
			if err := json.Unmarshal(raw, &rep); err != nil {
				return fmt.Errorf("decode report: %w", err)
			}
			var rendered []byte
			if format == "json" {
				b, err := json.MarshalIndent(&rep, "", "  ")
				if err != nil {
					return err
				}
				rendered = append(b, '\n')
			} else {
				rendered = []byte(report.FormatMarkdown(&rep))
			}
			if out != "" {
				return os.WriteFile(out, rendered, 0o644)
			}
			_, err := cmd.OutOrStdout().Write(rendered)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "markdown", "Output format: markdown|json")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "Include the full operation timeline (uses the HTTP API)")
	cmd.Flags().StringVar(&out, "out", "", "Write the report to this file")
	return cmd
}

// parseAddress accepts decimal, 0x hex and 0o octal.
func parseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

func writeBytes(cmd *cobra.Command, out string, data []byte) error {
	if out != "" {
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(data), out)
		return nil
	}
	d := hex.Dumper(cmd.OutOrStdout())
	if _, err := d.Write(data); err != nil {
		return err
	}
	return d.Close()
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
