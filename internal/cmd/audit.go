package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/legacyguard/internal/audit"
	"github.com/felixgeelhaar/legacyguard/internal/exitcode"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read the audit trail",
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries as an evidence bundle",
	Long: `Export audit entries as a JSON evidence bundle. Entries are read from the
most durable configured sink (audit.database_url, then audit.dir). Entries whose
integrity digest no longer matches are listed under "tampered".`,
	Args: cobra.NoArgs,
	RunE: runAuditExport,
}

var (
	auditOrchestration string
	auditAction        string
	auditFormat        string
	auditScope         string
	auditLimit         int
	auditOut           string
)

func init() {
	auditExportCmd.Flags().StringVar(&auditOrchestration, "orchestration", "", "only entries for this orchestration id")
	auditExportCmd.Flags().StringVar(&auditAction, "action", "", "only entries with this action")
	auditExportCmd.Flags().StringVar(&auditFormat, "format", "soc2", "bundle format (soc2 or iso)")
	auditExportCmd.Flags().StringVar(&auditScope, "scope", "", "scope label recorded in the bundle")
	auditExportCmd.Flags().IntVar(&auditLimit, "limit", audit.DefaultExportLimit, "maximum number of entries")
	auditExportCmd.Flags().StringVarP(&auditOut, "out", "o", "", "write the bundle to this file")

	auditCmd.AddCommand(auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	format, err := audit.ParseExportFormat(auditFormat)
	if err != nil {
		return exitcode.WithCode(exitcode.UsageError, err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel == "" {
		cfg.Log.Level = "warn"
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	st, err := buildStack(ctx, cfg, logger, stackOptions{fixture: true, auditDB: true})
	if err != nil {
		return err
	}
	defer st.Close()

	bundle, err := audit.Export(ctx, st.audit, audit.ExportRequest{
		Format: format,
		Scope:  auditScope,
		Filter: audit.Filter{
			OrchestrationID: auditOrchestration,
			Action:          auditAction,
			Limit:           auditLimit,
		},
	}, time.Now())
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	if auditOut == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}
	if err := os.WriteFile(auditOut, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d entries)\n", successStyle.Render("wrote"), auditOut, len(bundle.Entries))
	return nil
}
