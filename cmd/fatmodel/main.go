// Package main provides the fatmodel CLI entry point.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/calibrate"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/config"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/ingest"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/params"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fatmodel",
		Short: "fatmodel - Body composition state estimation and calibration",
		Long: `fatmodel estimates latent fat mass from noisy daily measurements and
calibrates the energy-balance parameters that drive it.

Features:
  • Outlier-robust measurement cleaning
  • Sequential state estimation with RTS smoothing
  • Trend/hydration decomposition
  • Robust parameter fitting over aggregation windows
  • Human-gated parameter versioning with audit trail`,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file path (default: auto-discover)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fatmodel v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the parameter store with an initial version",
		Long:  "Install the first parameter version. Fails if the store already has one.",
		RunE:  runInit,
	}
	initCmd.Flags().Float64("alpha", 9800, "Energy density of fat mass change (kcal/kg)")
	initCmd.Flags().Float64("c", 0.15, "Exercise compensation fraction")
	initCmd.Flags().Float64("bmr0", 785, "Basal metabolic rate intercept (kcal/day)")
	initCmd.Flags().Float64("k-lbm", 11.5, "Lean mass metabolic coefficient (kcal/day/kg)")
	initCmd.Flags().String("notes", "initial version", "Version notes")
	rootCmd.AddCommand(initCmd)

	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run the calibration pipeline and write a pending proposal",
		Long: `Run cleaning, state estimation, decomposition, window aggregation and
parameter fitting over the daily records, then write a PENDING proposal
against the active parameter version. Nothing changes until a reviewer
approves it.`,
		RunE: runCalibrate,
	}
	calibrateCmd.Flags().String("input", getEnvStr("FATMODEL_INPUT", ""), "Daily records CSV path")
	calibrateCmd.Flags().Bool("bootstrap-ci", getEnvBool("FATMODEL_BOOTSTRAP", false), "Compute bootstrap confidence intervals")
	rootCmd.AddCommand(calibrateCmd)

	proposalsCmd := &cobra.Command{
		Use:   "proposals",
		Short: "List parameter proposals",
		RunE:  runProposals,
	}
	proposalsCmd.Flags().String("status", "", "Filter by status: PENDING, APPROVED, REJECTED")
	rootCmd.AddCommand(proposalsCmd)

	approveCmd := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a pending proposal, activating its parameters",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprove,
	}
	approveCmd.Flags().String("note", "", "Decision note for the audit log")
	rootCmd.AddCommand(approveCmd)

	rejectCmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE:  runReject,
	}
	rejectCmd.Flags().String("note", "", "Decision note for the audit log")
	rootCmd.AddCommand(rejectCmd)

	paramsCmd := &cobra.Command{
		Use:   "params",
		Short: "Show the active parameter version and history",
		RunE:  runParams,
	}
	rootCmd.AddCommand(paramsCmd)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the audit log",
		RunE:  runAudit,
	}
	rootCmd.AddCommand(auditCmd)

	estimatesCmd := &cobra.Command{
		Use:   "estimates",
		Short: "Print persisted daily state estimates",
		RunE:  runEstimates,
	}
	estimatesCmd.Flags().String("from", "", "Start date (YYYY-MM-DD)")
	estimatesCmd.Flags().String("to", "", "End date (YYYY-MM-DD)")
	rootCmd.AddCommand(estimatesCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads config per the --config flag or auto-discovery.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cfg.NewLogger(), nil
}

// openStore opens the configured parameter store.
func openStore(cfg *config.Config, log *logrus.Logger) (params.Store, error) {
	if cfg.Storage.InMemory {
		return params.NewMemoryStore(), nil
	}
	return params.NewBadgerStore(cfg.Storage.DataDir, log)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	alpha, _ := cmd.Flags().GetFloat64("alpha")
	c, _ := cmd.Flags().GetFloat64("c")
	bmr0, _ := cmd.Flags().GetFloat64("bmr0")
	kLBM, _ := cmd.Flags().GetFloat64("k-lbm")
	notes, _ := cmd.Flags().GetString("notes")

	set := params.ParameterSet{
		AlphaKcalPerKg: alpha,
		CompensationC:  c,
		BMR0KcalPerDay: bmr0,
		KLBMKcalPerKgD: kLBM,
		Method:         "manual",
		EffectiveDate:  series.Day(time.Now()),
		Notes:          notes,
	}
	if err := store.Bootstrap(set, cfg.Review.Actor); err != nil {
		return err
	}
	active, err := store.ActiveSet()
	if err != nil {
		return err
	}
	fmt.Printf("Bootstrapped parameter store.\n")
	printSet(active)
	return nil
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	input, _ := cmd.Flags().GetString("input")
	if input == "" {
		input = cfg.Ingest.Input
	}
	if input == "" {
		return fmt.Errorf("no input: set --input or FATMODEL_INPUT")
	}
	if ci, _ := cmd.Flags().GetBool("bootstrap-ci"); ci {
		cfg.Pipeline.BootstrapEnabled = true
	}

	obs, err := ingest.LoadFile(input, log)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	runner, err := calibrate.NewRunner(cfg.Pipeline, store, log)
	if err != nil {
		return err
	}
	report, err := runner.Run(context.Background(), obs)
	if err != nil {
		return err
	}

	p := report.Proposal
	fmt.Printf("Proposal %s (base %s) written PENDING in %s\n", p.ID, p.BaseVersionID, report.Elapsed.Round(time.Millisecond))
	fmt.Printf("  alpha=%.1f kcal/kg  c=%.3f  bmr0=%.1f kcal/d  k_lbm=%.2f kcal/d/kg  k_hydration=%.3f\n",
		p.Proposed.AlphaKcalPerKg, p.Proposed.CompensationC, p.Proposed.BMR0KcalPerDay,
		p.Proposed.KLBMKcalPerKgD, p.Proposed.KHydration)
	d := p.Diagnostics
	fmt.Printf("  fit: r2=%.3f mae=%.3fkg rmse=%.3fkg bias=%.3fkg cond=%.3g windows=%d fallback=%v\n",
		d.R2, d.MAEKg, d.RMSEKg, d.BiasKg, d.ConditionNumber, d.NWindows, d.UsedFallback)
	if len(d.Capped) > 0 {
		fmt.Printf("  capped: %v\n", d.Capped)
	}
	for _, w := range d.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	for _, g := range d.GuardrailReasons {
		fmt.Printf("  guardrail: %s (rejection recommended)\n", g)
	}
	if report.Intervals != nil {
		ci := report.Intervals
		fmt.Printf("  95%% CI: alpha [%.0f, %.0f]  c [%.3f, %.3f]  bmr0 [%.0f, %.0f]  k_lbm [%.1f, %.1f]  (%d/%d resamples)\n",
			ci.Alpha.Lo, ci.Alpha.Hi, ci.C.Lo, ci.C.Hi, ci.BMR0.Lo, ci.BMR0.Hi, ci.KLBM.Lo, ci.KLBM.Hi,
			ci.Succeeded, ci.Attempted)
	}
	fmt.Printf("Review with: fatmodel approve %s  (or reject)\n", p.ID)
	return nil
}

func runProposals(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	status, _ := cmd.Flags().GetString("status")
	list, err := store.ListProposals(params.ProposalStatus(status))
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No proposals.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tALPHA\tC\tBMR0\tK_LBM\tWINDOWS\tGUARDRAILS")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f\t%.3f\t%.0f\t%.1f\t%d\t%d\n",
			p.ID, p.Status, p.CreatedAt.Format(series.DayFormat),
			p.Proposed.AlphaKcalPerKg, p.Proposed.CompensationC,
			p.Proposed.BMR0KcalPerDay, p.Proposed.KLBMKcalPerKgD,
			p.Diagnostics.NWindows, len(p.Diagnostics.GuardrailReasons))
	}
	return tw.Flush()
}

func runApprove(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	note, _ := cmd.Flags().GetString("note")
	set, err := store.Approve(args[0], cfg.Review.Actor, note)
	if err != nil {
		return err
	}
	fmt.Printf("Approved. New active version:\n")
	printSet(set)
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	note, _ := cmd.Flags().GetString("note")
	if err := store.Reject(args[0], cfg.Review.Actor, note); err != nil {
		return err
	}
	fmt.Printf("Rejected proposal %s\n", args[0])
	return nil
}

func runParams(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	active, err := store.ActiveSet()
	if err != nil {
		return err
	}
	fmt.Println("Active version:")
	printSet(active)

	sets, err := store.ListSets()
	if err != nil {
		return err
	}
	fmt.Printf("\nHistory (%d versions):\n", len(sets))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tCREATED\tALPHA\tC\tBMR0\tK_LBM\tMETHOD\tAPPROVED_BY")
	for _, s := range sets {
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%.3f\t%.0f\t%.1f\t%s\t%s\n",
			s.VersionID, s.CreatedAt.Format(series.DayFormat),
			s.AlphaKcalPerKg, s.CompensationC, s.BMR0KcalPerDay, s.KLBMKcalPerKgD,
			s.Method, s.ApprovedBy)
	}
	return tw.Flush()
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListAudit()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tACTOR\tACTION\tPROPOSAL\tVERSION\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.ProposalID, e.VersionID, e.Detail)
	}
	return tw.Flush()
}

func runEstimates(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	from := time.Time{}
	to := time.Now().AddDate(10, 0, 0)
	if s, _ := cmd.Flags().GetString("from"); s != "" {
		if from, err = series.ParseDay(s); err != nil {
			return err
		}
	}
	if s, _ := cmd.Flags().GetString("to"); s != "" {
		if to, err = series.ParseDay(s); err != nil {
			return err
		}
	}
	ests, err := store.GetEstimates(from, to)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tFAT_KG\tSMOOTHED_KG\tVAR\tGAIN\tMEASURED")
	for _, e := range ests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%.3f\t%v\n",
			e.Date.Format(series.DayFormat), fmtKg(e.FatMassKg), fmtKg(e.SmoothedMassKg),
			e.VarianceKg2, e.Gain, e.Measured)
	}
	return tw.Flush()
}

func printSet(s *params.ParameterSet) {
	fmt.Printf("  %s  alpha=%.1f kcal/kg  c=%.3f  bmr0=%.1f kcal/d  k_lbm=%.2f kcal/d/kg\n",
		s.VersionID, s.AlphaKcalPerKg, s.CompensationC, s.BMR0KcalPerDay, s.KLBMKcalPerKgD)
	if s.KHydration != 0 {
		fmt.Printf("  k_hydration=%.3f\n", s.KHydration)
	}
	if s.Notes != "" {
		fmt.Printf("  notes: %s\n", s.Notes)
	}
}

func fmtKg(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func getEnvStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
