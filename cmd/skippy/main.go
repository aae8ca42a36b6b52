// Package main provides the skippy CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"skippy/internal/cas"
	"skippy/internal/config"
	"skippy/internal/decision"
	"skippy/internal/discovery"
	"skippy/internal/report"
	"skippy/internal/session"
	"skippy/internal/store"
	"skippy/internal/tia"
)

// Version is the current skippy CLI version
var Version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:           "skippy",
	Short:         "skippy - predictive test selection for JVM builds",
	Long:          `skippy fingerprints compiled classes, records per-test coverage and decides which tests can be skipped because nothing they exercise has changed.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create skippy.yaml, a unit manifest and the data directory",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Begin a build: clear staging and load the latest snapshot",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var decideCmd = &cobra.Command{
	Use:   "decide <test>...",
	Short: "Decide whether tests must execute in the current build",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDecide,
}

var recordCmd = &cobra.Command{
	Use:   "record <test> <exec-file>",
	Short: "Stage the coverage a test produced (\"-\" reads stdin)",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecord,
}

var finishCmd = &cobra.Command{
	Use:   "finish",
	Short: "Merge staged coverage and save the new snapshot",
	Args:  cobra.NoArgs,
	RunE:  runFinish,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the latest snapshot and store statistics",
	Args:  cobra.NoArgs,
	RunE:  runShow,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the decisions of a build",
	Args:  cobra.NoArgs,
	RunE:  runLog,
}

var diffCmd = &cobra.Command{
	Use:   "diff [<from> [<to>]]",
	Short: "Compare two snapshots (default: the previous and the latest)",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runDiff,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove snapshots and coverage blobs no retained snapshot references",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

var (
	projectDir string
	policyFlag string
	debugFlag  bool

	decideJSON bool
	showJSON   bool
	logBuild   string
	logLimit   int
	diffStat   bool
	gcDryRun   bool
	gcKeep     int
	gcGrace    time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", ".", "Project directory")
	rootCmd.PersistentFlags().StringVar(&policyFlag, "policy", "", "Decision policy (conservative or strict), overrides config")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	decideCmd.Flags().BoolVar(&decideJSON, "json", false, "Output as JSON")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output as JSON")
	logCmd.Flags().StringVar(&logBuild, "build", "", "Build id (default: the most recent build)")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 0, "Number of entries to show (0 = all)")
	diffCmd.Flags().BoolVar(&diffStat, "stat", false, "Show only the list of changed units and tests")
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Show what would be removed without removing it")
	gcCmd.Flags().IntVar(&gcKeep, "keep", -1, "Earlier snapshots to retain (default: keepSnapshots from config)")
	gcCmd.Flags().DurationVar(&gcGrace, "grace", time.Hour, "Spare objects younger than this")

	rootCmd.AddCommand(initCmd, startCmd, decideCmd, recordCmd, finishCmd, showCmd, logCmd, diffCmd, gcCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	if policyFlag != "" {
		cfg.Policy = policyFlag
	}
	if debugFlag {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *log.Logger {
	return log.New(cmd.ErrOrStderr(), "skippy: ", 0)
}

// env is what every lifecycle command needs.
type env struct {
	cfg    *config.Config
	repo   *store.Repository
	logger *log.Logger
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd)
	repo, err := store.Open(cfg.DataPath(), logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, repo: repo, logger: logger}, nil
}

// sessionOptions builds session options; units are discovered only when
// the command needs fingerprints.
func (e *env) sessionOptions(withUnits bool) (session.Options, error) {
	policy, err := decision.PolicyByName(e.cfg.Policy)
	if err != nil {
		return session.Options{}, err
	}
	opts := session.Options{
		Policy:        policy,
		Workers:       e.cfg.Workers,
		GC:            e.cfg.GC,
		KeepSnapshots: e.cfg.KeepSnapshots,
		Logger:        e.logger,
		Debug:         e.cfg.Debug,
	}
	if withUnits {
		m, err := discovery.Load(e.cfg.UnitsPath())
		if err != nil {
			return session.Options{}, err
		}
		units, err := m.Resolve(e.cfg.ProjectDir)
		if err != nil {
			return session.Options{}, err
		}
		if e.cfg.Debug {
			e.logger.Printf("discovered %d units", len(units))
		}
		opts.Units = units
	}
	return opts, nil
}

func (e *env) attach(ctx context.Context, withUnits bool) (*session.Session, error) {
	opts, err := e.sessionOptions(withUnits)
	if err != nil {
		return nil, err
	}
	s, err := session.Attach(ctx, e.repo, opts)
	if errors.Is(err, store.ErrNoBuild) {
		return nil, fmt.Errorf("%w (run 'skippy start' first)", err)
	}
	return s, err
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(projectDir)
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath(cfg)); os.IsNotExist(err) {
		if err := cfg.Write(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", config.FileName)
	}
	if _, err := os.Stat(cfg.UnitsPath()); os.IsNotExist(err) {
		m := &discovery.Manifest{Roots: []discovery.Root{
			{Classes: "build/classes/java/main", Sources: []string{"src/main/java"}},
			{Classes: "build/classes/java/test", Sources: []string{"src/test/java"}},
		}}
		if err := m.Save(cfg.UnitsPath()); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", cfg.UnitsFile)
	}

	repo, err := store.Open(cfg.DataPath(), nil)
	if err != nil {
		return err
	}
	defer repo.Close()
	fmt.Fprintf(out, "Initialized skippy in %s\n", cfg.DataPath())
	return nil
}

func configPath(cfg *config.Config) string {
	return filepath.Join(cfg.ProjectDir, config.FileName)
}

func runStart(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.repo.Close()

	opts, err := e.sessionOptions(false)
	if err != nil {
		return err
	}
	s, err := session.Start(cmd.Context(), e.repo, opts)
	if err != nil {
		return err
	}
	if s.Parent() == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Build %s started (no prior analysis, all tests execute)\n", s.ID())
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Build %s started from snapshot %s\n", s.ID(), cas.ShortID(s.Parent()))
	}
	return nil
}

func runDecide(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.repo.Close()

	ctx := cmd.Context()
	s, err := e.attach(ctx, true)
	if err != nil {
		return err
	}

	decisions := make([]decision.Decision, 0, len(args))
	for _, test := range args {
		decisions = append(decisions, s.Decide(ctx, tia.UnitID(test)))
	}

	out := cmd.OutOrStdout()
	if decideJSON {
		return writeJSON(out, decisions)
	}
	for _, d := range decisions {
		fmt.Fprintln(out, d)
	}
	return nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.repo.Close()

	var blob []byte
	if args[1] == "-" {
		blob, err = io.ReadAll(cmd.InOrStdin())
	} else {
		blob, err = os.ReadFile(args[1])
	}
	if err != nil {
		return fmt.Errorf("reading coverage: %w", err)
	}

	s, err := e.attach(cmd.Context(), false)
	if err != nil {
		return err
	}
	if err := s.RecordCoverage(tia.UnitID(args[0]), blob); err != nil {
		return err
	}
	if e.cfg.Debug {
		e.logger.Printf("staged %d bytes for %s", len(blob), args[0])
	}
	return nil
}

func runFinish(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.repo.Close()

	ctx := cmd.Context()
	s, err := e.attach(ctx, true)
	if err != nil {
		return err
	}
	res, err := s.Finish(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Build %s finished\n", res.BuildID)
	fmt.Fprintf(out, "  Snapshot:  %s\n", cas.ShortID(res.SnapshotID))
	fmt.Fprintf(out, "  Tests:     %d (%d observed)\n", res.Tests, len(res.Observed))
	fmt.Fprintf(out, "  Units:     %d\n", res.Units)
	if res.Unfingerprinted > 0 {
		fmt.Fprintf(out, "  Unreadable units: %d\n", res.Unfingerprinted)
	}
	for _, test := range res.Forgotten {
		fmt.Fprintf(out, "  Coverage dropped: %s\n", test)
	}
	for _, test := range res.Expired {
		fmt.Fprintf(out, "  Coverage expired: %s\n", test)
	}
	if res.GC != nil && !res.GC.Empty() {
		fmt.Fprintf(out, "  GC: %d snapshots, %d blobs, %d bytes\n",
			len(res.GC.SnapshotsToDelete), len(res.GC.BlobsToDelete), res.GC.BytesReclaimed)
	}
	return nil
}

type showOutput struct {
	Latest    string               `json:"latest,omitempty"`
	Available bool                 `json:"available"`
	Units     int                  `json:"units"`
	Coverage  []tia.CoverageRecord `json:"coverage,omitempty"`
	Stats     store.Stats          `json:"stats"`
	History   []store.RefLogEntry  `json:"history,omitempty"`
}

func runShow(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.repo.Close()

	ctx := cmd.Context()
	res, err := e.repo.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	stats, err := e.repo.Stats(ctx)
	if err != nil {
		return err
	}
	history, err := e.repo.RefLog(ctx, store.LatestRef, 5)
	if err != nil {
		return err
	}

	view := showOutput{Latest: stats.Latest, Stats: stats, History: history}
	if snap, ok := res.Get(); ok {
		view.Available = true
		view.Units = len(snap.Analysis.Fingerprints)
		for _, test := range snap.Analysis.Tests() {
			view.Coverage = append(view.Coverage, snap.Analysis.Coverage[test])
		}
	}

	out := cmd.OutOrStdout()
	if showJSON {
		return writeJSON(out, view)
	}
	if !view.Available {
		fmt.Fprintln(out, "No snapshot available; every test will execute.")
	} else {
		fmt.Fprintf(out, "Latest snapshot: %s\n", cas.ShortID(view.Latest))
		fmt.Fprintf(out, "  Tests: %d\n", len(view.Coverage))
		fmt.Fprintf(out, "  Units: %d\n", view.Units)
	}
	fmt.Fprintf(out, "Store:\n")
	fmt.Fprintf(out, "  Snapshots: %d (%d bytes)\n", stats.Snapshots.Count, stats.Snapshots.StoredSize)
	fmt.Fprintf(out, "  Coverage blobs: %d (%d bytes stored, %d uncompressed)\n",
		stats.Blobs.Count, stats.Blobs.StoredSize, stats.Blobs.Size)
	fmt.Fprintf(out, "  Decisions logged: %d\n", stats.Decisions)
	for _, h := range history {
		fmt.Fprintf(out, "  %s  %s -> %s  %s\n",
			time.UnixMilli(h.Time).Format("2006-01-02 15:04:05"),
			displayID(h.Old), cas.ShortID(h.New), h.Actor)
	}
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.repo.Close()

	ctx := cmd.Context()
	build := logBuild
	if build == "" {
		if build, err = e.repo.LastBuildID(ctx); err != nil {
			return err
		}
		if build == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No decisions recorded yet.")
			return nil
		}
	}
	entries, err := e.repo.ListDecisions(ctx, build, logLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Build %s\n", build)
	for _, entry := range entries {
		line := fmt.Sprintf("  %s  %-7s %s  %s", time.UnixMilli(entry.DecidedAt).Format("15:04:05"),
			entry.Outcome, entry.Test, entry.Reason)
		if entry.Unit != "" {
			line += " (" + string(entry.Unit) + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.repo.Close()

	ctx := cmd.Context()
	var from, to string
	switch len(args) {
	case 2:
		from, to = args[0], args[1]
	case 1:
		from = args[0]
		if to, err = e.repo.Ref(ctx, store.LatestRef); err != nil {
			return err
		}
	default:
		history, err := e.repo.RefLog(ctx, store.LatestRef, 1)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No snapshots yet.")
			return nil
		}
		from, to = history[0].Old, history[0].New
	}
	if to == "" {
		return errors.New("no snapshot to compare against")
	}

	load := func(id string) (*tia.Analysis, error) {
		if id == "" {
			return nil, nil
		}
		full, err := e.repo.ResolveSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		return e.repo.LoadSnapshot(ctx, full)
	}
	a, err := load(from)
	if err != nil {
		return err
	}
	b, err := load(to)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if diffStat {
		fmt.Fprint(out, report.Summary(report.Compare(a, b)))
		return nil
	}
	text, err := report.Diff(displayID(from), displayID(to), a, b, 0)
	if err != nil {
		return err
	}
	fmt.Fprint(out, text)
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.repo.Close()

	keep := e.cfg.KeepSnapshots
	if gcKeep >= 0 {
		keep = gcKeep
	}
	plan, err := e.repo.GC(cmd.Context(), store.GCOptions{Keep: keep, Grace: gcGrace, DryRun: gcDryRun})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	verb := "Removed"
	if gcDryRun {
		verb = "Would remove"
	}
	fmt.Fprintf(out, "%s %d snapshots and %d coverage blobs (%d bytes)\n",
		verb, len(plan.SnapshotsToDelete), len(plan.BlobsToDelete), plan.BytesReclaimed)
	if gcDryRun {
		for _, id := range plan.SnapshotsToDelete {
			fmt.Fprintf(out, "  snapshot %s\n", cas.ShortID(id))
		}
		for _, id := range plan.BlobsToDelete {
			fmt.Fprintf(out, "  coverage %s\n", cas.ShortID(id))
		}
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func displayID(id string) string {
	if id == "" {
		return "(none)"
	}
	return cas.ShortID(id)
}
