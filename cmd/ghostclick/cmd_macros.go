package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"ghostclick/internal/locator"
	"ghostclick/internal/model"
	"ghostclick/internal/store"
)

var macrosDomain string

var macrosCmd = &cobra.Command{
	Use:   "macros",
	Short: "List, inspect, rename, edit and delete saved macros",
}

var macrosListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved macros, newest first",
	Args:  cobra.NoArgs,
	RunE:  macrosList,
}

var macrosShowCmd = &cobra.Command{
	Use:   "show <macro-id>",
	Short: "Print a macro as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  macrosShow,
}

var macrosRenameCmd = &cobra.Command{
	Use:   "rename <macro-id> <name>",
	Short: "Rename a macro",
	Args:  cobra.ExactArgs(2),
	RunE:  macrosRename,
}

var macrosDeleteCmd = &cobra.Command{
	Use:   "delete <macro-id>",
	Short: "Delete a macro",
	Args:  cobra.ExactArgs(1),
	RunE:  macrosDelete,
}

var macrosStepCmd = &cobra.Command{
	Use:   "step <macro-id> <step-id>",
	Short: "Edit one step of a macro",
	Long: `Changes the name, delay, value, target or retry settings of a recorded
step. Only the flags given are changed; the step keeps its id and position.

Replay timing follows the capture timestamps; --delay edits the stored delay
shown alongside the step. Retry settings are stored but not acted on.`,
	Args: cobra.ExactArgs(2),
	RunE: macrosStep,
}

func init() {
	macrosListCmd.Flags().StringVar(&macrosDomain, "domain", "", "Only macros recorded on this domain")

	addStepFlags(macrosStepCmd.Flags())

	macrosCmd.AddCommand(macrosListCmd)
	macrosCmd.AddCommand(macrosShowCmd)
	macrosCmd.AddCommand(macrosRenameCmd)
	macrosCmd.AddCommand(macrosDeleteCmd)
	macrosCmd.AddCommand(macrosStepCmd)
}

// openMacros opens the macro repository in the configured store. Changes
// are seen by a running coordinator on its next read.
func openMacros() (*store.MacroRepository, func(), error) {
	local, err := store.NewLocalStore(cfg.Store.DatabasePath, store.WithStoreLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return store.NewMacroRepository(local, logger), func() { local.Close() }, nil
}

func macrosList(cmd *cobra.Command, args []string) error {
	repo, closeFn, err := openMacros()
	if err != nil {
		return err
	}
	defer closeFn()

	var macros []model.Macro
	if macrosDomain != "" {
		macros, err = repo.ByDomain(cmd.Context(), macrosDomain)
	} else {
		macros, err = repo.All(cmd.Context())
	}
	if err != nil {
		return err
	}
	if len(macros) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No macros recorded yet")
		return nil
	}

	sortNewestFirst(macros)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDOMAIN\tSTEPS\tUPDATED")
	for _, m := range macros {
		updated := time.UnixMilli(m.UpdatedAt).Format("2006-01-02 15:04")
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", m.ID, m.Name, m.Domain, len(m.Steps), updated)
	}
	return w.Flush()
}

func sortNewestFirst(macros []model.Macro) {
	sort.SliceStable(macros, func(i, j int) bool {
		return macros[i].UpdatedAt > macros[j].UpdatedAt
	})
}

func macrosShow(cmd *cobra.Command, args []string) error {
	repo, closeFn, err := openMacros()
	if err != nil {
		return err
	}
	defer closeFn()

	m, err := repo.FindByID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", store.ErrMacroNotFound, args[0])
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func macrosRename(cmd *cobra.Command, args []string) error {
	repo, closeFn, err := openMacros()
	if err != nil {
		return err
	}
	defer closeFn()

	m, err := repo.Rename(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", m.ID, m.Name)
	return nil
}

func macrosDelete(cmd *cobra.Command, args []string) error {
	repo, closeFn, err := openMacros()
	if err != nil {
		return err
	}
	defer closeFn()

	deleted, err := repo.Delete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s", store.ErrMacroNotFound, args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

// stepEdit holds the step fields to change. Nil fields are left alone.
type stepEdit struct {
	Name          *string
	Delay         *int64
	Value         *string
	XPath         *string
	TargetID      *string
	Class         *string
	Selector      *string
	RetryCount    *int
	RetryInterval *int64
}

var stepFlags struct {
	name, value, xpath, targetID, class, selector string
	delay, retryInterval                          int64
	retryCount                                    int
}

func addStepFlags(f *pflag.FlagSet) {
	f.StringVar(&stepFlags.name, "name", "", "Step label")
	f.Int64Var(&stepFlags.delay, "delay", 0, "Delay before the step, in milliseconds")
	f.StringVar(&stepFlags.value, "value", "", "Text typed by an INPUT step")
	f.StringVar(&stepFlags.xpath, "xpath", "", "Target XPath")
	f.StringVar(&stepFlags.targetID, "target-id", "", "Target element id")
	f.StringVar(&stepFlags.class, "class", "", "Target class names joined with '.'")
	f.StringVar(&stepFlags.selector, "selector", "", "Strategy tried first: xpath, id or className")
	f.IntVar(&stepFlags.retryCount, "retry-count", 0, "Retry attempts")
	f.Int64Var(&stepFlags.retryInterval, "retry-interval", 0, "Milliseconds between retries")
}

// stepEditFromFlags keeps only the flags given on the command line.
func stepEditFromFlags(f *pflag.FlagSet) stepEdit {
	var e stepEdit
	if f.Changed("name") {
		e.Name = &stepFlags.name
	}
	if f.Changed("delay") {
		e.Delay = &stepFlags.delay
	}
	if f.Changed("value") {
		e.Value = &stepFlags.value
	}
	if f.Changed("xpath") {
		e.XPath = &stepFlags.xpath
	}
	if f.Changed("target-id") {
		e.TargetID = &stepFlags.targetID
	}
	if f.Changed("class") {
		e.Class = &stepFlags.class
	}
	if f.Changed("selector") {
		e.Selector = &stepFlags.selector
	}
	if f.Changed("retry-count") {
		e.RetryCount = &stepFlags.retryCount
	}
	if f.Changed("retry-interval") {
		e.RetryInterval = &stepFlags.retryInterval
	}
	return e
}

func (e stepEdit) empty() bool {
	return e == stepEdit{}
}

// validate checks the edit against the step it will be applied to.
func (e stepEdit) validate(s model.Step) error {
	switch {
	case e.empty():
		return errors.New("nothing to change: pass at least one flag")
	case e.Name != nil && strings.TrimSpace(*e.Name) == "":
		return errors.New("step name is empty")
	case e.Delay != nil && *e.Delay < 0,
		e.RetryCount != nil && *e.RetryCount < 0,
		e.RetryInterval != nil && *e.RetryInterval < 0:
		return errors.New("delay and retry settings must not be negative")
	case e.Value != nil && s.Type != model.StepInput:
		return fmt.Errorf("--value only applies to %s steps, step %s is %s", model.StepInput, s.ID, s.Type)
	}
	if e.Selector != nil {
		switch locator.Strategy(*e.Selector) {
		case locator.ByXPath, locator.ByID, locator.ByClassName:
		default:
			return fmt.Errorf("unknown selector %q (want xpath, id or className)", *e.Selector)
		}
	}
	if e.XPath != nil && *e.XPath != "" {
		if _, err := locator.CompileXPath(*e.XPath); err != nil {
			return err
		}
	}
	return nil
}

func (e stepEdit) apply(s *model.Step) {
	if e.Name != nil {
		s.Name = strings.TrimSpace(*e.Name)
	}
	if e.Delay != nil {
		s.Delay = *e.Delay
	}
	if e.Value != nil {
		s.Value = *e.Value
	}
	if e.XPath != nil {
		s.Target.XPath = *e.XPath
	}
	if e.TargetID != nil {
		s.Target.ID = *e.TargetID
	}
	if e.Class != nil {
		s.Target.ClassName = locator.JoinClasses(strings.Split(*e.Class, "."))
	}
	if e.Selector != nil {
		s.Target.DefaultSelector = locator.Strategy(*e.Selector)
	}
	if e.RetryCount != nil {
		s.RetryCount = *e.RetryCount
	}
	if e.RetryInterval != nil {
		s.RetryInterval = *e.RetryInterval
	}
}

func macrosStep(cmd *cobra.Command, args []string) error {
	return editStep(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], stepEditFromFlags(cmd.Flags()))
}

// editStep applies e to one stored step and prints the result as JSON.
func editStep(ctx context.Context, out io.Writer, macroID, stepID string, e stepEdit) error {
	repo, closeFn, err := openMacros()
	if err != nil {
		return err
	}
	defer closeFn()

	m, err := repo.FindByID(ctx, macroID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", store.ErrMacroNotFound, macroID)
	}
	i := m.StepIndex(stepID)
	if i < 0 {
		return fmt.Errorf("%w: %s", store.ErrStepNotFound, stepID)
	}
	if err := e.validate(m.Steps[i]); err != nil {
		return err
	}

	updated, err := repo.UpdateStep(ctx, macroID, stepID, e.apply)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(updated.Steps[updated.StepIndex(stepID)])
}
