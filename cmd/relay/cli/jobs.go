package cli

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/security"
	"github.com/jdziat/job-relay/pkg/storage"
)

// cliOwner is the lock owner used for writes made from the command line.
const cliOwner = "cli"

var (
	listStatus   string
	listKind     string
	listParent   string
	listLimit    int
	exportFormat string
	pruneAge     time.Duration
	clearYes     bool
	ticketTitle  string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain the job store",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the namespace state and jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsExport,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>...",
	Short: "Tombstone jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsDelete,
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove tombstones older than --older-than",
	Args:  cobra.NoArgs,
	RunE:  runJobsPrune,
}

var jobsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every job in the namespace",
	Args:  cobra.NoArgs,
	RunE:  runJobsClear,
}

var breakLockCmd = &cobra.Command{
	Use:   "break-lock",
	Short: "Let exactly one write through a held lock",
	Args:  cobra.NoArgs,
	RunE:  runBreakLock,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the relay loop for the namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setStatus(cmd, core.RelayPaused)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the relay loop for the namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setStatus(cmd, core.RelayPlay)
	},
}

var ticketsCmd = &cobra.Command{
	Use:   "tickets <file>",
	Short: "Load tickets from a YAML or JSON file",
	Long:  "Load tickets from a YAML (or JSON) list. The ticket named by --title drives the prompt; otherwise the first ticket with a description does.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTickets,
}

func init() {
	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	jobsListCmd.Flags().StringVar(&listKind, "kind", "", "filter by kind")
	jobsListCmd.Flags().StringVar(&listParent, "parent", "", "filter by manifest parent id")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of jobs (0 for all)")
	jobsExportCmd.Flags().StringVar(&exportFormat, "format", "yaml", "output format: yaml or json")
	jobsPruneCmd.Flags().DurationVar(&pruneAge, "older-than", 24*time.Hour, "minimum tombstone age")
	jobsClearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "skip the confirmation prompt")
	ticketsCmd.Flags().StringVar(&ticketTitle, "title", "", "id of the active ticket")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsExportCmd, jobsDeleteCmd, jobsPruneCmd, jobsClearCmd)
	rootCmd.AddCommand(jobsCmd, breakLockCmd, pauseCmd, resumeCmd, ticketsCmd)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.List(cmd.Context(), cfg.Namespace, core.JobFilter{
		Status:   core.JobStatus(listStatus),
		Kind:     core.JobKind(listKind),
		ParentID: listParent,
		Limit:    listLimit,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(jobs)
		return nil
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}
	rows := pterm.TableData{{"ID", "Kind", "Status", "Retries", "Path", "Updated"}}
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			string(j.Kind),
			string(j.Status),
			strconv.Itoa(j.RetryCount),
			j.FilePath,
			j.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	printTable(rows)
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	if err := security.ValidateJobID(args[0]); err != nil {
		return fmt.Errorf("%w: %q", err, args[0])
	}
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.Get(cmd.Context(), cfg.Namespace, args[0])
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, args[0])
	}

	if jsonOut {
		printJSON(job)
		return nil
	}
	rows := pterm.TableData{
		{"Property", "Value"},
		{"ID", job.ID},
		{"Kind", string(job.Kind)},
		{"Status", string(job.Status)},
		{"File path", job.FilePath},
		{"Retries", strconv.Itoa(job.RetryCount)},
		{"Parent", job.ParentID},
		{"Created", job.CreatedAt.Local().Format(time.DateTime)},
		{"Updated", job.UpdatedAt.Local().Format(time.DateTime)},
		{"Content", preview(job.Content, 80)},
		{"Result", preview(job.Result, 80)},
	}
	if job.DispatchedAt != nil {
		rows = append(rows, []string{"Dispatched", job.DispatchedAt.Local().Format(time.DateTime)})
	}
	printTable(rows)
	for _, e := range job.Errors {
		pterm.Warning.Println(e)
	}
	return nil
}

func runJobsExport(cmd *cobra.Command, _ []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := storage.Snapshot(cmd.Context(), store, cfg.Namespace)
	if err != nil {
		return err
	}

	switch exportFormat {
	case "json":
		printJSON(snap)
		return nil
	case "yaml":
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported format %q (must be yaml or json)", exportFormat)
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	for _, id := range args {
		if err := store.Delete(cmd.Context(), cfg.Namespace, cliOwner, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		pterm.Success.Printfln("Deleted %s", id)
	}
	return nil
}

func runJobsPrune(cmd *cobra.Command, _ []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(cmd.Context(), cfg.Namespace, time.Now().Add(-pruneAge))
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Pruned %d tombstone(s)", n)
	return nil
}

func runJobsClear(cmd *cobra.Command, _ []string) error {
	if !clearYes {
		ok, _ := pterm.DefaultInteractiveConfirm.
			WithDefaultText(fmt.Sprintf("Remove every job in %s?", cfg.Namespace)).
			Show()
		if !ok {
			pterm.Info.Println("Aborted")
			return nil
		}
	}

	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	before, after, err := store.Clear(cmd.Context(), cfg.Namespace)
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(map[string]int64{"before": before, "after": after})
		return nil
	}
	pterm.Success.Printfln("Cleared %s: %d -> %d jobs", cfg.Namespace, before, after)
	return nil
}

func runBreakLock(cmd *cobra.Command, _ []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.State(cmd.Context(), cfg.Namespace)
	if err != nil {
		return err
	}
	if !st.Locked {
		pterm.Info.Printfln("%s is not locked", cfg.Namespace)
		return nil
	}
	if err := store.BreakLock(cmd.Context(), cfg.Namespace); err != nil {
		return err
	}
	pterm.Warning.Printfln("Granted one write past the lock held by %s", st.LockedBy)
	return nil
}

func setStatus(cmd *cobra.Command, status core.RelayStatus) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetStatus(cmd.Context(), cfg.Namespace, status); err != nil {
		return err
	}
	pterm.Success.Printfln("%s is now %s", cfg.Namespace, status)
	return nil
}

func runTickets(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	var list []core.Ticket
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("decode tickets %s: %w", args[0], err)
	}

	tickets := make(map[string]core.Ticket, len(list))
	for i, t := range list {
		if t.ID == "" {
			return fmt.Errorf("ticket %d has no id", i)
		}
		tickets[t.ID] = t
	}
	if ticketTitle != "" {
		if _, ok := tickets[ticketTitle]; !ok {
			return fmt.Errorf("no ticket with id %q", ticketTitle)
		}
	}

	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetTickets(cmd.Context(), cfg.Namespace, ticketTitle, tickets); err != nil {
		return err
	}
	st := &core.RelayState{Title: ticketTitle, Tickets: tickets}
	active := "none"
	if t := st.ActiveTicket(); t != nil {
		active = t.ID
	}
	ids := make([]string, 0, len(tickets))
	for id := range tickets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	pterm.Success.Printfln("Loaded %d ticket(s) %v, active: %s", len(ids), ids, active)
	return nil
}
