package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chromedp/chromedp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jdziat/job-relay/pkg/companion"
	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/dispatch"
	"github.com/jdziat/job-relay/pkg/engine"
	"github.com/jdziat/job-relay/pkg/page"
)

var (
	runDryRun      bool
	runResponses   []string
	runNoCompanion bool
	runKind        string
	runPath        string
	runContent     string
	runCloseOthers bool
)

var runCmd = &cobra.Command{
	Use:   "run [job-id|#fragment]",
	Short: "Drive one job through the chat page until it settles",
	Long: `Drive one job through the chat page until it settles.

The job is taken from the argument (a job id or a #JOB_WRITE=/#JOB_MANIFEST=
fragment), from --content (a new job is enqueued), or else the oldest job
with status new.

--dry-run replaces the browser with a scripted page that answers with the
--response values in order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "use a scripted page instead of Chrome")
	runCmd.Flags().StringArrayVar(&runResponses, "response", nil, "scripted response for --dry-run (repeatable)")
	runCmd.Flags().BoolVar(&runNoCompanion, "no-companion", false, "do not report to the companion server")
	runCmd.Flags().StringVar(&runKind, "kind", string(core.KindWrite), "kind of the job enqueued with --content")
	runCmd.Flags().StringVar(&runPath, "path", "", "file path of the job enqueued with --content")
	runCmd.Flags().StringVar(&runContent, "content", "", "enqueue a new job with this content and run it")
	runCmd.Flags().BoolVar(&runCloseOthers, "close-others", false, "close dispatched pages when the run ends")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	pg, browserCtx, cleanup, err := openPage(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	ec, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	opts := []engine.Option{engine.WithConfig(ec), engine.WithLogger(slog.Default())}

	d, err := newDispatcher(browserCtx)
	if err != nil {
		return err
	}
	if d != nil {
		opts = append(opts, engine.WithDispatcher(d))
	}
	if !runNoCompanion && !cfg.Companion.Disabled {
		client, err := companion.NewClient(cfg.Companion.URL, companion.WithClientLogger(slog.Default()))
		if err != nil {
			return err
		}
		defer client.Wait()
		opts = append(opts, engine.WithSink(client))
	}

	eng, err := engine.New(store, pg, opts...)
	if err != nil {
		return err
	}

	id, err := startJob(ctx, eng, store, args)
	if err != nil {
		return err
	}
	if id == "" || eng.State() == engine.StateIdle {
		pterm.Info.Println("Nothing to run")
		return nil
	}

	events := eng.Events()
	defer eng.Unsubscribe(events)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-events:
				printEvent(ev)
			case <-quit:
				for {
					select {
					case ev := <-events:
						printEvent(ev)
					default:
						return
					}
				}
			}
		}
	}()

	runErr := eng.Run(ctx)
	close(quit)
	<-done
	if d != nil && runCloseOthers {
		closed, skipped := d.CloseAllExcept(context.WithoutCancel(ctx), id)
		pterm.Info.Printfln("Closed %d page(s), skipped %d", closed, skipped)
	}
	if runErr != nil {
		return runErr
	}

	if jsonOut {
		job, err := store.Get(context.WithoutCancel(ctx), cfg.Namespace, id)
		if err != nil {
			return err
		}
		printJSON(job)
	}
	return nil
}

// startJob picks the job to run, puts the engine on it and returns its id.
func startJob(ctx context.Context, eng *engine.Engine, store core.QueueStore, args []string) (string, error) {
	switch {
	case runContent != "":
		job, err := eng.Enqueue(ctx, core.JobKind(runKind), runPath, runContent)
		if err != nil {
			return "", err
		}
		pterm.Info.Printfln("Enqueued %s", job.ID)
		return job.ID, eng.Start(ctx, job.ID)
	case len(args) == 1 && isFragment(args[0]):
		if err := eng.StartFragment(ctx, args[0]); err != nil {
			return "", err
		}
		if job := eng.Job(); job != nil {
			return job.ID, nil
		}
		return "", nil
	case len(args) == 1:
		return args[0], eng.Start(ctx, args[0])
	}

	pending, err := store.List(ctx, cfg.Namespace, core.JobFilter{Status: core.StatusNew, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "", nil
	}
	return pending[0].ID, eng.Start(ctx, pending[0].ID)
}

func isFragment(s string) bool {
	return strings.HasPrefix(s, "#") || strings.Contains(s, "=")
}

// openPage returns the page the engine drives. For real runs it also returns
// the browser context new job targets are opened in.
func openPage(ctx context.Context) (core.Page, context.Context, func(), error) {
	if runDryRun {
		responses := runResponses
		if len(responses) == 0 {
			responses = []string{"OK"}
		}
		return page.NewScripted(responses...), nil, func() {}, nil
	}

	if cfg.Page.URL == "" {
		return nil, nil, nil, fmt.Errorf("%w: page.url is required (or use --dry-run)", core.ErrInvalidConfig)
	}

	var allocCtx context.Context
	var cancelAlloc context.CancelFunc
	if cfg.Page.DevToolsURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(ctx, cfg.Page.DevToolsURL)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", cfg.Page.Headless))
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, allocOpts...)
	}
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	// The first Run allocates the browser for the lifetime of browserCtx;
	// tab contexts created afterwards share it.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, nil, nil, fmt.Errorf("start browser: %w", err)
	}
	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	cleanup := func() {
		cancelTab()
		cancelBrowser()
		cancelAlloc()
	}

	if err := chromedp.Run(tabCtx, chromedp.Navigate(cfg.Page.URL)); err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("open %s: %w", cfg.Page.URL, err)
	}
	dt := page.NewDevTools(tabCtx, cancelTab, cfg.Page.Selectors)
	dt.SetSubmitDelay(cfg.SubmitDelay())
	return dt, browserCtx, cleanup, nil
}

func newDispatcher(browserCtx context.Context) (*dispatch.Dispatcher, error) {
	if cfg.Dispatch.BaseURL == "" {
		return nil, nil
	}
	var opener dispatch.Opener
	switch cfg.Dispatch.Opener {
	case "none":
		return nil, nil
	case "system":
		opener = dispatch.SystemOpener{}
	case "devtools":
		if browserCtx == nil {
			return nil, nil
		}
		opener = dispatch.NewDevToolsOpener(browserCtx)
	default:
		return nil, fmt.Errorf("%w: unknown opener %q", core.ErrInvalidConfig, cfg.Dispatch.Opener)
	}
	return dispatch.New(cfg.Dispatch.BaseURL, opener, dispatch.WithLogger(slog.Default()))
}

func printEvent(ev core.Event) {
	switch e := ev.(type) {
	case *core.JobStarted:
		pterm.Info.Printfln("%s started (%s)", e.JobID, e.Kind)
	case *core.ChunkSent:
		pterm.Info.Printfln("%s chunk %d/%d sent", e.JobID, e.Index+1, e.Total)
	case *core.JobGenerating:
		pterm.Info.Printfln("%s generating", e.JobID)
	case *core.JobParsed:
		pterm.Info.Printfln("%s parsed (structured=%t recovered=%t)", e.JobID, e.Structured, e.Recovered)
	case *core.SubJobDispatched:
		if e.Err != nil {
			pterm.Warning.Printfln("%s dispatch failed in batch %d: %v", e.JobID, e.Batch+1, e.Err)
			return
		}
		pterm.Info.Printfln("%s dispatched in batch %d", e.JobID, e.Batch+1)
	case *core.JobCompleted:
		pterm.Success.Printfln("%s completed in %s", e.JobID, e.Duration.Round(1e6))
	case *core.JobRetrying:
		pterm.Warning.Printfln("%s retrying (attempt %d): %v", e.JobID, e.Attempt, e.Error)
	case *core.JobTimedOut:
		pterm.Error.Printfln("%s timed out", e.JobID)
	case *core.JobFailed:
		pterm.Error.Printfln("%s failed: %v", e.JobID, e.Error)
	}
}
