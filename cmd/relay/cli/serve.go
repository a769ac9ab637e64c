package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/job-relay/pkg/companion"
	"github.com/jdziat/job-relay/pkg/schedule"
)

var (
	serveListen  string
	serveSandbox string
	serveNoSweep bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the companion server and the tombstone sweeper",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (defaults to companion.listen)")
	serveCmd.Flags().StringVar(&serveSandbox, "sandbox", "", "directory files are written into (defaults to companion.sandbox_root)")
	serveCmd.Flags().BoolVar(&serveNoSweep, "no-sweep", false, "do not prune tombstones")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listen := cfg.Companion.Listen
	if serveListen != "" {
		listen = serveListen
	}
	root := cfg.Companion.SandboxRoot
	if serveSandbox != "" {
		root = serveSandbox
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := companion.NewServer(store, root,
		companion.WithNamespace(cfg.Namespace),
		companion.WithServerLogger(slog.Default()),
	)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Companion listening on %s, writing into %s", listen, srv.Root())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, listen)
	})
	if !serveNoSweep {
		sched, err := schedule.Parse(cfg.Sweep.Schedule)
		if err != nil {
			return err
		}
		sweeper := schedule.NewSweeper(store, sched,
			schedule.WithRetention(cfg.SweepRetention()),
			schedule.WithLogger(slog.Default()),
		)
		g.Go(func() error {
			if err := sweeper.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	pterm.Info.Println("Companion stopped")
	return nil
}
