package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
)

// DevToolsOpener opens each job as a new target in a Chrome instance driven
// over the DevTools protocol. Targets it opened can be closed again.
type DevToolsOpener struct {
	browserCtx context.Context
	timeout    time.Duration
	run        func(ctx context.Context, actions ...chromedp.Action) error
}

// NewDevToolsOpener opens targets in the browser owned by browserCtx, which
// must come from chromedp.NewContext and must already have been run once so
// that the browser is allocated.
func NewDevToolsOpener(browserCtx context.Context) *DevToolsOpener {
	return &DevToolsOpener{browserCtx: browserCtx, timeout: 15 * time.Second, run: chromedp.Run}
}

// Open implements Opener. The first Run attaches the new target and carries
// no deadline, since chromedp ties the target to that call's context. The
// open timeout only bounds the navigation that follows.
func (o *DevToolsOpener) Open(ctx context.Context, url string, spec WindowSpec) (Window, error) {
	tabCtx, cancel := chromedp.NewContext(o.browserCtx)
	if err := o.run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open %s: attach target: %w", spec.Name, err)
	}

	runCtx, cancelRun := context.WithTimeout(tabCtx, o.timeout)
	defer cancelRun()
	stop := context.AfterFunc(ctx, cancelRun)
	defer stop()

	name, _ := json.Marshal(spec.Name)
	var assigned string
	err := o.run(runCtx,
		chromedp.EmulateViewport(int64(spec.Width), int64(spec.Height)),
		chromedp.Navigate(url),
		chromedp.Evaluate(fmt.Sprintf("window.name = %s", name), &assigned),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open %s: %w", spec.Name, err)
	}
	return &devToolsWindow{ctx: tabCtx, cancel: cancel}, nil
}

type devToolsWindow struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	closed atomic.Bool
}

// Context returns the chromedp context of the opened target.
func (w *devToolsWindow) Context() context.Context { return w.ctx }

func (w *devToolsWindow) Close(context.Context) error {
	w.once.Do(func() {
		w.cancel()
		w.closed.Store(true)
	})
	return nil
}

func (w *devToolsWindow) Closed() bool {
	return w.closed.Load() || w.ctx.Err() != nil
}
