package page

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
)

// Selectors locate the parts of a chat page. They are CSS selectors
// evaluated with document.querySelector.
type Selectors struct {
	Input      string `toml:"input"`
	Submit     string `toml:"submit"`
	Generating string `toml:"generating"`
	Response   string `toml:"response"`
}

// DefaultSelectors fit a plain chat form with a textarea and a list of
// article elements for replies.
func DefaultSelectors() Selectors {
	return Selectors{
		Input:      "textarea",
		Submit:     "button[type='submit']",
		Generating: "[aria-busy='true']",
		Response:   "article",
	}
}

// DevTools drives a chat page in Chrome over the DevTools protocol.
type DevTools struct {
	tabCtx      context.Context
	cancel      context.CancelFunc
	sel         Selectors
	submitDelay time.Duration
	timeout     time.Duration
	logger      *slog.Logger
}

// NewDevTools wraps the chromedp context of an open tab. cancel, when not
// nil, is called by Close to shut the tab.
func NewDevTools(tabCtx context.Context, cancel context.CancelFunc, sel Selectors) *DevTools {
	return &DevTools{
		tabCtx:      tabCtx,
		cancel:      cancel,
		sel:         sel,
		submitDelay: 500 * time.Millisecond,
		timeout:     10 * time.Second,
		logger:      slog.Default(),
	}
}

// SetSubmitDelay sets the pause between filling the input and clicking submit.
func (d *DevTools) SetSubmitDelay(delay time.Duration) { d.submitDelay = delay }

func (d *DevTools) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(d.tabCtx, d.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (d *DevTools) probe(ctx context.Context, expr string) bool {
	var ok bool
	if err := d.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		d.logger.Debug("page probe failed", "error", err)
		return false
	}
	return ok
}

// IsReady implements core.Page.
func (d *DevTools) IsReady(ctx context.Context) bool {
	return d.probe(ctx, fmt.Sprintf(
		"!!document.querySelector(%s) && !document.querySelector(%s)",
		quote(d.sel.Input), quote(d.sel.Generating)))
}

// IsGenerating implements core.Page.
func (d *DevTools) IsGenerating(ctx context.Context) bool {
	return d.probe(ctx, fmt.Sprintf("!!document.querySelector(%s)", quote(d.sel.Generating)))
}

// SetInputAndSubmit implements core.Page.
func (d *DevTools) SetInputAndSubmit(ctx context.Context, text string) error {
	fill := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  const text = %s;
  if ('value' in el) {
    const setter = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), 'value').set;
    setter.call(el, text);
  } else {
    el.innerText = text;
  }
  el.dispatchEvent(new Event('input', { bubbles: true }));
  return true;
})()`, quote(d.sel.Input), quote(text))

	var filled bool
	if err := d.run(ctx, chromedp.Evaluate(fill, &filled)); err != nil {
		return fmt.Errorf("fill input: %w", err)
	}
	if !filled {
		return fmt.Errorf("fill input: no element matches %q", d.sel.Input)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.submitDelay):
	}

	click := fmt.Sprintf(`(() => {
  const btn = document.querySelector(%s);
  if (!btn || btn.disabled) return false;
  btn.click();
  return true;
})()`, quote(d.sel.Submit))

	var clicked bool
	if err := d.run(ctx, chromedp.Evaluate(click, &clicked)); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if !clicked {
		return fmt.Errorf("submit: no enabled element matches %q", d.sel.Submit)
	}
	return nil
}

// ExtractLatestResponseText implements core.Page.
func (d *DevTools) ExtractLatestResponseText(ctx context.Context) (string, error) {
	expr := fmt.Sprintf(`(() => {
  const nodes = document.querySelectorAll(%s);
  return nodes.length ? nodes[nodes.length - 1].innerText : "";
})()`, quote(d.sel.Response))

	var text string
	if err := d.run(ctx, chromedp.Evaluate(expr, &text)); err != nil {
		return "", fmt.Errorf("extract response: %w", err)
	}
	return text, nil
}

// Close implements core.Closer.
func (d *DevTools) Close(context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
