// Package page provides core.Page implementations: a scripted page for tests
// and dry runs, and a DevTools adapter that drives a real chat page in Chrome.
package page

import (
	"context"
	"strings"
	"sync"

	"github.com/jdziat/job-relay/pkg/chunker"
)

// Scripted is an in-memory chat page. Every final submission starts a
// generation that lasts a configurable number of polls, after which the next
// queued response becomes the latest response.
type Scripted struct {
	mu              sync.Mutex
	ready           bool
	generatingPolls int
	genLeft         int
	responses       []string
	latest          string
	submitted       []string
	submitErr       error
	extractErr      error
	closed          bool
}

// NewScripted returns a ready page that answers with responses in order.
// The last response repeats once the queue is exhausted.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{ready: true, responses: responses}
}

// SetReady toggles the ready probe.
func (p *Scripted) SetReady(ready bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = ready
}

// SetGeneratingPolls sets how many IsGenerating polls report true after a
// final submission.
func (p *Scripted) SetGeneratingPolls(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generatingPolls = n
}

// QueueResponse appends a response.
func (p *Scripted) QueueResponse(r string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, r)
}

// FailNextSubmit makes the next SetInputAndSubmit return err.
func (p *Scripted) FailNextSubmit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
}

// FailNextExtract makes the next ExtractLatestResponseText return err.
func (p *Scripted) FailNextExtract(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extractErr = err
}

// Submitted returns every text submitted so far.
func (p *Scripted) Submitted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.submitted...)
}

// Closed reports whether Close was called.
func (p *Scripted) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// IsReady implements core.Page.
func (p *Scripted) IsReady(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready && !p.closed && p.genLeft == 0
}

// IsGenerating implements core.Page.
func (p *Scripted) IsGenerating(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.genLeft > 0 {
		p.genLeft--
		return true
	}
	return false
}

// SetInputAndSubmit implements core.Page.
func (p *Scripted) SetInputAndSubmit(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.submitErr; err != nil {
		p.submitErr = nil
		return err
	}
	p.submitted = append(p.submitted, text)
	if strings.HasSuffix(text, " "+chunker.TagChunked) {
		p.latest = "OK"
		return nil
	}

	p.genLeft = p.generatingPolls
	if len(p.responses) > 0 {
		p.latest = p.responses[0]
		if len(p.responses) > 1 {
			p.responses = p.responses[1:]
		}
	}
	return nil
}

// ExtractLatestResponseText implements core.Page.
func (p *Scripted) ExtractLatestResponseText(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.extractErr; err != nil {
		p.extractErr = nil
		return "", err
	}
	return p.latest, nil
}

// Close implements core.Closer.
func (p *Scripted) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
