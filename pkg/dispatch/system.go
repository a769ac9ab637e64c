package dispatch

import (
	"context"

	"github.com/pkg/browser"
)

// SystemOpener hands URLs to the operating system's default browser.
// The resulting tabs are outside the relay's control and cannot be closed.
type SystemOpener struct{}

// Open implements Opener.
func (SystemOpener) Open(_ context.Context, url string, _ WindowSpec) (Window, error) {
	if err := browser.OpenURL(url); err != nil {
		return nil, err
	}
	return systemWindow{}, nil
}

type systemWindow struct{}

func (systemWindow) Close(context.Context) error { return ErrNotClosable }
func (systemWindow) Closed() bool                { return false }
