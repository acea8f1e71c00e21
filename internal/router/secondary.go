package router

import "context"

// SecondaryName is the registered name of the declared second provider.
const SecondaryName = "secondary"

// TextUnsupported is a declared provider with no text generation path. It is
// reachable only through an explicit override, after which the router falls
// back to the primary provider.
type TextUnsupported struct {
	name string
}

// NewTextUnsupported creates the stub under name, or SecondaryName if empty.
func NewTextUnsupported(name string) *TextUnsupported {
	if name == "" {
		name = SecondaryName
	}
	return &TextUnsupported{name: name}
}

func (p *TextUnsupported) Name() string { return p.name }

func (p *TextUnsupported) Generate(context.Context, Request) (string, error) {
	return "", ErrTextUnsupported
}
