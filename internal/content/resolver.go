// Package content resolves an assigned content reference into the
// description embedded in a DISPLAY_UPDATE envelope. The hub only knows
// references; producing real layout bytes is the wider platform's job.
package content

import (
	"errors"
	"fmt"
)

var ErrUnknownContent = errors.New("unknown content reference")

type Display struct {
	ContentType string `yaml:"contentType"`
	Content     string `yaml:"content"`
}

type Resolver interface {
	Resolve(ref string) (Display, error)
}

// StaticResolver serves a fixed reference → display map, typically loaded
// from the hub config file.
type StaticResolver struct {
	entries map[string]Display
}

func NewStaticResolver(entries map[string]Display) *StaticResolver {
	if entries == nil {
		entries = make(map[string]Display)
	}
	return &StaticResolver{entries: entries}
}

func (r *StaticResolver) Resolve(ref string) (Display, error) {
	d, ok := r.entries[ref]
	if !ok {
		return Display{}, fmt.Errorf("%w: %s", ErrUnknownContent, ref)
	}
	return d, nil
}
