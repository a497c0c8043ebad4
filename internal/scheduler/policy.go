package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JJ-Ju/multi-cli/internal/tools"
)

// Mode is the global approval mode.
type Mode string

const (
	ModeDefault  Mode = "default"
	ModeAutoEdit Mode = "auto_edit"
	ModeYolo     Mode = "yolo"
)

// Policy decides which confirmations are skipped. It is shared by all batches,
// so a proceed_always answer in one batch covers later ones too.
type Policy struct {
	mu     sync.RWMutex
	mode   Mode
	always map[string]struct{}
}

// NewPolicy parses mode (empty means default) and pre-approves alwaysAllow classes.
func NewPolicy(mode string, alwaysAllow []string) (*Policy, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(mode)))
	switch m {
	case "":
		m = ModeDefault
	case ModeDefault, ModeAutoEdit, ModeYolo:
	default:
		return nil, fmt.Errorf("unknown approval mode %q", mode)
	}
	p := &Policy{mode: m, always: make(map[string]struct{})}
	for _, class := range alwaysAllow {
		p.Allow(class)
	}
	return p, nil
}

func (p *Policy) Mode() Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

func (p *Policy) SetMode(m Mode) {
	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
}

// Allow pre-approves every future confirmation with this class.
func (p *Policy) Allow(class string) {
	class = strings.TrimSpace(class)
	if class == "" {
		return
	}
	p.mu.Lock()
	p.always[class] = struct{}{}
	p.mu.Unlock()
}

// Classes lists approved classes, sorted.
func (p *Policy) Classes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.always))
	for c := range p.always {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// AutoApproves reports whether a confirmation can be skipped.
func (p *Policy) AutoApproves(d tools.ConfirmationDetails) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.mode == ModeYolo:
		return true
	case p.mode == ModeAutoEdit && d.Kind == tools.ConfirmEdit:
		return true
	}
	_, ok := p.always[d.Class]
	return ok
}
