// Package scenario replays scripted page sessions (loads, waits, visibility
// changes, navigations, clicks, teardown) against a page.
package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/coder/quartz"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/visitbeacon/internal/page"
)

// Step actions.
const (
	ActionWait     = "wait"
	ActionHide     = "hide"
	ActionShow     = "show"
	ActionPush     = "push"
	ActionReplace  = "replace"
	ActionBack     = "back"
	ActionForward  = "forward"
	ActionHash     = "hash"
	ActionClick    = "click"
	ActionTeardown = "teardown"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid scenario")

// Script describes the script tag the agent is loaded from.
type Script struct {
	Src   string            `yaml:"src"`
	Attrs map[string]string `yaml:"attrs"`
}

// Element is one node added to the page body. Parent names another element's
// id; empty means the body.
type Element struct {
	ID     string            `yaml:"id"`
	Tag    string            `yaml:"tag"`
	Parent string            `yaml:"parent"`
	Attrs  map[string]string `yaml:"attrs"`
}

// Step is one host action.
type Step struct {
	Action   string        `yaml:"action"`
	URL      string        `yaml:"url,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Target   string        `yaml:"target,omitempty"`
	Button   string        `yaml:"button,omitempty"`
}

// Scenario is a whole page session.
type Scenario struct {
	Name     string    `yaml:"name"`
	URL      string    `yaml:"url"`
	Referrer string    `yaml:"referrer"`
	Timezone string    `yaml:"timezone"`
	PageHide *bool     `yaml:"pagehide"`
	Script   Script    `yaml:"script"`
	Elements []Element `yaml:"elements"`
	Steps    []Step    `yaml:"steps"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a scenario. Unknown fields are rejected.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every step can be executed.
func (s *Scenario) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}

	ids := make(map[string]bool, len(s.Elements))
	for i, el := range s.Elements {
		if el.ID == "" {
			return fmt.Errorf("%w: element %d has no id", ErrInvalid, i)
		}
		if ids[el.ID] {
			return fmt.Errorf("%w: duplicate element id %q", ErrInvalid, el.ID)
		}
		if el.Parent != "" && !ids[el.Parent] {
			return fmt.Errorf("%w: element %q has unknown parent %q", ErrInvalid, el.ID, el.Parent)
		}
		ids[el.ID] = true
	}

	for i, st := range s.Steps {
		switch st.Action {
		case ActionWait:
			if st.Duration <= 0 {
				return fmt.Errorf("%w: step %d: wait needs a positive duration", ErrInvalid, i)
			}
		case ActionPush, ActionReplace, ActionHash:
			if st.URL == "" {
				return fmt.Errorf("%w: step %d: %s needs a url", ErrInvalid, i, st.Action)
			}
		case ActionClick:
			if !ids[st.Target] {
				return fmt.Errorf("%w: step %d: unknown click target %q", ErrInvalid, i, st.Target)
			}
			if _, err := parseButton(st.Button); err != nil {
				return fmt.Errorf("%w: step %d: %w", ErrInvalid, i, err)
			}
		case ActionHide, ActionShow, ActionBack, ActionForward, ActionTeardown:
		default:
			return fmt.Errorf("%w: step %d: unknown action %q", ErrInvalid, i, st.Action)
		}
	}
	return nil
}

// NewPage builds the page the scenario starts on.
func (s *Scenario) NewPage() (*page.Page, error) {
	opts := []page.Option{page.WithReferrer(s.Referrer)}
	if s.Timezone != "" {
		opts = append(opts, page.WithTimezone(s.Timezone))
	}
	if s.PageHide != nil && !*s.PageHide {
		opts = append(opts, page.WithoutPageHide())
	}
	if s.Script.Src != "" || len(s.Script.Attrs) > 0 {
		opts = append(opts, page.WithScript(s.Script.Src, attrs(s.Script.Attrs)...))
	}

	p, err := page.New(s.URL, opts...)
	if err != nil {
		return nil, err
	}

	for _, el := range s.Elements {
		tag := el.Tag
		if tag == "" {
			tag = "div"
		}
		node := page.NewElement(tag, append([]page.Attr{{Name: "id", Value: el.ID}}, attrs(el.Attrs)...)...)
		parent := p.Body()
		if el.Parent != "" {
			parent = p.Body().ByID(el.Parent)
		}
		parent.AppendChild(node)
	}
	return p, nil
}

// attrs flattens m in a stable order.
func attrs(m map[string]string) []page.Attr {
	out := make([]page.Attr, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, page.Attr{Name: k, Value: m[k]})
	}
	return out
}

// Run executes the steps against p. Waits use clock, so a mock clock makes a
// scenario instantaneous. Run stops early when ctx is done.
func (s *Scenario) Run(ctx context.Context, p *page.Page, clock quartz.Clock) error {
	for i, st := range s.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.step(ctx, p, clock, st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Action, err)
		}
	}
	return nil
}

func (s *Scenario) step(ctx context.Context, p *page.Page, clock quartz.Clock, st Step) error {
	switch st.Action {
	case ActionWait:
		t := clock.NewTimer(st.Duration, "scenario", "wait")
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	case ActionHide:
		p.Hide()
	case ActionShow:
		p.Show()
	case ActionPush:
		p.History().PushState(nil, "", st.URL)
	case ActionReplace:
		p.History().ReplaceState(nil, "", st.URL)
	case ActionBack:
		p.Back()
	case ActionForward:
		p.Forward()
	case ActionHash:
		p.SetHash(st.URL)
	case ActionClick:
		target := p.Body().ByID(st.Target)
		if target == nil {
			return fmt.Errorf("no element %q", st.Target)
		}
		b, err := parseButton(st.Button)
		if err != nil {
			return err
		}
		p.Click(target, b)
	case ActionTeardown:
		p.Teardown()
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}

func parseButton(s string) (page.Button, error) {
	switch strings.ToLower(s) {
	case "", "left", "primary":
		return page.ButtonPrimary, nil
	case "middle", "auxiliary":
		return page.ButtonMiddle, nil
	case "right", "secondary":
		return page.ButtonSecondary, nil
	default:
		return 0, fmt.Errorf("unknown button %q", s)
	}
}
