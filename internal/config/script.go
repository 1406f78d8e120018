package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Script tag attributes read once when the agent attaches.
const (
	AttrAPI  = "data-api"
	AttrHash = "data-hash"
	AttrSrc  = "src"
)

// ErrMissingHost is returned when the script tag names no collector.
var ErrMissingHost = errors.New("script tag has neither data-api nor src")

var lastSegment = regexp.MustCompile(`[^/]+$`)

// AttributeReader is the part of a script element the agent reads.
type AttributeReader interface {
	GetAttribute(name string) (string, bool)
}

// Script is the agent's whole runtime configuration.
type Script struct {
	// Host is the collector base URL, always ending in "/".
	Host *url.URL
	// HashMode selects hashchange tracking instead of History API wrapping.
	// Any non-empty data-hash value turns it on, "false" included.
	HashMode bool
}

// FromScript resolves the collector host from the script tag. data-api wins and
// inherits the page's protocol; otherwise the script's own URL is used with its
// file name replaced by "api/".
func FromScript(tag AttributeReader, loc *url.URL) (*Script, error) {
	if tag == nil {
		return nil, ErrMissingHost
	}

	var raw string
	if api, ok := tag.GetAttribute(AttrAPI); ok && strings.TrimSpace(api) != "" {
		raw = loc.Scheme + "://" + strings.TrimSpace(api)
	} else if src, ok := tag.GetAttribute(AttrSrc); ok && strings.TrimSpace(src) != "" {
		ref, err := url.Parse(strings.TrimSpace(src))
		if err != nil {
			return nil, fmt.Errorf("parse script src: %w", err)
		}
		abs := loc.ResolveReference(ref)
		abs.RawQuery = ""
		abs.Fragment = ""
		raw = lastSegment.ReplaceAllString(abs.String(), "api/")
	} else {
		return nil, ErrMissingHost
	}

	host, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse collector host: %w", err)
	}
	if host.Host == "" {
		return nil, fmt.Errorf("collector host %q: %w", raw, ErrMissingHost)
	}
	if !strings.HasSuffix(host.Path, "/") {
		host.Path += "/"
	}

	v, _ := tag.GetAttribute(AttrHash)
	return &Script{Host: host, HashMode: v != ""}, nil
}

// Endpoint returns the absolute URL of a collector route such as "event/hit".
func (s *Script) Endpoint(route string) string {
	return s.Host.ResolveReference(&url.URL{Path: strings.TrimPrefix(route, "/")}).String()
}
