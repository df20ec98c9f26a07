// Package models defines the shared data shapes of the spectator
// runtime: condensed session state, checkpoints, tool calls and results,
// notes patches, and trace events. Everything here is plain data;
// behavior lives in the internal packages.
package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// State is the condensed working memory carried across turns. List
// fields are ordered and deduplicated on append; size bounds come from
// the condense policy, not from the type.
type State struct {
	Goals               []string `json:"goals"`
	OpenLoops           []string `json:"open_loops"`
	Decisions           []string `json:"decisions"`
	Constraints         []string `json:"constraints"`
	MemoryTags          []string `json:"memory_tags"`
	MemoryRefs          []string `json:"memory_refs"`
	CapabilitiesGranted []string `json:"capabilities_granted"`
	CapabilitiesPending []string `json:"capabilities_pending"`
	EpisodeSummary      string   `json:"episode_summary"`
}

// NewState returns a State whose list fields are initialized so they
// marshal as [] rather than null.
func NewState() *State {
	s := &State{}
	s.Normalize()
	return s
}

// Normalize replaces nil list fields with empty slices. Persistence
// paths call this so the on-disk shape always carries arrays.
func (s *State) Normalize() {
	if s.Goals == nil {
		s.Goals = []string{}
	}
	if s.OpenLoops == nil {
		s.OpenLoops = []string{}
	}
	if s.Decisions == nil {
		s.Decisions = []string{}
	}
	if s.Constraints == nil {
		s.Constraints = []string{}
	}
	if s.MemoryTags == nil {
		s.MemoryTags = []string{}
	}
	if s.MemoryRefs == nil {
		s.MemoryRefs = []string{}
	}
	if s.CapabilitiesGranted == nil {
		s.CapabilitiesGranted = []string{}
	}
	if s.CapabilitiesPending == nil {
		s.CapabilitiesPending = []string{}
	}
}

// Compact renders the one-line STATE serialization embedded in prompts:
// field names in declaration order, compact JSON values, no whitespace.
func (s *State) Compact() string {
	fields := []struct {
		name  string
		value any
	}{
		{"goals", orEmpty(s.Goals)},
		{"open_loops", orEmpty(s.OpenLoops)},
		{"decisions", orEmpty(s.Decisions)},
		{"constraints", orEmpty(s.Constraints)},
		{"memory_tags", orEmpty(s.MemoryTags)},
		{"memory_refs", orEmpty(s.MemoryRefs)},
		{"capabilities_granted", orEmpty(s.CapabilitiesGranted)},
		{"capabilities_pending", orEmpty(s.CapabilitiesPending)},
		{"episode_summary", s.EpisodeSummary},
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.name)
		b.WriteByte(':')
		b.WriteString(CompactJSON(f.value))
	}
	b.WriteByte('}')
	return b.String()
}

func orEmpty(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

// CompactJSON marshals v on a single line without HTML escaping, which
// keeps prompt-embedded JSON readable by the model.
func CompactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "null"
	}
	return strings.TrimRight(buf.String(), "\n")
}
