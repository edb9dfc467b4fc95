// Package group implements the configured cluster's group model: which
// peers share a file, what key authorizes changes to it, and whether this
// host is master or slave for a given peer. It is the read-only structure
// built once at startup (ConfigGroups, spec.md §3) that every other
// component borrows for the process lifetime.
package group

import (
	"path"
	"sort"
)

// Pattern is one entry of a group's ordered match-pattern list.
type Pattern struct {
	Literal          string // shell-glob literal
	Include          bool   // false = exclude/override pattern
	CompareOnly      bool   // matched files are tracked but never marked dirty
	StarMatchesSlash bool   // '*' in Literal matches '/' as well as other bytes
}

// Host is one cluster member of a group.
type Host struct {
	Name  string
	Slave bool // true: read-only peer, may not push writes to this group
}

// ActionPattern is one entry of a post-sync action's own pattern list,
// reusing the same glob semantics as a group's file patterns.
type ActionPattern = Pattern

// Action is a post-sync shell command scheduled whenever a matching file in
// this group becomes dirty (spec.md §4.10), whatever its DoLocal and
// DoLocalOnly settings.
type Action struct {
	Command     string
	Logfile     string
	DoLocal     bool // loaded from do_local; action scheduling does not read it
	DoLocalOnly bool // loaded from do_local_only; action scheduling does not read it
	Patterns    []ActionPattern
}

// Group is one configured cluster subset: a shared key, a set of member
// hosts, and an ordered pattern list selecting which files belong to it.
type Group struct {
	Name     string
	Key      string
	Hosts    []Host
	Patterns []Pattern
	Actions  []Action
}

// MatchKind is the outcome of classifying a filename against a group's
// pattern list.
type MatchKind int

const (
	// MatchNone means no pattern in the list currently applies.
	MatchNone MatchKind = iota
	// MatchInclude means the file is a full (distributable) member.
	MatchInclude
	// MatchCompareOnly means the file is tracked for identity comparison
	// but never marked dirty or distributed to peers.
	MatchCompareOnly
)

// Classify evaluates filename against the group's ordered pattern list using
// last-match-wins semantics: each pattern that matches (on basename or full
// path) overrides the running verdict, so a later negative pattern can
// override an earlier positive one and vice versa. A filename with no
// matching pattern at all yields MatchNone.
func (g *Group) Classify(filename string) MatchKind {
	kind := MatchNone
	base := path.Base(filename)

	for _, p := range g.Patterns {
		if !patternMatches(p, filename, base) {
			continue
		}

		switch {
		case !p.Include:
			kind = MatchNone
		case p.CompareOnly:
			kind = MatchCompareOnly
		default:
			kind = MatchInclude
		}
	}

	return kind
}

// hasHost reports whether name is a member of the group.
func (g *Group) hasHost(name string) bool {
	for _, h := range g.Hosts {
		if h.Name == name {
			return true
		}
	}

	return false
}

// hostEntry returns the Host entry for name, or nil.
func (g *Group) hostEntry(name string) *Host {
	for i := range g.Hosts {
		if g.Hosts[i].Name == name {
			return &g.Hosts[i]
		}
	}

	return nil
}

// ActionsMatching returns the group's actions whose pattern list matches
// filename (an action with an empty pattern list matches unconditionally).
func (g *Group) ActionsMatching(filename string) []Action {
	var out []Action

	base := path.Base(filename)

	for _, a := range g.Actions {
		if len(a.Patterns) == 0 {
			out = append(out, a)
			continue
		}

		kind := MatchNone

		for _, p := range a.Patterns {
			if !patternMatches(p, filename, base) {
				continue
			}

			if p.Include {
				kind = MatchInclude
			} else {
				kind = MatchNone
			}
		}

		if kind == MatchInclude {
			out = append(out, a)
		}
	}

	return out
}

// ActionsFor returns every action, across every group this host belongs
// to that filename matches (including compare-only matches, since an
// action may legitimately want to run for a tracked-but-undistributed
// file), whose own pattern list also matches filename (spec.md §4.4
// "schedule any actions whose pattern list matches P").
func (cg *ConfigGroups) ActionsFor(filename string) []Action {
	var out []Action

	for i := range cg.Groups {
		g := &cg.Groups[i]

		if !g.hasHost(cg.MyName) {
			continue
		}

		if g.Classify(filename) == MatchNone {
			continue
		}

		out = append(out, g.ActionsMatching(filename)...)
	}

	return out
}

// ConfigGroups is the immutable, process-lifetime collection of configured
// groups plus this host's own identity and directory-prefix aliases.
// Built once at startup; every matcher borrows it read-only (spec.md §3
// "Ownership and lifecycle").
type ConfigGroups struct {
	MyName   string
	Groups   []Group
	Prefixes map[string]string
}

// matchingGroups returns, in configuration order, the groups of which
// cg.MyName is a member and for which filename classifies as at least
// MatchCompareOnly. When includeCompareOnly is false, compare-only matches
// are excluded.
func (cg *ConfigGroups) matchingGroups(filename string, includeCompareOnly bool) []*Group {
	var out []*Group

	for i := range cg.Groups {
		g := &cg.Groups[i]

		if !g.hasHost(cg.MyName) {
			continue
		}

		kind := g.Classify(filename)

		switch kind {
		case MatchInclude:
			out = append(out, g)
		case MatchCompareOnly:
			if includeCompareOnly {
				out = append(out, g)
			}
		case MatchNone:
		}
	}

	return out
}

// Classify combines every group this host belongs to into one verdict for
// filename: MatchInclude if any member group includes it, else
// MatchCompareOnly if any member group tracks it compare-only, else
// MatchNone.
func (cg *ConfigGroups) Classify(filename string) MatchKind {
	kind := MatchNone

	for i := range cg.Groups {
		g := &cg.Groups[i]

		if !g.hasHost(cg.MyName) {
			continue
		}

		switch g.Classify(filename) {
		case MatchInclude:
			return MatchInclude
		case MatchCompareOnly:
			kind = MatchCompareOnly
		case MatchNone:
		}
	}

	return kind
}

// FindNext mirrors the original cursor-driven find_next: it returns every
// group (in configuration order) of which this host is a member and that
// filename belongs to, skipping compare-only matches.
func (cg *ConfigGroups) FindNext(filename string) []*Group {
	return cg.matchingGroups(filename, false)
}

// FindPeers returns the de-duplicated, sorted union of peer hostnames
// across every group matching filename, excluding this host itself.
func (cg *ConfigGroups) FindPeers(filename string) []string {
	seen := make(map[string]bool)

	var out []string

	for _, g := range cg.matchingGroups(filename, false) {
		for _, h := range g.Hosts {
			if h.Name == cg.MyName || seen[h.Name] {
				continue
			}

			seen[h.Name] = true

			out = append(out, h.Name)
		}
	}

	sort.Strings(out)

	return out
}

// Key returns the shared secret of the first group matching (filename,
// host) — the capability token carried in every protocol request for that
// file.
func (cg *ConfigGroups) Key(host, filename string) (string, bool) {
	for _, g := range cg.matchingGroups(filename, false) {
		if g.hasHost(host) {
			return g.Key, true
		}
	}

	return "", false
}

// Perm is the outcome of a permission check on the server side.
type Perm int

const (
	// PermDeny means no group authorizes host for filename with the
	// offered key at all.
	PermDeny Perm = iota
	// PermAllow means host may read and write filename.
	PermAllow
	// PermSlaveDeny means host is a recognized slave member, but a slave
	// peer may not issue writes.
	PermSlaveDeny
)

// Perm reports whether host may modify filename using the offered key: a
// peer is allowed iff some group matching filename lists that peer with
// the offered key and slave=false. A matching slave entry is reported as
// PermSlaveDeny rather than PermDeny so the caller can produce a more
// specific diagnostic.
func (cg *ConfigGroups) Perm(filename, key, host string) Perm {
	slaveMatch := false

	for _, g := range cg.matchingGroups(filename, false) {
		if g.Key != key {
			continue
		}

		h := g.hostEntry(host)
		if h == nil {
			continue
		}

		if h.Slave {
			slaveMatch = true
			continue
		}

		return PermAllow
	}

	if slaveMatch {
		return PermSlaveDeny
	}

	return PermDeny
}
