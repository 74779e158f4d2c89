package dataplane

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ClassStats are the byte and packet counters tc reports per class
type ClassStats struct {
	SentBytes  uint64
	SentPkts   uint64
	Dropped    uint64
	Overlimits uint64
}

// Class is one htb class as seen on the wire
type Class struct {
	ClassID string
	Prio    int
	Rate    string
	Ceil    string
	Leaf    string
	Stats   ClassStats
}

// Qdisc is one queueing discipline on the interface
type Qdisc struct {
	Kind    string
	Handle  string
	Parent  string // empty for root
	DelayMS float64
}

// Tree is the live traffic-control state of one interface
type Tree struct {
	Classes map[string]*Class
	Qdiscs  []Qdisc
}

// HasHTBRoot reports whether the controller's root qdisc is installed
func (t *Tree) HasHTBRoot() bool {
	for _, q := range t.Qdiscs {
		if q.Kind == "htb" && q.Parent == "" {
			return true
		}
	}
	return false
}

// NetemByParent returns the netem qdisc attached to the given class
func (t *Tree) NetemByParent(classid string) (Qdisc, bool) {
	for _, q := range t.Qdiscs {
		if q.Kind == "netem" && q.Parent == classid {
			return q, true
		}
	}
	return Qdisc{}, false
}

// Show reads the interface's live class and qdisc state. Read-only, so it
// bypasses the mutation worker.
func (e *Enforcer) Show(ctx context.Context) (*Tree, error) {
	classOut, err := e.runner.Run(ctx, "tc -s class show dev "+e.iface)
	if err != nil {
		return nil, fmt.Errorf("reading classes on %s: %w", e.iface, err)
	}
	qdiscOut, err := e.runner.Run(ctx, "tc qdisc show dev "+e.iface)
	if err != nil {
		return nil, fmt.Errorf("reading qdiscs on %s: %w", e.iface, err)
	}
	return parseTree(classOut, qdiscOut), nil
}

var (
	classRe = regexp.MustCompile(`^class htb (\S+) (?:root|parent \S+)(?: leaf (\S+))?(?: prio (\d+))? rate (\S+) ceil (\S+)`)
	sentRe  = regexp.MustCompile(`Sent (\d+) bytes (\d+) pkt \(dropped (\d+), overlimits (\d+)`)
	qdiscRe = regexp.MustCompile(`^qdisc (\w+) (\S+) (?:root|parent (\S+))`)
	delayRe = regexp.MustCompile(`delay ([0-9.]+)ms`)
)

// parseTree builds a Tree from `tc -s class show` and `tc qdisc show`
// output. Unrecognized lines are skipped, so foreign qdiscs on the
// interface never break reconciliation.
func parseTree(classOut, qdiscOut string) *Tree {
	tree := &Tree{Classes: make(map[string]*Class)}

	var current *Class
	for _, line := range strings.Split(classOut, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := classRe.FindStringSubmatch(trimmed); m != nil {
			current = &Class{
				ClassID: m[1],
				Leaf:    m[2],
				Rate:    m[4],
				Ceil:    m[5],
			}
			if m[3] != "" {
				current.Prio, _ = strconv.Atoi(m[3])
			}
			tree.Classes[current.ClassID] = current
			continue
		}
		if current == nil {
			continue
		}
		if m := sentRe.FindStringSubmatch(trimmed); m != nil {
			current.Stats.SentBytes, _ = strconv.ParseUint(m[1], 10, 64)
			current.Stats.SentPkts, _ = strconv.ParseUint(m[2], 10, 64)
			current.Stats.Dropped, _ = strconv.ParseUint(m[3], 10, 64)
			current.Stats.Overlimits, _ = strconv.ParseUint(m[4], 10, 64)
		}
	}

	for _, line := range strings.Split(qdiscOut, "\n") {
		trimmed := strings.TrimSpace(line)
		m := qdiscRe.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		q := Qdisc{Kind: m[1], Handle: m[2], Parent: m[3]}
		if q.Kind == "netem" {
			if dm := delayRe.FindStringSubmatch(trimmed); dm != nil {
				q.DelayMS, _ = strconv.ParseFloat(dm[1], 64)
			}
		}
		tree.Qdiscs = append(tree.Qdiscs, q)
	}
	return tree
}

// tc prints rates with decimal multipliers
var tcRateUnits = map[string]float64{
	"bit":  1,
	"kbit": 1e3,
	"mbit": 1e6,
	"gbit": 1e9,
	"tbit": 1e12,
}

var tcRateRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([A-Za-z]+)$`)

// TCRateBits parses a tc rate token like "100Mbit" or "409600bit" into
// bits per second. Both configured values and tc output use this form.
func TCRateBits(s string) (int64, bool) {
	m := tcRateRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	mult, ok := tcRateUnits[strings.ToLower(m[2])]
	if !ok {
		return 0, false
	}
	return int64(value * mult), true
}

// classMinor extracts the minor number from a classid like "1:100".
// Controller-owned minors come from the catalog as decimal digits and tc
// echoes the configured string back, so a minor that does not parse as
// decimal was never ours. Returns -1 for those.
func classMinor(classid string) int {
	_, minor, ok := strings.Cut(classid, ":")
	if !ok || minor == "" {
		return -1
	}
	n, err := strconv.Atoi(minor)
	if err != nil {
		return -1
	}
	return n
}
