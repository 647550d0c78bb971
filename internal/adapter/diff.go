package adapter

import (
	"strings"

	"github.com/meshguard/routerd/protocol"
)

// diffLines produces a coarse line-oriented diff between two text blobs,
// used by the text-configuration adapters (iptables, dnsmasq) to populate
// DiffReport.Diffs. It is intentionally simple: a full structural diff is
// adapter-specific and only needs to be good enough for an operator preview
// (spec §4.1 "structural diff against the current read_config()").
func diffLines(current, proposed []byte) []protocol.DiffEntry {
	oldLines := splitLines(string(current))
	newLines := splitLines(string(proposed))

	oldSet := make(map[string]bool, len(oldLines))
	for _, l := range oldLines {
		oldSet[l] = true
	}
	newSet := make(map[string]bool, len(newLines))
	for _, l := range newLines {
		newSet[l] = true
	}

	var diffs []protocol.DiffEntry
	for _, l := range oldLines {
		if l == "" || newSet[l] {
			continue
		}
		diffs = append(diffs, protocol.DiffEntry{Path: "line", Old: l})
	}
	for _, l := range newLines {
		if l == "" || oldSet[l] {
			continue
		}
		diffs = append(diffs, protocol.DiffEntry{Path: "line", New: l})
	}
	return diffs
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
