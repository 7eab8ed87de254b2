// Package db provides the persistent entity model, the hash-deduplicated
// entity store, and the transition service that owns every status mutation.
package db

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// Entity identity hashing. The derivation is stable across releases:
// canonicalize the identity-bearing input (sorted keys, lower-cased names,
// trimmed whitespace, compact JSON) and digest it with FNV-1a 64, rendered
// as a decimal string. FNV is fixed here deliberately; changing the digest
// would re-key every stored definition.

// HashString digests an already-canonical string.
func HashString(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return strconv.FormatUint(h.Sum64(), 10)
}

// CanonicalizeArgNames lower-cases, trims and sorts an argument-name set
// into its canonical comma-joined form.
func CanonicalizeArgNames(names []string) string {
	canonical := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			canonical = append(canonical, n)
		}
	}
	sort.Strings(canonical)
	return strings.Join(canonical, ",")
}

// CanonicalizeArgs renders a string map as compact JSON with sorted,
// trimmed keys. encoding/json already emits object keys in sorted order
// for maps, which pins the byte representation.
func CanonicalizeArgs(args map[string]string) string {
	trimmed := make(map[string]string, len(args))
	for k, v := range args {
		trimmed[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	b, _ := json.Marshal(trimmed)
	return string(b)
}

// TaskTemplateVersionHash identifies a template version by the triple
// (template id, command template, canonical arg-name set).
func TaskTemplateVersionHash(taskTemplateID int64, commandTemplate string, argNames []string) string {
	payload := strconv.FormatInt(taskTemplateID, 10) + "|" +
		strings.TrimSpace(commandTemplate) + "|" +
		CanonicalizeArgNames(argNames)
	return HashString(payload)
}

// NodeHash identifies a node by (task template version, canonical node args).
func NodeHash(taskTemplateVersionID int64, nodeArgs map[string]string) string {
	payload := strconv.FormatInt(taskTemplateVersionID, 10) + "|" + CanonicalizeArgs(nodeArgs)
	return HashString(payload)
}

// DagHash digests the edge set. Edges are rendered as
// "node:up...:down..." lines with sorted id lists, sorted by node id, so
// any insertion order produces the same hash.
func DagHash(edges []EdgeSpec) string {
	lines := make([]string, 0, len(edges))
	for _, e := range edges {
		up := append([]int64(nil), e.UpstreamNodeIDs...)
		down := append([]int64(nil), e.DownstreamNodeIDs...)
		sort.Slice(up, func(i, j int) bool { return up[i] < up[j] })
		sort.Slice(down, func(i, j int) bool { return down[i] < down[j] })
		lines = append(lines, strconv.FormatInt(e.NodeID, 10)+":"+joinIDs(up)+":"+joinIDs(down))
	}
	sort.Strings(lines)
	return HashString(strings.Join(lines, "\n"))
}

// WorkflowHash identifies a workflow by (tool version, dag, workflow args).
// Re-binding the same triple yields the same hash, which is the sole
// mechanism for resume.
func WorkflowHash(toolVersionID, dagID int64, workflowArgs string) string {
	payload := strconv.FormatInt(toolVersionID, 10) + "|" +
		strconv.FormatInt(dagID, 10) + "|" +
		strings.TrimSpace(workflowArgs)
	return HashString(payload)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
