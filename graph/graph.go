// Package graph implements the per-container entity graph: nodes keyed by
// canonical name, a substring/word index over names, bidirectional
// adjacency, and a bounded-traversal context expansion.
//
// Graph is not internally synchronized — callers serialize access through
// lock.Registry the same way the search engine does, so one container's
// graph operations never pay for a mutex they don't need when the caller
// already holds the per-tag lock.
package graph

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"
)

const (
	// MaxGraphEntities caps the number of entities returned by GetContext.
	MaxGraphEntities = 10
	// MaxGraphRelationships caps the number of relationships returned by GetContext.
	MaxGraphRelationships = 20
	// summaryMergePrefixLen is the substring length used to detect an
	// already-present fact before concatenating a new summary fragment.
	summaryMergePrefixLen = 40
	// maxSummaryLen is the hard cap applied after every merge.
	maxSummaryLen = 500
)

// Node is an entity in the graph.
type Node struct {
	Name       string
	Type       string
	Summary    string
	SessionIDs map[string]struct{}
}

// nodeDoc is Node's on-disk shape: sessionIds as a sorted array rather
// than SessionIDs' in-memory set representation.
type nodeDoc struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Summary    string   `json:"summary"`
	SessionIDs []string `json:"sessionIds"`
}

// MarshalJSON renders SessionIDs as a sorted string array.
func (n Node) MarshalJSON() ([]byte, error) {
	ids := make([]string, 0, len(n.SessionIDs))
	for id := range n.SessionIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return json.Marshal(nodeDoc{Name: n.Name, Type: n.Type, Summary: n.Summary, SessionIDs: ids})
}

// UnmarshalJSON restores SessionIDs from the on-disk string array.
func (n *Node) UnmarshalJSON(data []byte) error {
	var doc nodeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	n.Name, n.Type, n.Summary = doc.Name, doc.Type, doc.Summary
	n.SessionIDs = make(map[string]struct{}, len(doc.SessionIDs))
	for _, id := range doc.SessionIDs {
		n.SessionIDs[id] = struct{}{}
	}
	return nil
}

// Edge is a directed, labeled relationship between two entity names.
type Edge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Relation  string `json:"relation"`
	Date      string `json:"date"`
	SessionID string `json:"sessionId"`
}

func edgeKey(source, relation, target string) string {
	return source + "|" + relation + "|" + target
}

// Context is the bounded subgraph returned by GetContext.
type Context struct {
	Entities      []Node
	Relationships []Edge
}

// Graph holds one container's entities, relationships, and name index.
type Graph struct {
	nodes     map[string]*Node
	edges     map[string]*Edge
	adjacency map[string][]string // canonical name -> edge keys touching it
	nameIndex map[string]map[string]struct{}

	maxEntities      int
	maxRelationships int
}

// New returns an empty Graph using the package-default traversal caps
// (MaxGraphEntities / MaxGraphRelationships). Use NewWithLimits to apply
// caller-configured caps instead.
func New() *Graph {
	return NewWithLimits(MaxGraphEntities, MaxGraphRelationships)
}

// NewWithLimits returns an empty Graph whose GetContext caps entities and
// relationships at maxEntities / maxRelationships. Non-positive values fall
// back to the package defaults.
func NewWithLimits(maxEntities, maxRelationships int) *Graph {
	if maxEntities <= 0 {
		maxEntities = MaxGraphEntities
	}
	if maxRelationships <= 0 {
		maxRelationships = MaxGraphRelationships
	}
	return &Graph{
		nodes:            make(map[string]*Node),
		edges:            make(map[string]*Edge),
		adjacency:        make(map[string][]string),
		nameIndex:        make(map[string]map[string]struct{}),
		maxEntities:      maxEntities,
		maxRelationships: maxRelationships,
	}
}

// AddEntity creates or merges a node. name is trimmed; an empty name is a
// no-op. On merge, the new summary is appended (space-separated) only if
// its first summaryMergePrefixLen characters are not already a substring
// of the stored summary, then the result is truncated to maxSummaryLen.
func (g *Graph) AddEntity(name, typ, summary, sessionID string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	typ = strings.ToLower(strings.TrimSpace(typ))

	node, exists := g.nodes[name]
	if !exists {
		node = &Node{
			Name:       name,
			Type:       typ,
			Summary:    truncate(summary, maxSummaryLen),
			SessionIDs: map[string]struct{}{},
		}
		g.nodes[name] = node
	} else {
		node.Summary = mergeSummary(node.Summary, summary)
	}
	if sessionID != "" {
		node.SessionIDs[sessionID] = struct{}{}
	}

	g.indexName(name)
}

func mergeSummary(existing, addition string) string {
	addition = strings.TrimSpace(addition)
	if addition == "" {
		return truncate(existing, maxSummaryLen)
	}
	prefix := addition
	if len(prefix) > summaryMergePrefixLen {
		prefix = prefix[:summaryMergePrefixLen]
	}
	if prefix != "" && strings.Contains(existing, prefix) {
		return truncate(existing, maxSummaryLen)
	}
	merged := existing
	if merged != "" {
		merged += " "
	}
	merged += addition
	return truncate(merged, maxSummaryLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (g *Graph) indexName(canonical string) {
	add := func(token string) {
		token = strings.ToLower(token)
		if len(token) <= 2 {
			return
		}
		set, ok := g.nameIndex[token]
		if !ok {
			set = make(map[string]struct{})
			g.nameIndex[token] = set
		}
		set[canonical] = struct{}{}
	}
	add(canonical)
	for _, part := range strings.Fields(canonical) {
		add(part)
	}
}

// AddRelationship inserts edge, keyed by (source, relation, target).
// Duplicates are silently ignored. Both endpoints gain an adjacency entry
// even if they were never registered via AddEntity.
func (g *Graph) AddRelationship(edge Edge) {
	key := edgeKey(edge.Source, edge.Relation, edge.Target)
	if _, exists := g.edges[key]; exists {
		return
	}
	e := edge
	g.edges[key] = &e
	g.adjacency[edge.Source] = append(g.adjacency[edge.Source], key)
	if edge.Target != edge.Source {
		g.adjacency[edge.Target] = append(g.adjacency[edge.Target], key)
	}
}

var wordCharBoundary = regexp.MustCompile(`\w`)

// FindEntitiesInQuery lowercases query and returns the union of canonical
// names whose indexed token (full name or a >2-char word part) matches a
// whole word within query.
func (g *Graph) FindEntitiesInQuery(query string) []string {
	lowered := strings.ToLower(query)
	found := make(map[string]struct{})

	for token, names := range g.nameIndex {
		if len(token) <= 2 {
			continue
		}
		if wholeWordMatch(lowered, token) {
			for name := range names {
				found[name] = struct{}{}
			}
		}
	}

	return lo.Keys(found)
}

func wholeWordMatch(haystack, token string) bool {
	idx := 0
	for {
		pos := strings.Index(haystack[idx:], token)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(token)

		beforeOK := start == 0 || !wordCharBoundary.MatchString(string(haystack[start-1]))
		afterOK := end >= len(haystack) || !wordCharBoundary.MatchString(string(haystack[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(haystack) {
			return false
		}
	}
}

// GetContext runs a bounded BFS from seeds out to maxHops (seeds are hop
// 0, so maxHops=2 visits two further layers). The seed entities themselves
// are included in Context.Entities whenever they exist as nodes, alongside
// every neighbor reached during traversal. Entities and relationships are
// capped at the Graph's configured maxEntities / maxRelationships
// respectively; once a cap is hit, further hits are dropped but traversal
// continues so the frontier keeps growing.
func (g *Graph) GetContext(seeds []string, maxHops int) Context {
	visited := make(map[string]struct{})
	var entities []Node
	seenEdges := make(map[string]struct{})
	var relationships []Edge

	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if _, ok := visited[s]; ok {
			continue
		}
		visited[s] = struct{}{}
		frontier = append(frontier, s)
		if node, ok := g.nodes[s]; ok && len(entities) < g.maxEntities {
			entities = append(entities, *node)
		}
	}

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, name := range frontier {
			for _, key := range g.adjacency[name] {
				edge := g.edges[key]
				if edge == nil {
					continue
				}
				if _, dup := seenEdges[key]; !dup {
					seenEdges[key] = struct{}{}
					if len(relationships) < g.maxRelationships {
						relationships = append(relationships, *edge)
					}
				}

				for _, other := range []string{edge.Source, edge.Target} {
					if _, ok := visited[other]; ok {
						continue
					}
					visited[other] = struct{}{}
					next = append(next, other)
					if node, ok := g.nodes[other]; ok && len(entities) < g.maxEntities {
						entities = append(entities, *node)
					}
				}
			}
		}
		frontier = next
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	sort.Slice(relationships, func(i, j int) bool {
		return edgeKey(relationships[i].Source, relationships[i].Relation, relationships[i].Target) <
			edgeKey(relationships[j].Source, relationships[j].Relation, relationships[j].Target)
	})

	return Context{Entities: entities, Relationships: relationships}
}

// EdgeCount returns the number of distinct (source, relation, target)
// triples ever added.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// Node looks up a node by canonical name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns a snapshot slice of all nodes, for serialization.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	return out
}

// Edges returns a snapshot slice of all edges, for serialization.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	return out
}

// Clear removes all nodes, edges, and index entries.
func (g *Graph) Clear() {
	g.nodes = make(map[string]*Node)
	g.edges = make(map[string]*Edge)
	g.adjacency = make(map[string][]string)
	g.nameIndex = make(map[string]map[string]struct{})
}

// LoadSnapshot replaces the graph's contents with nodes and edges loaded
// from persistent storage (see store.Snapshot).
func (g *Graph) LoadSnapshot(nodes []Node, edges []Edge) {
	g.Clear()
	for _, n := range nodes {
		sessions := n.SessionIDs
		if sessions == nil {
			sessions = map[string]struct{}{}
		}
		node := n
		node.SessionIDs = sessions
		g.nodes[n.Name] = &node
		g.indexName(n.Name)
	}
	for _, e := range edges {
		g.AddRelationship(e)
	}
}
