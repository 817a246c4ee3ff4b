// Package topic implements the broker's subscription and retained-message
// tree: a path trie keyed on MQTT topic levels, generalized from a plain
// filter trie to carry per-node subscriber sets and a retained message.
package topic

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mqttkit/broker/packet"
)

// node is one level of a topic filter. path is the level's literal text,
// "+" or "#". subscribers maps a client id to its granted QoS at this
// node; retained is the last retained message published exactly to this
// level, or nil.
type node struct {
	path string
	m    sync.RWMutex
	next map[string]*node

	subscribers map[string]uint8
	retained    *packet.Message
}

func newNode(path string) *node {
	return &node{path: path, next: make(map[string]*node)}
}

func (n *node) child(path string) (*node, bool) {
	n.m.RLock()
	defer n.m.RUnlock()
	c, ok := n.next[path]
	return c, ok
}

func (n *node) childOrCreate(path string) *node {
	n.m.Lock()
	defer n.m.Unlock()
	c, ok := n.next[path]
	if !ok {
		c = newNode(path)
		n.next[path] = c
	}
	return c
}

// empty reports whether n carries nothing worth keeping: no subscribers,
// no retained message, no children.
func (n *node) empty() bool {
	n.m.RLock()
	defer n.m.RUnlock()
	return len(n.subscribers) == 0 && n.retained == nil && len(n.next) == 0
}

func (n *node) addSubscriber(clientID string, qos uint8) {
	n.m.Lock()
	defer n.m.Unlock()
	if n.subscribers == nil {
		n.subscribers = make(map[string]uint8)
	}
	n.subscribers[clientID] = qos
}

func (n *node) removeSubscriber(clientID string) {
	n.m.Lock()
	defer n.m.Unlock()
	delete(n.subscribers, clientID)
}

// MemoryTrie is an in-process, concurrency-safe topic tree: it records
// subscriptions, routes publishes to matching subscribers, and stores
// retained messages.
type MemoryTrie struct {
	root *node
}

// NewMemoryTrie returns an empty tree.
func NewMemoryTrie() *MemoryTrie {
	return &MemoryTrie{root: newNode("")}
}

func levels(topicName string) []string {
	return strings.Split(topicName, "/")
}

// Subscribe walks the tree creating missing nodes for filter, records
// clientID at the terminal node with min(qos, 1), and returns every
// retained message stored anywhere in the tree that filter matches, to
// be delivered to the new subscriber as ordinary Publishes with
// retain-flag=true.
func (m *MemoryTrie) Subscribe(clientID, filter string, qos uint8) ([]*packet.Message, error) {
	if filter == "" {
		return nil, fmt.Errorf("topic: filter is empty")
	}
	if qos > 1 {
		qos = 1
	}
	current := m.root
	for _, lvl := range levels(filter) {
		current = current.childOrCreate(lvl)
	}
	current.addSubscriber(clientID, qos)

	var retained []*packet.Message
	collectRetainedMatching(m.root, levels(filter), true, &retained)
	return retained, nil
}

// collectRetainedMatching descends the real (literal) topic tree
// matching filter segments the same way Publish matches a published
// topic against stored filters, but in reverse: segs here is the new
// subscription's filter, and the tree being walked holds retained
// messages at their literal publish topics. "$"-prefixed topics never
// match a "+" or "#" at the first level.
func collectRetainedMatching(n *node, segs []string, firstLevel bool, out *[]*packet.Message) {
	if len(segs) == 0 {
		n.m.RLock()
		if n.retained != nil {
			*out = append(*out, n.retained)
		}
		n.m.RUnlock()
		return
	}

	seg, rest := segs[0], segs[1:]
	if seg == "#" {
		collectRetainedSubtree(n, firstLevel, out)
		return
	}

	n.m.RLock()
	var matched []*node
	if seg == "+" {
		for name, c := range n.next {
			if firstLevel && strings.HasPrefix(name, "$") {
				continue
			}
			matched = append(matched, c)
		}
	} else if c, ok := n.next[seg]; ok {
		matched = append(matched, c)
	}
	n.m.RUnlock()

	for _, c := range matched {
		collectRetainedMatching(c, rest, false, out)
	}
}

// collectRetainedSubtree collects n's own retained message (the level a
// "#" is attached to) plus every retained message at or below it.
func collectRetainedSubtree(n *node, firstLevel bool, out *[]*packet.Message) {
	n.m.RLock()
	if n.retained != nil {
		*out = append(*out, n.retained)
	}
	children := make([]*node, 0, len(n.next))
	names := make([]string, 0, len(n.next))
	for name, c := range n.next {
		children = append(children, c)
		names = append(names, name)
	}
	n.m.RUnlock()

	for i, c := range children {
		if firstLevel && strings.HasPrefix(names[i], "$") {
			continue
		}
		collectRetainedSubtree(c, false, out)
	}
}

// Unsubscribe removes clientID's entry at filter's terminal node, pruning
// any now-empty nodes back up the path.
func (m *MemoryTrie) Unsubscribe(clientID, filter string) {
	m.walkAndPrune(levels(filter), func(n *node) {
		n.removeSubscriber(clientID)
	})
}

// RemoveClient deletes clientID from every node's subscriber set,
// pruning empty nodes as it goes.
func (m *MemoryTrie) RemoveClient(clientID string) {
	removeClientRecursive(m.root, clientID)
}

func removeClientRecursive(n *node, clientID string) {
	n.m.RLock()
	children := make([]*node, 0, len(n.next))
	for _, c := range n.next {
		children = append(children, c)
	}
	n.m.RUnlock()

	for _, c := range children {
		removeClientRecursive(c, clientID)
	}
	n.removeSubscriber(clientID)
	n.pruneChildren()
}

func (n *node) pruneChildren() {
	n.m.Lock()
	defer n.m.Unlock()
	for k, c := range n.next {
		if c.empty() {
			delete(n.next, k)
		}
	}
}

// walkAndPrune descends the exact path (filters are stored literally,
// with "+"/"#" as literal path segments, not matched against siblings
// here), applies fn at the terminal node if found, then prunes empty
// nodes back up the path.
func (m *MemoryTrie) walkAndPrune(segs []string, fn func(n *node)) {
	path := []*node{m.root}
	current := m.root
	for _, seg := range segs {
		next, ok := current.child(seg)
		if !ok {
			return
		}
		path = append(path, next)
		current = next
	}
	fn(current)
	for i := len(path) - 1; i > 0; i-- {
		path[i-1].pruneChildren()
	}
}

// Publish descends topicName matching literal, "+" and "#" children, and
// returns the set of matching subscribers with the highest granted QoS
// across all matching filters. If retain is true, the exact-path node's
// retained slot is updated (empty content deletes the retained message).
// $-prefixed topics never match a "+" or "#" at the first level.
func (m *MemoryTrie) Publish(msg *packet.Message, retain bool) map[string]uint8 {
	segs := levels(msg.TopicName)
	result := make(map[string]uint8)
	reserved := strings.HasPrefix(segs[0], "$")

	matchRecursive(m.root, segs, reserved, true, result)

	if retain {
		m.setRetained(segs, msg)
	}
	return result
}

func matchRecursive(n *node, segs []string, reserved, firstLevel bool, result map[string]uint8) {
	if len(segs) == 0 {
		n.m.RLock()
		for clientID, qos := range n.subscribers {
			if existing, ok := result[clientID]; !ok || qos > existing {
				result[clientID] = qos
			}
		}
		// "parent/#" also matches "parent" itself: "#" matches the
		// current level and every level below it, including none.
		hash, hasHash := n.next["#"]
		n.m.RUnlock()
		if hasHash && !(reserved && firstLevel) {
			hash.m.RLock()
			for clientID, qos := range hash.subscribers {
				if existing, ok := result[clientID]; !ok || qos > existing {
					result[clientID] = qos
				}
			}
			hash.m.RUnlock()
		}
		return
	}

	seg, rest := segs[0], segs[1:]

	n.m.RLock()
	literal, hasLiteral := n.next[seg]
	plus, hasPlus := n.next["+"]
	hash, hasHash := n.next["#"]
	n.m.RUnlock()

	if hasLiteral {
		matchRecursive(literal, rest, reserved, false, result)
	}
	if hasPlus && !(reserved && firstLevel) {
		matchRecursive(plus, rest, reserved, false, result)
	}
	if hasHash && !(reserved && firstLevel) {
		hash.m.RLock()
		for clientID, qos := range hash.subscribers {
			if existing, ok := result[clientID]; !ok || qos > existing {
				result[clientID] = qos
			}
		}
		hash.m.RUnlock()
	}
}

// FilterState is one node's worth of persisted tree state, keyed on the
// full filter path from the root (spec §6 snapshot format's
// "topic_handler", minus any transport handles).
type FilterState struct {
	Filter      string            `json:"filter"`
	Subscribers map[string]uint8  `json:"subscribers,omitempty"`
	Retained    *packet.Message   `json:"retained,omitempty"`
}

// Snapshot walks the tree and returns every node carrying subscribers or
// a retained message, for serialization (spec §6).
func (m *MemoryTrie) Snapshot() []FilterState {
	var out []FilterState
	snapshotRecursive(m.root, nil, &out)
	return out
}

func snapshotRecursive(n *node, path []string, out *[]FilterState) {
	n.m.RLock()
	var subs map[string]uint8
	if len(n.subscribers) > 0 {
		subs = make(map[string]uint8, len(n.subscribers))
		for id, qos := range n.subscribers {
			subs[id] = qos
		}
	}
	retained := n.retained
	children := make([]*node, 0, len(n.next))
	childPaths := make([]string, 0, len(n.next))
	for seg, c := range n.next {
		children = append(children, c)
		childPaths = append(childPaths, seg)
	}
	n.m.RUnlock()

	if len(path) > 0 && (len(subs) > 0 || retained != nil) {
		*out = append(*out, FilterState{
			Filter:      strings.Join(path, "/"),
			Subscribers: subs,
			Retained:    retained,
		})
	}
	for i, c := range children {
		snapshotRecursive(c, append(append([]string(nil), path...), childPaths[i]), out)
	}
}

// Restore repopulates the tree from a prior Snapshot, reinstating
// subscriptions and retained messages. It must only be called against a
// freshly constructed, unused tree.
func (m *MemoryTrie) Restore(states []FilterState) {
	for _, st := range states {
		current := m.root
		for _, seg := range levels(st.Filter) {
			current = current.childOrCreate(seg)
		}
		current.m.Lock()
		if len(st.Subscribers) > 0 {
			current.subscribers = make(map[string]uint8, len(st.Subscribers))
			for id, qos := range st.Subscribers {
				current.subscribers[id] = qos
			}
		}
		current.retained = st.Retained
		current.m.Unlock()
	}
}

// RetainedCount returns the number of topics currently holding a
// retained message, for the broker's retained-message gauge.
func (m *MemoryTrie) RetainedCount() int {
	return countRetained(m.root)
}

func countRetained(n *node) int {
	n.m.RLock()
	count := 0
	if n.retained != nil {
		count = 1
	}
	children := make([]*node, 0, len(n.next))
	for _, c := range n.next {
		children = append(children, c)
	}
	n.m.RUnlock()
	for _, c := range children {
		count += countRetained(c)
	}
	return count
}

func (m *MemoryTrie) setRetained(segs []string, msg *packet.Message) {
	current := m.root
	for _, seg := range segs {
		current = current.childOrCreate(seg)
	}
	current.m.Lock()
	if len(msg.Content) == 0 {
		current.retained = nil
	} else {
		current.retained = msg
	}
	current.m.Unlock()
	current.pruneChildren()
}
