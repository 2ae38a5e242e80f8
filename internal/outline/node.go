// Package outline models note content as a tree of typed nodes and converts it to and from indented text.
package outline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates outline node types. Values match the JSON documents stored for notes.
type Kind string

const (
	KindRoot     Kind = "RootNode"
	KindBlock    Kind = "BlockNode"
	KindHeading  Kind = "HeadingNode"
	KindListItem Kind = "ListItemNode"
)

// RootID is the identifier of every note's root node.
const RootID = "root"

var (
	// ErrPathNotFound indicates that an ancestor id in a path does not exist at the expected depth.
	ErrPathNotFound = errors.New("outline: path not found")
	// ErrIndexOutOfRange indicates a child index outside the addressed children list.
	ErrIndexOutOfRange = errors.New("outline: index out of range")
)

// Node is one line of note content together with its nested children.
type Node struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"type"`
	Value    string `json:"value"`
	Level    int    `json:"level,omitempty"`
	Children []Node `json:"children"`
}

// NewRoot returns an empty root node.
func NewRoot() Node {
	return Node{ID: RootID, Kind: KindRoot, Children: []Node{}}
}

// MarshalJSON always emits children as an array so clients never see null.
func (n Node) MarshalJSON() ([]byte, error) {
	type plain Node
	encoded := plain(n)
	if encoded.Children == nil {
		encoded.Children = []Node{}
	}
	return json.Marshal(encoded)
}

// IsZero reports whether the node carries no data, as returned for missing positions.
func (n Node) IsZero() bool {
	return n.ID == "" && n.Kind == "" && n.Value == "" && len(n.Children) == 0
}

// Validate checks kinds, heading levels and id uniqueness across the subtree.
func (n Node) Validate() error {
	seen := make(map[string]struct{})
	return n.validate(seen)
}

func (n Node) validate(seen map[string]struct{}) error {
	if n.ID == "" {
		return fmt.Errorf("outline: node without id")
	}
	if _, duplicate := seen[n.ID]; duplicate {
		return fmt.Errorf("outline: duplicate node id %q", n.ID)
	}
	seen[n.ID] = struct{}{}
	switch n.Kind {
	case KindRoot, KindBlock, KindListItem:
	case KindHeading:
		if n.Level < 1 {
			return fmt.Errorf("outline: heading %q has level %d", n.ID, n.Level)
		}
	default:
		return fmt.Errorf("outline: node %q has unknown type %q", n.ID, n.Kind)
	}
	for _, child := range n.Children {
		if child.Kind == KindRoot {
			return fmt.Errorf("outline: root node nested under %q", n.ID)
		}
		if err := child.validate(seen); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the subtree.
func (n Node) Clone() Node {
	clone := n
	if n.Children != nil {
		clone.Children = make([]Node, len(n.Children))
		for index, child := range n.Children {
			clone.Children[index] = child.Clone()
		}
	}
	return clone
}

// Find resolves a path of ancestor ids starting below n and returns the addressed node.
// An empty path addresses n itself.
func (n *Node) Find(path []string) (*Node, error) {
	current := n
	for depth, id := range path {
		var next *Node
		for index := range current.Children {
			if current.Children[index].ID == id {
				next = &current.Children[index]
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %q at depth %d", ErrPathNotFound, id, depth)
		}
		current = next
	}
	return current, nil
}

// InsertAt places child at index within the children of the node addressed by path.
// An index equal to the number of children appends.
func (n *Node) InsertAt(path []string, index int, child Node) error {
	parent, err := n.Find(path)
	if err != nil {
		return err
	}
	if index < 0 || index > len(parent.Children) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(parent.Children))
	}
	parent.Children = append(parent.Children, Node{})
	copy(parent.Children[index+1:], parent.Children[index:])
	parent.Children[index] = child
	return nil
}

// ReplaceAt swaps the child at index within the node addressed by path.
func (n *Node) ReplaceAt(path []string, index int, child Node) error {
	parent, err := n.Find(path)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(parent.Children) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(parent.Children))
	}
	parent.Children[index] = child
	return nil
}
