package repl

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/drpcorg/ycrdt"
)

// Node is a step of a doc/root/key/index path.
type Node interface {
	// ID of the item holding the node; zero for docs and roots
	ID() ycrdt.ID
	String() string
	List() []string
	// returns nil if there is none
	Get(name string) Node
}

// DocNode is the top of a path; its children are the root branches.
type DocNode struct {
	Doc *ycrdt.Doc
}

func (dn *DocNode) ID() ycrdt.ID {
	return ycrdt.ID{}
}

func (dn *DocNode) String() string {
	return fmt.Sprintf("doc %s client %d sv %s", dn.Doc.GUID(), dn.Doc.ClientID(), dn.Doc.StateVector())
}

func (dn *DocNode) List() []string {
	return dn.Doc.RootNames()
}

func (dn *DocNode) Get(name string) Node {
	if !slices.Contains(dn.Doc.RootNames(), name) {
		return nil
	}
	b, err := dn.Doc.Get(name, ycrdt.KindAbstract)
	if err != nil {
		return nil
	}
	return &BranchNode{Branch: b}
}

type BranchNode struct {
	Branch *ycrdt.Branch
}

func (bn *BranchNode) ID() ycrdt.ID {
	if item := bn.Branch.Item(); item != nil {
		return item.ID()
	}
	return ycrdt.ID{}
}

func (bn *BranchNode) String() string {
	switch bn.Branch.InferredKind() {
	case ycrdt.KindText, ycrdt.KindXmlText, ycrdt.KindXmlElement, ycrdt.KindXmlFragment:
		return bn.Branch.String()
	}
	return marshalValue(bn.Branch.ToJSON())
}

func (bn *BranchNode) List() []string {
	b := bn.Branch
	if kind := b.InferredKind(); kind == ycrdt.KindMap || kind == ycrdt.KindXmlElement {
		return b.Keys()
	}
	n := len(b.Values())
	ret := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ret = append(ret, strconv.Itoa(i))
	}
	return ret
}

func (bn *BranchNode) Get(name string) Node {
	var v any
	var ok bool
	if idx, err := strconv.Atoi(name); err == nil && bn.Branch.InferredKind() != ycrdt.KindMap {
		v, ok = bn.Branch.Get(idx)
	} else {
		v, ok = bn.Branch.GetKey(name)
	}
	if !ok {
		return nil
	}
	return valueNode(v)
}

func valueNode(v any) Node {
	switch t := v.(type) {
	case *ycrdt.Branch:
		return &BranchNode{Branch: t}
	case *ycrdt.Doc:
		return &DocNode{Doc: t}
	}
	return &ValueNode{Value: v}
}

// ValueNode is a plain value; it has no children.
type ValueNode struct {
	Value any
}

func (vn *ValueNode) ID() ycrdt.ID      { return ycrdt.ID{} }
func (vn *ValueNode) String() string    { return marshalValue(vn.Value) }
func (vn *ValueNode) List() []string    { return nil }
func (vn *ValueNode) Get(_ string) Node { return nil }

func marshalValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Walk resolves a slash separated path starting at a doc name.
func (repl *REPL) Walk(path string) (Node, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	doc, err := repl.doc(parts[0])
	if err != nil {
		return nil, err
	}
	var node Node = &DocNode{Doc: doc}
	for _, part := range parts[1:] {
		next := node.Get(part)
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrBadPath, path)
		}
		node = next
	}
	return node, nil
}
