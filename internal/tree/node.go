package tree

import "strings"

// Node is an element in a document tree. A node attached to a Document is
// guarded by the document mutex; detached nodes are free to build without
// locking because no observer can see them.
type Node struct {
	name     string
	attrs    map[string]string
	text     string
	children []*Node
	parent   *Node
	doc      *Document
}

func NewNode(name string) *Node {
	return &Node{name: name}
}

func (n *Node) Name() string {
	if n == nil {
		return ""
	}
	return n.name
}

func (n *Node) ID() string {
	value, _ := n.Attribute("id")
	return value
}

func (n *Node) Attribute(name string) (string, bool) {
	if n == nil {
		return "", false
	}
	if d := n.doc; d != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	value, ok := n.attrs[name]
	return value, ok
}

// Attributes returns a copy of the attribute map.
func (n *Node) Attributes() map[string]string {
	if n == nil {
		return nil
	}
	if d := n.doc; d != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if len(n.attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(n.attrs))
	for key, value := range n.attrs {
		out[key] = value
	}
	return out
}

func (n *Node) Text() string {
	if n == nil {
		return ""
	}
	if d := n.doc; d != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	return n.text
}

// Children returns a copy of the child list in document order.
func (n *Node) Children() []*Node {
	if n == nil {
		return nil
	}
	if d := n.doc; d != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if len(n.children) == 0 {
		return nil
	}
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

func (n *Node) Parent() *Node {
	if n == nil {
		return nil
	}
	if d := n.doc; d != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	return n.parent
}

// Path joins node names from the root down to this node.
func (n *Node) Path() string {
	if n == nil {
		return ""
	}
	if d := n.doc; d != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	names := []string{}
	for current := n; current != nil; current = current.parent {
		names = append(names, current.name)
	}
	builder := strings.Builder{}
	for i := len(names) - 1; i >= 0; i-- {
		builder.WriteString("/")
		builder.WriteString(names[i])
	}
	return builder.String()
}

func (n *Node) SetAttribute(name, value string) {
	if n == nil || name == "" {
		return
	}
	d := n.doc
	if d == nil {
		n.setAttributeLocked(name, value)
		return
	}
	d.mu.Lock()
	old := n.attrs[name]
	n.setAttributeLocked(name, value)
	d.recordAttributeLocked(n, name, old)
	d.mu.Unlock()
	d.wakeDispatch()
}

func (n *Node) RemoveAttribute(name string) {
	if n == nil || name == "" {
		return
	}
	d := n.doc
	if d == nil {
		delete(n.attrs, name)
		return
	}
	d.mu.Lock()
	old, existed := n.attrs[name]
	delete(n.attrs, name)
	if existed {
		d.recordAttributeLocked(n, name, old)
	}
	d.mu.Unlock()
	if existed {
		d.wakeDispatch()
	}
}

func (n *Node) SetText(text string) {
	if n == nil {
		return
	}
	d := n.doc
	if d == nil {
		n.text = text
		return
	}
	d.mu.Lock()
	old := n.text
	n.text = text
	d.recordCharacterDataLocked(n, old)
	d.mu.Unlock()
	d.wakeDispatch()
}

// Append attaches child as the last child of n. The child must be detached
// and must not be an ancestor of n.
func (n *Node) Append(child *Node) error {
	if n == nil || child == nil {
		return ErrInvalidChild
	}
	d := n.doc
	if d == nil {
		if child.parent != nil || child == n || isAncestor(child, n) {
			return ErrInvalidChild
		}
		child.parent = n
		n.children = append(n.children, child)
		return nil
	}
	d.mu.Lock()
	if child.parent != nil || child == n || isAncestor(child, n) {
		d.mu.Unlock()
		return ErrInvalidChild
	}
	child.parent = n
	n.children = append(n.children, child)
	setDocument(child, d)
	d.recordChildListLocked(n, []*Node{child}, nil)
	d.mu.Unlock()
	d.wakeDispatch()
	return nil
}

// RemoveChild detaches child from n. Returns false when child is not a
// direct child of n.
func (n *Node) RemoveChild(child *Node) bool {
	if n == nil || child == nil {
		return false
	}
	d := n.doc
	if d == nil {
		return n.removeChildLocked(child)
	}
	d.mu.Lock()
	removed := n.removeChildLocked(child)
	if removed {
		setDocument(child, nil)
		d.recordChildListLocked(n, nil, []*Node{child})
	}
	d.mu.Unlock()
	if removed {
		d.wakeDispatch()
	}
	return removed
}

func (n *Node) setAttributeLocked(name, value string) {
	if n.attrs == nil {
		n.attrs = make(map[string]string)
	}
	n.attrs[name] = value
}

func (n *Node) removeChildLocked(child *Node) bool {
	for index, candidate := range n.children {
		if candidate == child {
			n.children = append(n.children[:index], n.children[index+1:]...)
			child.parent = nil
			return true
		}
	}
	return false
}

func setDocument(node *Node, d *Document) {
	node.doc = d
	for _, child := range node.children {
		setDocument(child, d)
	}
}

func isAncestor(ancestor, node *Node) bool {
	for current := node.parent; current != nil; current = current.parent {
		if current == ancestor {
			return true
		}
	}
	return false
}
