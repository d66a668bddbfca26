package schemas

// -- Page Snapshot --

// DomNodeType discriminates element and text nodes in a snapshot.
type DomNodeType string

const (
	ElementNode DomNodeType = "ELEMENT_NODE"
	TextNode    DomNodeType = "TEXT_NODE"
)

// DomNode is one entry of a PageSnapshot. Element fields are left empty on text nodes.
type DomNode struct {
	Type           DomNodeType       `json:"type"`
	TagName        string            `json:"tagName"`
	Attributes     map[string]string `json:"attributes"`
	XPath          string            `json:"xpath"`
	Children       []string          `json:"children"`
	IsVisible      bool              `json:"isVisible"`
	IsTopElement   *bool             `json:"isTopElement,omitempty"`
	IsInteractive  *bool             `json:"isInteractive,omitempty"`
	IsInViewport   *bool             `json:"isInViewport,omitempty"`
	HighlightIndex *int              `json:"highlightIndex,omitempty"`
	Text           string            `json:"text,omitempty"`
}

// PageSnapshot is a point-in-time map from stable element identifiers to node descriptors.
// It is produced fresh for every step and never persisted.
type PageSnapshot struct {
	RootID string             `json:"rootId"`
	Map    map[string]DomNode `json:"map"`
}

// FindByHighlightIndex returns the element node carrying the given highlight index.
func (p *PageSnapshot) FindByHighlightIndex(index int) (DomNode, bool) {
	if p == nil {
		return DomNode{}, false
	}
	for _, node := range p.Map {
		if node.Type == TextNode || node.HighlightIndex == nil {
			continue
		}
		if *node.HighlightIndex == index {
			return node, true
		}
	}
	return DomNode{}, false
}

// HighlightCount returns the number of actionable (highlighted) elements.
func (p *PageSnapshot) HighlightCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, node := range p.Map {
		if node.Type == ElementNode && node.HighlightIndex != nil {
			n++
		}
	}
	return n
}
