package graphapi

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID  string           `json:"client_id"`
	Nodes     Graph            `json:"prompt"`
	ExtraData *PromptExtraData `json:"extra_data,omitempty"`
}

type PromptNode struct {
	// Inputs can be one of:
	//	float64
	//	string
	//	bool
	//	[]interface{} where: [0] is string of target node
	//					     [1] is float64 (int) of slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      *NodeMeta              `json:"_meta,omitempty"`
}

// NodeMeta carries the display title the editor saved with the node.
type NodeMeta struct {
	Title string `json:"title"`
}

// Title returns the node's display title, or its class type when none was
// saved.
func (n *PromptNode) Title() string {
	if n.Meta != nil && n.Meta.Title != "" {
		return n.Meta.Title
	}
	return n.ClassType
}

type PromptExtraData struct {
	PngInfo map[string]interface{} `json:"extra_pnginfo,omitempty"`
}

// Link builds the [node, slot] input value that wires an output of another
// node into an input.
func Link(nodeID string, slot int) []interface{} {
	return []interface{}{nodeID, slot}
}

// linkTarget reports the node id an input value links to, if it is a link.
func linkTarget(v interface{}) (string, bool) {
	l, ok := v.([]interface{})
	if !ok || len(l) != 2 {
		return "", false
	}
	id, ok := l[0].(string)
	if !ok {
		return "", false
	}
	switch l[1].(type) {
	case float64, int:
		return id, true
	}
	return "", false
}
