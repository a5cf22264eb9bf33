package graphapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrNoPrompt     = errors.New("png does not contain prompt metadata")
)

// Graph is an API-format ComfyUI job: node id to node. Inputs of one node
// link to outputs of another through [id, slot] pairs.
type Graph map[string]*PromptNode

// NewGraphFromJsonReader creates a new graph from the data read from an io.Reader
func NewGraphFromJsonReader(r io.Reader) (Graph, error) {
	var g Graph
	if err := json.NewDecoder(r).Decode(&g); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// NewGraphFromJsonFile creates a new graph from a JSON file
func NewGraphFromJsonFile(path string) (Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewGraphFromJsonReader(f)
}

// NewGraphFromJsonString creates a new graph from a JSON string
func NewGraphFromJsonString(data string) (Graph, error) {
	return NewGraphFromJsonReader(strings.NewReader(data))
}

// NewGraphFromPNGReader extracts the job stored in the "prompt" text chunk
// of a ComfyUI output image.
func NewGraphFromPNGReader(r io.Reader) (Graph, error) {
	metadata, err := GetPngMetadata(r)
	if err != nil {
		return nil, err
	}
	prompt, ok := metadata["prompt"]
	if !ok {
		return nil, ErrNoPrompt
	}
	return NewGraphFromJsonString(prompt)
}

func NewGraphFromPNGFile(path string) (Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewGraphFromPNGReader(f)
}

// Validate checks that every node has a class type and that every link
// points at a node of the graph.
func (g Graph) Validate() error {
	if len(g) == 0 {
		return errors.New("graph has no nodes")
	}
	for id, n := range g {
		if n == nil || n.ClassType == "" {
			return fmt.Errorf("node %s has no class_type", id)
		}
		for name, v := range n.Inputs {
			if target, ok := linkTarget(v); ok {
				if _, exists := g[target]; !exists {
					return fmt.Errorf("node %s input %s links to missing node %s", id, name, target)
				}
			}
		}
	}
	return nil
}

// Clone returns a deep copy so that templates can be filled per job.
func (g Graph) Clone() Graph {
	data, _ := json.Marshal(g)
	var out Graph
	_ = json.Unmarshal(data, &out)
	return out
}

// IDs returns the node ids in numeric-then-lexical order.
func (g Graph) IDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Node returns the node with the given id. Compound ids such as "57:8",
// reported for nodes inside a subgraph, resolve to their outer node.
func (g Graph) Node(id string) *PromptNode {
	if n, ok := g[id]; ok {
		return n
	}
	if outer, _, found := strings.Cut(id, ":"); found {
		return g[outer]
	}
	return nil
}

// SetInput sets a literal or link input on a node.
func (g Graph) SetInput(id, name string, value interface{}) error {
	n, ok := g[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Inputs == nil {
		n.Inputs = make(map[string]interface{})
	}
	n.Inputs[name] = value
	return nil
}

// NodesByClass returns the ids of all nodes of a class type.
func (g Graph) NodesByClass(classType string) []string {
	var ids []string
	for _, id := range g.IDs() {
		if g[id].ClassType == classType {
			ids = append(ids, id)
		}
	}
	return ids
}

// NodeByTitle returns the first node, in id order, whose title matches.
func (g Graph) NodeByTitle(title string) (string, *PromptNode, bool) {
	for _, id := range g.IDs() {
		if g[id].Title() == title {
			return id, g[id], true
		}
	}
	return "", nil, false
}

// SetInputByTitle sets an input on the node with the given title.
func (g Graph) SetInputByTitle(title, name string, value interface{}) error {
	id, _, ok := g.NodeByTitle(title)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, title)
	}
	return g.SetInput(id, name, value)
}

// ToPrompt wraps the graph into the body of a POST /prompt request.
func (g Graph) ToPrompt(clientID string) *Prompt {
	return &Prompt{
		ClientID: clientID,
		Nodes:    g,
	}
}
