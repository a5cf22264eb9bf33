package client

import (
	"sync"

	"github.com/richinsley/maskstudio/graphapi"
)

type QueueItem struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
	Messages   chan PromptMessage     `json:"-"`
	Workflow   graphapi.Graph         `json:"-"`
	// OutputNode stops the item as soon as it has executed; empty waits for
	// the whole prompt.
	OutputNode string `json:"-"`

	done     chan struct{}
	doneOnce sync.Once
}

func newQueueItem(workflow graphapi.Graph, outputNode string) *QueueItem {
	return &QueueItem{
		Workflow:   workflow,
		OutputNode: outputNode,
		Messages:   make(chan PromptMessage, 16),
		done:       make(chan struct{}),
	}
}

// Close tells the client that nobody reads Messages any more. Pending and
// later messages for the item are dropped.
func (qi *QueueItem) Close() {
	qi.doneOnce.Do(func() {
		if qi.done != nil {
			close(qi.done)
		}
	})
}

func (qi *QueueItem) send(m PromptMessage) {
	select {
	case qi.Messages <- m:
	case <-qi.done:
	}
}

func (qi *QueueItem) nodeTitle(id string) string {
	if qi.Workflow != nil {
		if n := qi.Workflow.Node(id); n != nil {
			return n.Title()
		}
	}
	return id
}
