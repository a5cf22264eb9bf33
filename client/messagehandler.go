package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/richinsley/maskstudio/graphapi"
)

var ErrInterrupted = errors.New("execution interrupted")

// ExecutionError is returned by ProcessMessages when ComfyUI reports an
// exception for the prompt.
type ExecutionError struct {
	Exception *PromptMessageStoppedException
}

func (e *ExecutionError) Error() string {
	x := e.Exception
	node := x.NodeName
	if node == "" {
		node = x.NodeID
	}
	return fmt.Sprintf("execution failed at node %s (%s): %s: %s", node, x.NodeType, x.ExceptionType, x.ExceptionMessage)
}

// MessageHandlers receives the messages of one queued prompt. Nil fields are
// skipped.
type MessageHandlers struct {
	OnStarted          func(*PromptMessageStarted)
	OnExecuting        func(*PromptMessageExecuting)
	OnProgress         func(*PromptMessageProgress)
	OnData             func(*PromptMessageData)
	OnExecutionSuccess func(*PromptMessageExecutionSuccess)

	// OnError runs before OnStopped when the prompt ended with an exception.
	OnError   func(*PromptMessageStoppedException)
	OnStopped func(*PromptMessageStopped)

	// OnComplete runs once ProcessMessages returns, whatever the outcome.
	OnComplete func()
}

// DefaultMessageHandlers logs the lifecycle of a prompt through slog.
func DefaultMessageHandlers() *MessageHandlers {
	return &MessageHandlers{
		OnStarted: func(m *PromptMessageStarted) {
			slog.Info("Comfy job started", "prompt_id", m.PromptID)
		},
		OnExecuting: func(m *PromptMessageExecuting) {
			slog.Info("Running node", "node_id", m.NodeID, "title", m.Title)
		},
		OnError: func(x *PromptMessageStoppedException) {
			slog.Error("Comfy job failed", "node_id", x.NodeID, "node_type", x.NodeType, "error", x.ExceptionMessage)
		},
		OnStopped: func(m *PromptMessageStopped) {
			if m.Exception == nil && m.Reason != QueuedItemStoppedReasonInterrupted {
				slog.Info("Comfy job finished")
			}
		},
	}
}

func (h *MessageHandlers) WithStartedHandler(fn func(*PromptMessageStarted)) *MessageHandlers {
	h.OnStarted = fn
	return h
}

func (h *MessageHandlers) WithExecutingHandler(fn func(*PromptMessageExecuting)) *MessageHandlers {
	h.OnExecuting = fn
	return h
}

func (h *MessageHandlers) WithProgressHandler(fn func(*PromptMessageProgress)) *MessageHandlers {
	h.OnProgress = fn
	return h
}

// WithDataHandler sets the handler for node outputs, such as the images
// written by SaveImage.
func (h *MessageHandlers) WithDataHandler(fn func(*PromptMessageData)) *MessageHandlers {
	h.OnData = fn
	return h
}

func (h *MessageHandlers) WithExecutionSuccessHandler(fn func(*PromptMessageExecutionSuccess)) *MessageHandlers {
	h.OnExecutionSuccess = fn
	return h
}

func (h *MessageHandlers) WithStoppedHandler(fn func(*PromptMessageStopped)) *MessageHandlers {
	h.OnStopped = fn
	return h
}

func (h *MessageHandlers) WithErrorHandler(fn func(*PromptMessageStoppedException)) *MessageHandlers {
	h.OnError = fn
	return h
}

func (h *MessageHandlers) WithCompleteHandler(fn func()) *MessageHandlers {
	h.OnComplete = fn
	return h
}

// dispatch hands msg to its handler. It reports done once the prompt has
// stopped, together with the outcome.
func (h *MessageHandlers) dispatch(msg PromptMessage) (done bool, err error) {
	switch msg.Type {
	case "started":
		if h.OnStarted != nil {
			h.OnStarted(msg.ToPromptMessageStarted())
		}
	case "executing":
		if h.OnExecuting != nil {
			h.OnExecuting(msg.ToPromptMessageExecuting())
		}
	case "progress":
		if h.OnProgress != nil {
			h.OnProgress(msg.ToPromptMessageProgress())
		}
	case "data":
		if h.OnData != nil {
			h.OnData(msg.ToPromptMessageData())
		}
	case "execution_success":
		if h.OnExecutionSuccess != nil {
			h.OnExecutionSuccess(msg.ToPromptMessageExecutionSuccess())
		}
	case "stopped":
		stopped := msg.ToPromptMessageStopped()
		switch {
		case stopped.Exception != nil:
			if h.OnError != nil {
				h.OnError(stopped.Exception)
			}
			err = &ExecutionError{Exception: stopped.Exception}
		case stopped.Reason == QueuedItemStoppedReasonInterrupted:
			err = ErrInterrupted
		}
		if h.OnStopped != nil {
			h.OnStopped(stopped)
		}
		return true, err
	default:
		slog.Warn("Ignoring prompt message", "type", msg.Type)
	}
	return false, nil
}

// ProcessMessages feeds the item's messages to handlers until the prompt
// stops or ctx is done. A nil handlers value drains the item silently.
func (qi *QueueItem) ProcessMessages(ctx context.Context, handlers *MessageHandlers) error {
	if handlers == nil {
		handlers = &MessageHandlers{}
	}
	defer qi.Close()
	if handlers.OnComplete != nil {
		defer handlers.OnComplete()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-qi.Messages:
			if done, err := handlers.dispatch(msg); done {
				return err
			}
		}
	}
}

// QueuePromptAndProcess queues graph and blocks in ProcessMessages. The item
// is registered before the POST returns, so early messages are kept.
func (c *ComfyClient) QueuePromptAndProcess(ctx context.Context, graph graphapi.Graph, outputNode string, handlers *MessageHandlers) error {
	item, err := c.QueuePrompt(ctx, graph, outputNode)
	if err != nil {
		return fmt.Errorf("failed to queue prompt: %w", err)
	}
	return item.ProcessMessages(ctx, handlers)
}
