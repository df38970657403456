package agent

// Callbacks are fire-and-forget observer hooks for UI feedback. Every
// field may be nil. Implementations must return quickly; the
// orchestrator calls them inline and a slow callback stalls the run.
type Callbacks struct {
	// OnThinking fires when a model turn starts.
	OnThinking func()
	// OnStreamChunk fires for each piece of streamed response text.
	OnStreamChunk func(text string)
	// OnToolCall fires before a tool executes.
	OnToolCall func(name, arguments string)
	// OnToolResult fires after a tool call resolves, successfully or not.
	OnToolResult func(name, result string, err error)
	// OnResponse fires with the final response text.
	OnResponse func(text string)
	// OnError fires when the run fails.
	OnError func(err error)
}

func (c Callbacks) thinking() {
	if c.OnThinking != nil {
		c.OnThinking()
	}
}

func (c Callbacks) streamChunk(text string) {
	if c.OnStreamChunk != nil && text != "" {
		c.OnStreamChunk(text)
	}
}

func (c Callbacks) toolCall(name, arguments string) {
	if c.OnToolCall != nil {
		c.OnToolCall(name, arguments)
	}
}

func (c Callbacks) toolResult(name, result string, err error) {
	if c.OnToolResult != nil {
		c.OnToolResult(name, result, err)
	}
}

func (c Callbacks) response(text string) {
	if c.OnResponse != nil {
		c.OnResponse(text)
	}
}

func (c Callbacks) failure(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}
