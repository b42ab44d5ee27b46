// Package agent implements an autonomous coding-agent runtime.
//
// It pairs a large language model with host-provided tools and drives the
// conversation until the model's work is done: streaming model output as
// typed events, scheduling tool calls through a confirmation-aware state
// machine, compressing history as the context window fills, and halting when
// the agent stops making progress.
//
// The model side is abstracted behind the llm package's ContentGenerator;
// wrap a provider adapter in llm.NewClient to get retry, backoff and model
// fallback for free.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - AgentSession: The outer loop. Submits prompts, enforces turn and token
//     budgets, feeds tool results back to the model, and decides when the
//     conversation ends.
//   - Turn: Converts one streamed model response into typed AgentEvents and
//     collects the tool calls the model requested.
//   - Scheduler: Drives each batch of tool calls through validation,
//     confirmation, parallel execution and completion.
//   - LoopDetector: Watches for repeated tool calls, repeated content, and
//     model-adjudicated stagnation.
//   - ToolRegistry: Registration and dispatch of Tool implementations.
//   - EventEmitter: Typed event stream for host application integration.
//
// # Quick Start
//
//	adapter, _ := llm.NewGollmAdapter("anthropic")
//	client := llm.NewClient(adapter, llm.ClientConfig{Model: "claude-opus-4-6"})
//
//	registry := agent.NewToolRegistry()
//	registry.Register(myShellTool)
//
//	session := agent.NewAgentSession(client, registry, agent.SessionConfig{
//	    Model: "claude-opus-4-6",
//	})
//	defer session.Close()
//
//	go func() {
//	    for event := range session.Events() {
//	        fmt.Printf("[%s] %s\n", event.Kind, event.Content)
//	    }
//	}()
//
//	if err := session.Submit(ctx, "Create a hello.py file"); err != nil {
//	    log.Fatal(err)
//	}
package agent
