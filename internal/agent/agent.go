// Package agent orchestrates one conversational exchange: history append,
// window construction, memory recall, generation, tool execution, and
// session recovery.
package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/capability"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/conversation"
	"github.com/hearthd/hearth/internal/curator"
	"github.com/hearthd/hearth/internal/fault"
	"github.com/hearthd/hearth/internal/observability"
	"github.com/hearthd/hearth/internal/recovery"
	"github.com/hearthd/hearth/internal/semantic"
	"github.com/hearthd/hearth/internal/store"
	"github.com/hearthd/hearth/internal/window"
)

const defaultSystemPrompt = `You are Hearth, a home assistant. You control devices through the
provided tools and answer questions about the home. Be brief and concrete.
Never invent device state; when unsure, say so.`

const recallTopK = 5

// Options wires the agent's collaborators. Curator, Index, Embedder, and
// Metrics may be nil; the corresponding steps are skipped.
type Options struct {
	Store      *store.Store
	Window     *window.Manager
	Generator  capability.Generator
	Controller capability.DeviceController
	Curator    *curator.Curator
	Index      *semantic.Index
	Embedder   capability.Embedder
	Supervisor *recovery.Supervisor
	Metrics    *observability.Metrics
	Config     *config.Config
}

// Agent serializes exchanges per session and runs the generation loop.
type Agent struct {
	store      *store.Store
	window     *window.Manager
	generator  capability.Generator
	controller capability.DeviceController
	curator    *curator.Curator
	index      *semantic.Index
	embedder   capability.Embedder
	supervisor *recovery.Supervisor
	metrics    *observability.Metrics

	systemPrompt      string
	maxToolIterations int
	memoryEnabled     bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(opts Options) (*Agent, error) {
	if opts.Store == nil || opts.Window == nil || opts.Generator == nil {
		return nil, fmt.Errorf("agent: store, window, and generator are required")
	}

	systemPrompt := defaultSystemPrompt
	maxIter := config.DefaultMaxToolIterations
	memoryEnabled := false
	if opts.Config != nil {
		if prompt := strings.TrimSpace(opts.Config.Agent.SystemPrompt); prompt != "" {
			systemPrompt = prompt
		}
		if opts.Config.Agent.MaxToolIterations > 0 {
			maxIter = opts.Config.Agent.MaxToolIterations
		}
		memoryEnabled = opts.Config.Memory.Enabled
	}

	return &Agent{
		store:             opts.Store,
		window:            opts.Window,
		generator:         opts.Generator,
		controller:        opts.Controller,
		curator:           opts.Curator,
		index:             opts.Index,
		embedder:          opts.Embedder,
		supervisor:        opts.Supervisor,
		metrics:           opts.Metrics,
		systemPrompt:      systemPrompt,
		maxToolIterations: maxIter,
		memoryEnabled:     memoryEnabled,
		locks:             make(map[string]*sync.Mutex),
	}, nil
}

// HandleTurn processes one user message and returns the assistant's reply
// text. Exchanges for the same user are serialized; a structurally broken
// session is purged and retried through the recovery supervisor.
func (a *Agent) HandleTurn(ctx context.Context, userID, text string, imageRefs []string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("handle turn: empty user id")
	}
	userTurn := conversation.NewUserTurn(text, imageRefs)
	if len(userTurn.Blocks) == 0 {
		return "", fmt.Errorf("handle turn: empty message")
	}

	lock := a.sessionLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sessionID := store.SessionIDFor(userID)
	var reply string
	var storedUser conversation.Turn
	attempt := func(ctx context.Context) error {
		out, stored, err := a.exchange(ctx, userID, userTurn)
		if err != nil {
			return err
		}
		reply = out
		storedUser = stored
		return nil
	}

	var err error
	var outcome recovery.Outcome
	if a.supervisor != nil {
		outcome, err = a.supervisor.Execute(ctx, sessionID, attempt)
	} else {
		err = attempt(ctx)
	}

	switch {
	case err == nil && outcome.Retries > 0:
		a.countTurn("recovered")
	case err == nil:
		a.countTurn("ok")
	case outcome.State == recovery.StateFatal:
		a.countTurn("fatal")
	default:
		a.countTurn("error")
	}
	if err != nil {
		if fault.IsStructural(err) && a.metrics != nil {
			a.metrics.WindowRejections.Inc()
		}
		return "", err
	}

	if a.curator != nil && a.memoryEnabled {
		a.curator.Enqueue(userID, sessionID, storedUser)
	}
	return reply, nil
}

// exchange runs one full request-generate-tools cycle against the session.
// It returns the user turn as stored, with its assigned sequence number, so
// the curator can record accurate provenance.
func (a *Agent) exchange(ctx context.Context, userID string, userTurn conversation.Turn) (string, conversation.Turn, error) {
	sess, err := a.store.GetOrCreateSession(userID)
	if err != nil {
		return "", conversation.Turn{}, err
	}
	storedUser, err := a.store.Append(ctx, sess.ID, userTurn)
	if err != nil {
		return "", conversation.Turn{}, err
	}

	win, err := a.window.BuildWindow(sess.ID)
	if err != nil {
		return "", conversation.Turn{}, err
	}

	memoryContext := a.recall(ctx, userID, userTurn.Text())
	tools := a.toolSpecs()

	for iter := 0; iter < a.maxToolIterations; iter++ {
		reply, err := a.generate(ctx, capability.GenerateRequest{
			SystemPrompt:  a.systemPrompt,
			MemoryContext: memoryContext,
			Turns:         win,
			Tools:         tools,
		})
		if err != nil {
			return "", conversation.Turn{}, err
		}

		if !reply.HasToolCalls() {
			if _, err := a.store.Append(ctx, sess.ID, reply); err != nil {
				return "", conversation.Turn{}, err
			}
			return reply.Text(), storedUser, nil
		}

		appended, err := a.store.Append(ctx, sess.ID, reply)
		if err != nil {
			return "", conversation.Turn{}, err
		}
		win = append(win, appended)

		toolTurn := a.runTools(ctx, reply)
		appended, err = a.store.Append(ctx, sess.ID, toolTurn)
		if err != nil {
			return "", conversation.Turn{}, err
		}
		win = append(win, appended)
	}

	// Iteration budget exhausted; force a text reply so the session never
	// ends on a tool exchange.
	reply, err := a.generate(ctx, capability.GenerateRequest{
		SystemPrompt:  a.systemPrompt,
		MemoryContext: memoryContext,
		Turns:         win,
	})
	if err != nil {
		return "", conversation.Turn{}, err
	}
	if _, err := a.store.Append(ctx, sess.ID, reply); err != nil {
		return "", conversation.Turn{}, err
	}
	return reply.Text(), storedUser, nil
}

// Oneshot answers a single instruction with no session, no history, and
// no tools. Used for isolated cognitive tasks like describing a camera
// snapshot.
func (a *Agent) Oneshot(ctx context.Context, instruction string, imageRefs []string) (string, error) {
	turn := conversation.NewUserTurn(instruction, imageRefs)
	if len(turn.Blocks) == 0 {
		return "", fmt.Errorf("oneshot: empty instruction")
	}
	turn.Seq = 1

	reply, err := a.generate(ctx, capability.GenerateRequest{
		SystemPrompt: a.systemPrompt,
		Turns:        []conversation.Turn{turn},
	})
	if err != nil {
		return "", err
	}
	return reply.Text(), nil
}

func (a *Agent) generate(ctx context.Context, req capability.GenerateRequest) (conversation.Turn, error) {
	start := time.Now()
	reply, err := a.generator.Generate(ctx, req)
	if a.metrics != nil {
		a.metrics.ObserveGenerateLatency(time.Since(start))
	}
	return reply, err
}

// runTools executes every call in the assistant turn and answers each one.
// Capability failures become error-text results so the pairing invariant
// holds even when a device is offline.
func (a *Agent) runTools(ctx context.Context, assistant conversation.Turn) conversation.Turn {
	var blocks []conversation.ContentBlock
	for _, block := range assistant.Blocks {
		if block.Type != conversation.BlockToolCall {
			continue
		}

		var output string
		if a.controller == nil {
			output = fmt.Sprintf("error: no device controller for %s", block.ToolName)
		} else {
			out, err := a.controller.Invoke(ctx, block.ToolName, block.ToolInput)
			if err != nil {
				log.Printf("[agent] tool %s failed: %v", block.ToolName, err)
				output = fmt.Sprintf("error: %v", err)
			} else {
				output = out
			}
		}
		blocks = append(blocks, conversation.ContentBlock{
			Type:       conversation.BlockToolResult,
			ToolCallID: block.ToolCallID,
			ToolOutput: output,
		})
	}
	return conversation.NewTurn(conversation.RoleTool, blocks)
}

// recall fetches the user's most relevant facts. Recall is best-effort; a
// failed embedding or search degrades to an empty context.
func (a *Agent) recall(ctx context.Context, userID, query string) string {
	if !a.memoryEnabled || a.index == nil || a.embedder == nil || strings.TrimSpace(query) == "" {
		return ""
	}

	vector, err := a.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("[agent] recall embedding failed for user %s: %v", userID, err)
		return ""
	}
	matches, err := a.index.Search(userID, vector, recallTopK)
	if err != nil {
		log.Printf("[agent] recall search failed for user %s: %v", userID, err)
		return ""
	}

	var sb strings.Builder
	for _, m := range matches {
		sb.WriteString("- ")
		sb.WriteString(m.Record.Fact)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func (a *Agent) toolSpecs() []capability.ToolSpec {
	if a.controller == nil {
		return nil
	}
	return a.controller.Specs()
}

func (a *Agent) sessionLock(userID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[userID] = lock
	}
	return lock
}

func (a *Agent) countTurn(outcome string) {
	if a.metrics != nil {
		a.metrics.TurnsHandled.WithLabelValues(outcome).Inc()
	}
}
