package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/attache/internal/agent"
	"github.com/nextlevelbuilder/attache/internal/config"
)

// StatusProvider supplies the aggregate snapshot for the status command.
type StatusProvider func() string

// CommandHandler resolves in-band commands synchronously, before (and
// instead of) an LLM call. Input is treated as a command only when it
// begins with a recognized keyword, with an optional leading slash.
type CommandHandler struct {
	runtime agent.Runtime
	store   *config.Store
	status  StatusProvider
}

// NewCommandHandler creates the handler over the runtime and model store.
func NewCommandHandler(runtime agent.Runtime, store *config.Store, status StatusProvider) *CommandHandler {
	return &CommandHandler{runtime: runtime, store: store, status: status}
}

// Handle returns (response, true) when content is a recognized command.
// The restart keyword is recognized here but executed by the router,
// which owns the session context the sentinel needs.
func (h *CommandHandler) Handle(content string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 {
		return "", false
	}
	keyword := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	switch keyword {
	case "models":
		return h.models(args), true
	case "model":
		return h.model(args), true
	case "alias":
		return h.alias(args), true
	case "fallback":
		return h.fallback(args), true
	case "think":
		return h.think(args), true
	case "status":
		return h.status(), true
	case "heartbeat":
		return h.heartbeat(args), true
	default:
		return "", false
	}
}

// IsRestart reports whether content is the in-band restart command.
func (h *CommandHandler) IsRestart(content string) bool {
	fields := strings.Fields(strings.TrimSpace(content))
	return len(fields) == 1 && strings.ToLower(strings.TrimPrefix(fields[0], "/")) == "restart"
}

func (h *CommandHandler) models(args []string) string {
	aliases := h.store.Aliases()
	var b strings.Builder
	fmt.Fprintf(&b, "Current model: %s\n", h.runtime.State().Model)

	if len(aliases) > 0 {
		names := make([]string, 0, len(aliases))
		for name := range aliases {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("Aliases:\n")
		for _, name := range names {
			ref := aliases[name]
			if len(args) > 0 && !strings.HasPrefix(ref, args[0]+"/") {
				continue
			}
			fmt.Fprintf(&b, "  %s → %s\n", name, ref)
		}
	}
	if chain := h.store.Fallbacks(); len(chain) > 0 {
		fmt.Fprintf(&b, "Fallbacks: %s\n", strings.Join(chain, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *CommandHandler) model(args []string) string {
	if len(args) != 1 {
		return "Usage: model <ref|alias>"
	}
	ref := h.store.ResolveAlias(args[0])
	if !strings.Contains(ref, "/") {
		return fmt.Sprintf("Unknown model or alias: %s (want provider/model)", args[0])
	}
	h.runtime.SetModel(ref)
	return "Model set to " + ref
}

func (h *CommandHandler) alias(args []string) string {
	if len(args) == 0 || args[0] == "list" {
		aliases := h.store.Aliases()
		if len(aliases) == 0 {
			return "No aliases defined."
		}
		names := make([]string, 0, len(aliases))
		for name := range aliases {
			names = append(names, name)
		}
		sort.Strings(names)
		var b strings.Builder
		for _, name := range names {
			fmt.Fprintf(&b, "%s → %s\n", name, aliases[name])
		}
		return strings.TrimRight(b.String(), "\n")
	}
	switch args[0] {
	case "set":
		if len(args) != 3 {
			return "Usage: alias set <name> <ref>"
		}
		if err := h.store.SetAlias(args[1], args[2]); err != nil {
			return "Failed to save alias: " + err.Error()
		}
		return fmt.Sprintf("Alias %s → %s", strings.ToLower(args[1]), args[2])
	case "remove":
		if len(args) != 2 {
			return "Usage: alias remove <name>"
		}
		if err := h.store.DeleteAlias(args[1]); err != nil {
			return "Failed to remove alias: " + err.Error()
		}
		return "Alias removed: " + strings.ToLower(args[1])
	default:
		return "Usage: alias {list|set <name> <ref>|remove <name>}"
	}
}

func (h *CommandHandler) fallback(args []string) string {
	if len(args) == 0 || args[0] == "list" {
		chain := h.store.Fallbacks()
		if len(chain) == 0 {
			return "No fallback chain configured."
		}
		return "Fallbacks: " + strings.Join(chain, ", ")
	}
	switch args[0] {
	case "set":
		if len(args) < 2 {
			return "Usage: fallback set <refs...>"
		}
		refs := make([]string, 0, len(args)-1)
		for _, a := range args[1:] {
			refs = append(refs, h.store.ResolveAlias(a))
		}
		if err := h.store.SetFallbacks(refs); err != nil {
			return "Failed to save fallbacks: " + err.Error()
		}
		return "Fallbacks: " + strings.Join(refs, ", ")
	case "clear":
		if err := h.store.SetFallbacks(nil); err != nil {
			return "Failed to clear fallbacks: " + err.Error()
		}
		return "Fallback chain cleared."
	default:
		return "Usage: fallback {list|set <refs...>|clear}"
	}
}

func (h *CommandHandler) think(args []string) string {
	if len(args) != 1 || !agent.ValidThinkingLevel(args[0]) {
		return "Usage: think <off|minimal|low|medium|high|xhigh>"
	}
	h.runtime.SetThinkingLevel(args[0])
	return "Thinking level set to " + args[0]
}

func (h *CommandHandler) heartbeat(args []string) string {
	if len(args) == 0 {
		if ref := h.store.HeartbeatModel(); ref != "" {
			return "Heartbeat model override: " + ref
		}
		return "Heartbeat uses the current model (no override)."
	}
	if args[0] != "model" || len(args) != 2 {
		return "Usage: heartbeat [model <ref|clear>]"
	}
	if args[1] == "clear" {
		if err := h.store.SetHeartbeatModel(""); err != nil {
			return "Failed to clear heartbeat model: " + err.Error()
		}
		return "Heartbeat model override cleared."
	}
	ref := h.store.ResolveAlias(args[1])
	if err := h.store.SetHeartbeatModel(ref); err != nil {
		return "Failed to set heartbeat model: " + err.Error()
	}
	return "Heartbeat model set to " + ref
}
