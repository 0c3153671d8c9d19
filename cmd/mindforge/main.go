// Command mindforge is the thin CLI front-end over the orchestration
// kernel. Every verb prints a single JSON object:
//
//	{"status": "...", "message": "...", "data": ..., "error_details": ...}
//
// Exit codes: 0 success, 1 operational failure, 2 argument error.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/evolution"
	"github.com/mindforge-ai/mindforge/kernel"
	"github.com/mindforge-ai/mindforge/llm"
	"github.com/mindforge-ai/mindforge/persist"
)

type cliResult struct {
	Status       string      `json:"status"`
	Message      string      `json:"message"`
	Data         interface{} `json:"data,omitempty"`
	ErrorDetails interface{} `json:"error_details,omitempty"`
}

const (
	exitOK       = 0
	exitFailure  = 1
	exitArgError = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return emitArgError("usage: mindforge <verb> [args...]", usage())
	}

	// Best-effort .env bootstrap; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := buildConfig()
	if err != nil {
		return emitArgError("invalid configuration", err.Error())
	}

	ctx := context.Background()
	k, err := kernel.Get(ctx, cfg)
	if err != nil {
		return emitFailure("kernel initialization failed", err.Error())
	}
	defer k.Shutdown()

	var client llm.Client
	if dispatcher, dispErr := llm.NewDispatcherFromConfig(cfg, cfg.Logger()); dispErr == nil {
		client = dispatcher
	}
	coordinator := evolution.NewCoordinator(evolution.CoordinatorOptions{
		AgentID: "mastermind",
		Config:  cfg,
		Kernel:  k,
		LLM:     client,
		Store:   persist.NewStore(cfg.DataDir, cfg.Logger()),
		Logger:  cfg.Logger(),
	})
	k.SetCampaigner(coordinator)

	verb, rest := args[0], args[1:]
	switch verb {
	case "evolve":
		return runDirective(ctx, k, rest, "evolve <directive>")
	case "deploy":
		if len(rest) < 1 {
			return emitArgError("usage: deploy <directive>", "")
		}
		// Deployment campaigns are served by an external handler; the core
		// only accepts the directive and reports its absence.
		return emitFailure("deployment requires the external deployment handler", nil)
	case "introspect":
		if len(rest) != 1 {
			return emitArgError("usage: introspect <role>", "")
		}
		return emitFailure("introspection requires the external persona generator", nil)
	case "show_agent_registry":
		return emitOK("agent registry", k.Agents())
	case "coord_query":
		if len(rest) < 1 {
			return emitArgError("usage: coord_query <text>", "")
		}
		return runInteraction(ctx, k, strings.Join(rest, " "), kernel.KindQuery, nil)
	case "coord_analyze":
		content := "System analysis request"
		if len(rest) > 0 {
			content = strings.Join(rest, " ")
		}
		return runInteraction(ctx, k, content, kernel.KindSystemAnalysis, nil)
	case "coord_improve":
		if len(rest) < 1 {
			return emitArgError("usage: coord_improve <component_id> [context]", "")
		}
		metadata := map[string]interface{}{"target_component": rest[0]}
		content := "Improve component: " + rest[0]
		if len(rest) > 1 {
			content += " Context: " + strings.Join(rest[1:], " ")
		}
		return runInteraction(ctx, k, content, kernel.KindComponentImprovement, metadata)
	case "coord_backlog":
		return emitOK("improvement backlog", k.Backlog().Items())
	case "coord_process_backlog":
		interaction, err := k.ProcessNextBacklogItem(ctx)
		if err != nil {
			return emitFailure("no backlog item processed", err.Error())
		}
		return emitOK("backlog item processed", interaction)
	case "coord_approve":
		if len(rest) != 1 {
			return emitArgError("usage: coord_approve <item_id>", "")
		}
		if err := k.Backlog().Approve(rest[0]); err != nil {
			return emitFailure("approval failed", err.Error())
		}
		return emitOK("backlog item approved", nil)
	case "coord_reject":
		if len(rest) != 1 {
			return emitArgError("usage: coord_reject <item_id>", "")
		}
		if err := k.Backlog().Reject(rest[0]); err != nil {
			return emitFailure("rejection failed", err.Error())
		}
		return emitOK("backlog item rejected", nil)
	case "agent_create":
		return agentCreate(k, rest)
	case "agent_delete":
		if len(rest) != 1 {
			return emitArgError("usage: agent_delete <agent_id>", "")
		}
		if err := k.DeregisterAgent(rest[0]); err != nil {
			return emitFailure("agent deletion failed", err.Error())
		}
		return emitOK(fmt.Sprintf("agent %q deregistered", rest[0]), nil)
	case "agent_list":
		return emitOK("registered agents", k.Agents())
	case "help", "-h", "--help":
		return emitOK("available verbs", usage())
	default:
		return emitArgError(fmt.Sprintf("unknown verb %q", verb), usage())
	}
}

func buildConfig() (*core.Config, error) {
	opts := []core.Option{core.WithName("mindforge")}
	if path := os.Getenv("MINDFORGE_CONFIG"); path != "" {
		opts = append(opts, core.WithConfigFile(path))
	}
	return core.NewConfig(opts...)
}

func runDirective(ctx context.Context, k *kernel.Kernel, rest []string, usageLine string) int {
	if len(rest) < 1 {
		return emitArgError("usage: "+usageLine, "")
	}
	directive := strings.Join(rest, " ")
	return runInteraction(ctx, k, directive, kernel.KindComponentImprovement,
		map[string]interface{}{"directive": directive})
}

func runInteraction(ctx context.Context, k *kernel.Kernel, content string, kind kernel.Kind, metadata map[string]interface{}) int {
	interaction, err := k.HandleInput(ctx, content, "cli", kind, metadata)
	if err != nil {
		if core.IsInvalidInput(err) {
			return emitArgError("rejected at kernel boundary", err.Error())
		}
		return emitFailure("interaction failed", err.Error())
	}
	if interaction.Status == kernel.StatusFailed {
		return emitFailure("interaction failed", interaction.Error)
	}
	return emitOK("interaction completed", interaction)
}

// stopWords are common English words that signal the caller forgot the
// agent id in `agent_create <kind> <id> ...`.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "for": true, "from": true,
	"in": true, "is": true, "it": true, "of": true, "on": true,
	"that": true, "the": true, "this": true, "to": true, "with": true,
}

func agentCreate(k *kernel.Kernel, rest []string) int {
	if len(rest) < 2 {
		return emitArgError("usage: agent_create <kind> <id> [description|json-config]", "")
	}
	kind, agentID := rest[0], rest[1]

	if stopWords[strings.ToLower(agentID)] {
		return emitArgError(
			fmt.Sprintf("%q is not a valid agent id", agentID),
			fmt.Sprintf("the second argument is the agent id; try: agent_create %s my_%s_agent \"<description>\"", kind, kind))
	}

	description := ""
	var config map[string]interface{}
	if len(rest) > 2 {
		third := strings.Join(rest[2:], " ")
		// JSON iff it starts with '{' or '['; free text otherwise.
		if strings.HasPrefix(third, "{") || strings.HasPrefix(third, "[") {
			if err := json.Unmarshal([]byte(third), &config); err != nil {
				return emitArgError("invalid JSON config", err.Error())
			}
			if d, ok := config["description"].(string); ok {
				description = d
			}
		} else {
			description = third
		}
	}
	if description == "" {
		description = fmt.Sprintf("%s agent", kind)
	}

	if err := k.RegisterAgent(agentID, kind, description, nil); err != nil {
		if core.IsInvalidInput(err) {
			return emitArgError("agent creation rejected", err.Error())
		}
		return emitFailure("agent creation failed", err.Error())
	}
	return emitOK(fmt.Sprintf("agent %q created and registered", agentID), map[string]interface{}{
		"agent_id":    agentID,
		"kind":        kind,
		"description": description,
		"config":      config,
	})
}

func usage() []string {
	return []string{
		"evolve <directive>",
		"deploy <directive>",
		"introspect <role>",
		"show_agent_registry",
		"coord_query <text>",
		"coord_analyze [context]",
		"coord_improve <component_id> [context]",
		"coord_backlog",
		"coord_process_backlog",
		"coord_approve <item_id>",
		"coord_reject <item_id>",
		"agent_create <kind> <id> [description|json-config]",
		"agent_delete <agent_id>",
		"agent_list",
	}
}

func emit(result cliResult, code int) int {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, `{"status":"ERROR","message":"failed to encode result"}`+"\n")
		return exitFailure
	}
	fmt.Println(string(out))
	return code
}

func emitOK(message string, data interface{}) int {
	return emit(cliResult{Status: "SUCCESS", Message: message, Data: data}, exitOK)
}

func emitFailure(message string, details interface{}) int {
	return emit(cliResult{Status: "FAILURE", Message: message, ErrorDetails: details}, exitFailure)
}

func emitArgError(message string, details interface{}) int {
	return emit(cliResult{Status: "ERROR", Message: message, ErrorDetails: details}, exitArgError)
}
