package plugin

import (
	"context"
	"encoding/json"

	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/store"
)

// hitlConfig is read from the blueprint's config block:
//
//	{ "hitl": { "tools": ["rm", "deploy"] } }
type hitlConfig struct {
	HITL struct {
		Tools []string `json:"tools"`
	} `json:"hitl"`
}

func riskyTools(bp store.Blueprint) map[string]bool {
	if len(bp.Config) == 0 {
		return nil
	}
	var cfg hitlConfig
	if err := json.Unmarshal(bp.Config, &cfg); err != nil || len(cfg.HITL.Tools) == 0 {
		return nil
	}
	set := make(map[string]bool, len(cfg.HITL.Tools))
	for _, name := range cfg.HITL.Tools {
		set[name] = true
	}
	return set
}

// NewHITL returns the human-in-the-loop plugin. When the model requests a
// tool the blueprint declares risky, the run pauses before the tool executes;
// an explicit {type:"approve"} action resumes it and the queued calls then
// run unchanged.
func NewHITL() Plugin {
	return Plugin{
		Name: "hitl",
		OnModelResult: func(ctx context.Context, ac AgentContext, msg *providers.Message) error {
			risky := riskyTools(ac.Blueprint())
			if risky == nil {
				return nil
			}
			for _, call := range msg.ToolCalls {
				if risky[call.Name] {
					ac.Pause(store.ReasonHITL)
					return nil
				}
			}
			return nil
		},
		OnAction: func(ctx context.Context, ac AgentContext, action map[string]any) (any, bool, error) {
			typ, _ := action["type"].(string)
			if typ != "approve" {
				return nil, false, nil
			}
			status, reason := ac.RunStatus()
			if status != store.StatusPaused || reason != store.ReasonHITL {
				return map[string]any{"ok": false, "error": "run is not awaiting approval"}, true, nil
			}
			ac.Resume()
			return map[string]any{"ok": true}, true, nil
		},
	}
}
