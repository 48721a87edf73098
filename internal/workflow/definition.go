package workflow

import (
	"fmt"

	"caseline/internal/config"
)

// Action is a permitted move out of a stage.
type Action string

const (
	ActionAdvance        Action = "advance"
	ActionAssignDirectly Action = "assign_directly"
	ActionReturn         Action = "return"
	ActionEscalate       Action = "escalate"
	ActionCancel         Action = "cancel"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionAdvance, ActionAssignDirectly, ActionReturn, ActionEscalate, ActionCancel:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Definition is the compiled, read-only stage graph of one workflow type.
type Definition struct {
	Type    string
	Stages  []string
	byStage map[string]map[Action]string // stage -> action -> destination stage ("" for cancel / completing advance)
}

// FirstStage returns the stage a new request starts at.
func (d Definition) FirstStage() string { return d.Stages[0] }

// FinalStage returns the last stage of the ordered sequence.
func (d Definition) FinalStage() string { return d.Stages[len(d.Stages)-1] }

// Lookup returns the destination for (stage, action) and whether the entry exists.
func (d Definition) Lookup(stage string, action Action) (string, bool) {
	actions, ok := d.byStage[stage]
	if !ok {
		return "", false
	}
	dest, ok := actions[action]
	return dest, ok
}

// Actions returns the outgoing actions defined for a stage.
func (d Definition) Actions(stage string) []Action {
	var out []Action
	for a := range d.byStage[stage] {
		out = append(out, a)
	}
	return out
}

// HasStage reports whether stage belongs to the definition.
func (d Definition) HasStage(stage string) bool {
	_, ok := d.byStage[stage]
	return ok
}

// Compile builds validated definitions from config. Stages without an
// explicit transitions entry get the defaults: advance to the next stage
// (or completion from the final one), return to the previous stage (not on
// the first), escalate in place, cancel from anywhere. A stage that declares
// explicit transitions replaces the defaults entirely, so a definition that
// leaves a non-terminal stage with no outgoing action is rejected here, at
// load time, not at runtime.
func Compile(cfg *config.Config) (map[string]Definition, error) {
	if cfg == nil || len(cfg.Workflows) == 0 {
		return nil, fmt.Errorf("no workflows configured")
	}
	defs := make(map[string]Definition, len(cfg.Workflows))
	for wt, wc := range cfg.Workflows {
		def, err := compileOne(wt, wc)
		if err != nil {
			return nil, err
		}
		defs[wt] = def
	}
	return defs, nil
}

func compileOne(wt string, wc config.WorkflowConfig) (Definition, error) {
	if len(wc.Stages) == 0 {
		return Definition{}, fmt.Errorf("workflow %s: no stages", wt)
	}
	index := make(map[string]int, len(wc.Stages))
	for i, s := range wc.Stages {
		if _, dup := index[s]; dup {
			return Definition{}, fmt.Errorf("workflow %s: duplicate stage %s", wt, s)
		}
		index[s] = i
	}
	byStage := make(map[string]map[Action]string, len(wc.Stages))
	for i, stage := range wc.Stages {
		if explicit, ok := wc.Transitions[stage]; ok {
			actions := make(map[Action]string, len(explicit))
			for name, dest := range explicit {
				action, err := ParseAction(name)
				if err != nil {
					return Definition{}, fmt.Errorf("workflow %s stage %s: %w", wt, stage, err)
				}
				if dest != "" {
					if _, known := index[dest]; !known {
						return Definition{}, fmt.Errorf("workflow %s stage %s: action %s targets unknown stage %s", wt, stage, name, dest)
					}
				} else if action != ActionCancel && !(action == ActionAdvance && i == len(wc.Stages)-1) {
					return Definition{}, fmt.Errorf("workflow %s stage %s: action %s needs a destination", wt, stage, name)
				}
				actions[action] = dest
			}
			if len(actions) == 0 {
				return Definition{}, fmt.Errorf("workflow %s stage %s: no outgoing actions", wt, stage)
			}
			byStage[stage] = actions
			continue
		}
		actions := map[Action]string{
			ActionCancel:   "",
			ActionEscalate: stage,
		}
		if i < len(wc.Stages)-1 {
			actions[ActionAdvance] = wc.Stages[i+1]
		} else {
			actions[ActionAdvance] = "" // completes the request
		}
		if i > 0 {
			actions[ActionReturn] = wc.Stages[i-1]
		}
		byStage[stage] = actions
	}
	return Definition{Type: wt, Stages: append([]string(nil), wc.Stages...), byStage: byStage}, nil
}
