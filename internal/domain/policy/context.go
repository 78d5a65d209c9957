package policy

import "time"

// EvaluationContext is the activation environment handed to the CEL
// evaluator for CustomRule conditions.
type EvaluationContext struct {
	ToolName      string
	ToolArguments map[string]interface{}
	ServerName    string
	RequestTime   time.Time
}
