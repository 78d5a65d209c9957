package cel

import (
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// newConditionEnv declares the variable surface a CustomRule condition can
// see: the call being decided (tool_name, tool_args), which mounted
// upstream owns it (server_name), and when it arrived (request_time, plus
// request_hour for time-of-day rules that don't need a full timestamp).
// One helper, glob, covers the common "match a family of tool names" case:
//
//	glob("write_*", tool_name)
func newConditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool_name", cel.StringType),
		cel.Variable("tool_args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("server_name", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),
		cel.Variable("request_hour", cel.IntType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// conditionActivation maps an EvaluationContext onto the environment's
// variables.
func conditionActivation(evalCtx policy.EvaluationContext) map[string]any {
	toolArgs := evalCtx.ToolArguments
	if toolArgs == nil {
		toolArgs = map[string]interface{}{}
	}
	return map[string]any{
		"tool_name":    evalCtx.ToolName,
		"tool_args":    toolArgs,
		"server_name":  evalCtx.ServerName,
		"request_time": evalCtx.RequestTime,
		"request_hour": int64(evalCtx.RequestTime.Hour()),
	}
}
