package cel

import (
	"strings"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

func TestEvaluator_EvaluateCondition_ToolNameMatch(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	matched, err := e.EvaluateCondition(`tool_name == "delete_file"`, policy.EvaluationContext{ToolName: "delete_file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected condition to match")
	}

	matched, err = e.EvaluateCondition(`tool_name == "delete_file"`, policy.EvaluationContext{ToolName: "read_file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Fatalf("expected condition not to match a different tool name")
	}
}

func TestEvaluator_EvaluateCondition_ToolArgsLookup(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	matched, err := e.EvaluateCondition(`"path" in tool_args && tool_args["path"] == "/etc/passwd"`, policy.EvaluationContext{
		ToolArguments: map[string]interface{}{"path": "/etc/passwd"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected condition to match the supplied tool_args")
	}
}

func TestEvaluator_EvaluateCondition_GlobFunction(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	matched, err := e.EvaluateCondition(`glob("write_*", tool_name)`, policy.EvaluationContext{ToolName: "write_file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected glob() to match write_file against write_*")
	}
}

func TestEvaluator_EvaluateCondition_ServerNameMatch(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	matched, err := e.EvaluateCondition(`server_name == "prod-fs"`, policy.EvaluationContext{ServerName: "prod-fs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected condition to match the supplied server_name")
	}

	matched, err = e.EvaluateCondition(`server_name == "prod-fs"`, policy.EvaluationContext{ServerName: "staging-fs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Fatalf("expected condition not to match a different server_name")
	}
}

func TestEvaluator_EvaluateCondition_RequestHour(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	matched, err := e.EvaluateCondition(`request_hour >= 22 || request_hour < 6`, policy.EvaluationContext{
		RequestTime: time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Fatalf("expected 23:30 to fall within the off-hours window")
	}

	matched, err = e.EvaluateCondition(`request_hour >= 22 || request_hour < 6`, policy.EvaluationContext{
		RequestTime: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Fatalf("expected noon to fall outside the off-hours window")
	}
}

func TestEvaluator_EvaluateCondition_NonBooleanResultErrors(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	if _, err := e.EvaluateCondition(`tool_name`, policy.EvaluationContext{ToolName: "x"}); err == nil {
		t.Fatalf("expected an error for a non-boolean expression result")
	}
}

func TestEvaluator_EvaluateCondition_CachesCompiledProgram(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	expr := `tool_name == "read_file"`
	if _, err := e.EvaluateCondition(expr, policy.EvaluationContext{ToolName: "read_file"}); err != nil {
		t.Fatalf("first evaluation failed: %v", err)
	}
	if len(e.programs) != 1 {
		t.Fatalf("expected one cached program, got %d", len(e.programs))
	}
	if _, err := e.EvaluateCondition(expr, policy.EvaluationContext{ToolName: "read_file"}); err != nil {
		t.Fatalf("second evaluation failed: %v", err)
	}
	if len(e.programs) != 1 {
		t.Fatalf("expected the cache to still hold exactly one program, got %d", len(e.programs))
	}
}

func TestEvaluator_ValidateCondition_RejectsTooLong(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	long := `tool_name == "` + strings.Repeat("a", maxConditionLength) + `"`
	if err := e.ValidateCondition(long); err == nil {
		t.Fatalf("expected an over-length expression to be rejected")
	}
}

func TestEvaluator_ValidateCondition_RejectsEmpty(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	if err := e.ValidateCondition(""); err == nil {
		t.Fatalf("expected an empty expression to be rejected")
	}
}

func TestEvaluator_ValidateCondition_RejectsExcessiveNesting(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	deep := strings.Repeat("(", maxConditionNesting+5) + "true" + strings.Repeat(")", maxConditionNesting+5)
	if err := e.ValidateCondition(deep); err == nil {
		t.Fatalf("expected deeply nested expression to be rejected")
	}
}

func TestEvaluator_ValidateCondition_AcceptsWellFormedExpression(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	if err := e.ValidateCondition(`tool_name == "read_file" && "path" in tool_args`); err != nil {
		t.Fatalf("expected a well-formed expression to validate, got %v", err)
	}
}

func TestEvaluator_ValidateCondition_RejectsInvalidSyntax(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	if err := e.ValidateCondition(`tool_name == `); err == nil {
		t.Fatalf("expected a syntactically invalid expression to be rejected")
	}
}
