package rule

import (
	"strings"
	"testing"
)

func minimalValidRule() *Rule {
	return &Rule{
		ID:      "r1",
		Content: []string{"drop table"},
		Action:  ActionBlock,
	}
}

func TestValidateAcceptsMinimalRule(t *testing.T) {
	t.Parallel()

	if err := minimalValidRule().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingID(t *testing.T) {
	t.Parallel()

	r := minimalValidRule()
	r.ID = ""

	err := r.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing id")
	}
	if !strings.Contains(err.Error(), "ID is required") {
		t.Errorf("error %q does not mention ID is required", err.Error())
	}
	if !strings.Contains(err.Error(), "<missing id>") {
		t.Errorf("error %q does not use the missing-id placeholder", err.Error())
	}
}

func TestValidateRejectsUnknownAction(t *testing.T) {
	t.Parallel()

	r := minimalValidRule()
	r.Action = "quarantine"

	err := r.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for unknown action")
	}
	if !strings.Contains(err.Error(), "Action") {
		t.Errorf("error %q does not mention Action", err.Error())
	}
}

func TestValidateRejectsUnknownSeverity(t *testing.T) {
	t.Parallel()

	r := minimalValidRule()
	r.Severity = "catastrophic"

	err := r.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for unknown severity")
	}
	if !strings.Contains(err.Error(), "Severity") {
		t.Errorf("error %q does not mention Severity", err.Error())
	}
}

func TestValidateAcceptsEmptySeverity(t *testing.T) {
	t.Parallel()

	r := minimalValidRule()
	r.Severity = ""

	if err := r.Validate(); err != nil {
		t.Errorf("Validate() unexpected error with empty severity: %v", err)
	}
}

func TestValidateRejectsNegativeThreshold(t *testing.T) {
	t.Parallel()

	r := minimalValidRule()
	r.Threshold = -1

	err := r.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for negative threshold")
	}
	if !strings.Contains(err.Error(), "Threshold") {
		t.Errorf("error %q does not mention Threshold", err.Error())
	}
}

func TestValidateRejectsNegativeWindow(t *testing.T) {
	t.Parallel()

	r := minimalValidRule()
	r.Window = -5

	err := r.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for negative window")
	}
	if !strings.Contains(err.Error(), "Window") {
		t.Errorf("error %q does not mention Window", err.Error())
	}
}

func TestValidateRejectsOutOfRangeSemanticThreshold(t *testing.T) {
	t.Parallel()

	tooHigh := 1.5
	r := minimalValidRule()
	r.SemanticThreshold = &tooHigh

	err := r.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for out-of-range semantic_threshold")
	}
	if !strings.Contains(err.Error(), "SemanticThreshold") {
		t.Errorf("error %q does not mention SemanticThreshold", err.Error())
	}
}

func TestValidateAcceptsPurelyStatefulRule(t *testing.T) {
	t.Parallel()

	r := &Rule{
		ID:     "r2",
		Action: ActionSetFlag,
		Flags:  &FlagSpec{Check: []string{"warned_once"}},
	}

	if err := r.Validate(); err != nil {
		t.Errorf("Validate() unexpected error for purely stateful rule: %v", err)
	}
	if !r.IsPurelyStateful() {
		t.Error("expected IsPurelyStateful() to be true")
	}
}
