package requirements

import "testing"

func TestDeriveCapabilities(t *testing.T) {
	tests := []struct {
		name  string
		title string
		desc  string
		want  Capability
	}{
		{"testing keyword", "Add pytest coverage", "write unittest cases", CapabilityTesting},
		{"docs keyword", "Update README", "document the API", CapabilityDocumentation},
		{"debug keyword", "Fix crash", "debug the traceback", CapabilityDebugging},
		{"refactor keyword", "Refactor module", "extract helper and rename", CapabilityRefactoring},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqs := Derive(tt.title, tt.desc, 5)
			if !reqs.HasCapability(tt.want) {
				t.Errorf("expected capability %s in %v", tt.want, reqs.Capabilities)
			}
		})
	}
}

func TestDeriveDefaultsToCode(t *testing.T) {
	reqs := Derive("Do the thing", "", 5)
	if !reqs.HasCapability(CapabilityCode) {
		t.Errorf("expected default capability code, got %v", reqs.Capabilities)
	}
}

func TestDeriveComplexityTiers(t *testing.T) {
	tests := []struct {
		name string
		text string
		want ComplexityTier
	}{
		{"trivial", "Fix a trivial typo", ComplexityTrivial},
		{"high", "Migrate to a new architecture", ComplexityHigh},
		{"critical", "Fix critical production outage", ComplexityCritical},
		{"default medium", "Implement a new feature", ComplexityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqs := Derive(tt.name, tt.text, 5)
			if reqs.Complexity != tt.want {
				t.Errorf("expected complexity %s, got %s", tt.want, reqs.Complexity)
			}
		})
	}
}

func TestDerivePriorityDefault(t *testing.T) {
	reqs := Derive("title", "desc", 0)
	if reqs.Priority != 5 {
		t.Errorf("expected default priority 5, got %d", reqs.Priority)
	}
	reqs = Derive("title", "desc", 9)
	if reqs.Priority != 9 {
		t.Errorf("expected priority 9, got %d", reqs.Priority)
	}
}

func TestComplexityTierString(t *testing.T) {
	if ComplexityHigh.String() != "high" {
		t.Errorf("expected 'high', got %s", ComplexityHigh.String())
	}
}
