package model

import "testing"

func TestIsStepTerminal(t *testing.T) {
	tests := []struct {
		status   StepStatus
		terminal bool
	}{
		{StepPending, false},
		{StepRunning, false},
		{StepOK, true},
		{StepFailed, true},
		{StepNeedsHuman, true},
		{StepSkipped, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsStepTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsStepTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateStepTransition(t *testing.T) {
	valid := []struct{ from, to StepStatus }{
		{StepPending, StepRunning},
		{StepPending, StepSkipped},
		{StepPending, StepFailed}, // transition budget exhausted
		{StepRunning, StepRunning}, // retry
		{StepRunning, StepOK},
		{StepRunning, StepFailed},
		{StepRunning, StepNeedsHuman},
		{StepRunning, StepSkipped},
		{StepFailed, StepNeedsHuman}, // ask_human escalation
	}
	for _, tt := range valid {
		if err := ValidateStepTransition(tt.from, tt.to); err != nil {
			t.Errorf("ValidateStepTransition(%q, %q) = %v, want nil", tt.from, tt.to, err)
		}
	}

	invalid := []struct{ from, to StepStatus }{
		{StepOK, StepRunning},
		{StepFailed, StepOK},
		{StepSkipped, StepRunning},
		{StepPending, StepOK},
	}
	for _, tt := range invalid {
		if err := ValidateStepTransition(tt.from, tt.to); err == nil {
			t.Errorf("ValidateStepTransition(%q, %q) = nil, want error", tt.from, tt.to)
		}
	}
}

func TestValidateQueueTransition(t *testing.T) {
	valid := []struct{ from, to QueueState }{
		{QueuePending, QueueRunning},
		{QueueRunning, QueuePending}, // reclaim
		{QueueRunning, QueueDone},
		{QueueRunning, QueueFailed},
		{QueueRunning, QueueAwaitingApproval},
		{QueueAwaitingApproval, QueuePending}, // approve
	}
	for _, tt := range valid {
		if err := ValidateQueueTransition(tt.from, tt.to); err != nil {
			t.Errorf("ValidateQueueTransition(%q, %q) = %v, want nil", tt.from, tt.to, err)
		}
	}

	invalid := []struct{ from, to QueueState }{
		{QueueDone, QueuePending},
		{QueueFailed, QueueRunning},
		{QueuePending, QueueDone},
		{QueuePending, QueueAwaitingApproval},
	}
	for _, tt := range invalid {
		if err := ValidateQueueTransition(tt.from, tt.to); err == nil {
			t.Errorf("ValidateQueueTransition(%q, %q) = nil, want error", tt.from, tt.to)
		}
	}
}

func TestErrorInfoRetriable(t *testing.T) {
	tests := []struct {
		name string
		info ErrorInfo
		want bool
	}{
		{"timeout", ErrorInfo{Code: ErrCodeTimeout}, true},
		{"transient io", ErrorInfo{Code: ErrCodeTransientIO}, true},
		{"subprocess retriable", ErrorInfo{Code: ErrCodeSubprocessExit, Retriable: true}, true},
		{"subprocess fatal", ErrorInfo{Code: ErrCodeSubprocessExit}, false},
		{"policy violation", ErrorInfo{Code: ErrCodePolicyViolation, Retriable: true}, false},
		{"contract violation", ErrorInfo{Code: ErrCodeContractViolation}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.IsRetriable(); got != tt.want {
				t.Errorf("IsRetriable() = %v, want %v", got, tt.want)
			}
		})
	}
}
