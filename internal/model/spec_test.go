package model

import "testing"

func TestDefaultPipeline(t *testing.T) {
	steps := DefaultPipeline("fix the login bug")
	if len(steps) != 3 {
		t.Fatalf("DefaultPipeline returned %d steps, want 3", len(steps))
	}
	if steps[0].StepID != "01_plan" || steps[1].StepID != "02_implement" || steps[2].StepID != "03_review" {
		t.Errorf("unexpected step IDs: %q %q %q", steps[0].StepID, steps[1].StepID, steps[2].StepID)
	}
	if steps[1].InputArtifacts[0] != "steps/01_plan/report.md" {
		t.Errorf("implement step input = %q", steps[1].InputArtifacts[0])
	}

	spec := &JobSpec{JobID: "j", Goal: "fix the login bug", Workdir: "repo", Steps: steps}
	if err := spec.Validate(); err != nil {
		t.Fatalf("default pipeline does not validate: %v", err)
	}
}

func TestStepIndex(t *testing.T) {
	spec := &JobSpec{Steps: []StepSpec{{StepID: "a"}, {StepID: "b"}}}
	if got := spec.StepIndex("b"); got != 1 {
		t.Errorf("StepIndex(b) = %d, want 1", got)
	}
	if got := spec.StepIndex("zz"); got != -1 {
		t.Errorf("StepIndex(zz) = %d, want -1", got)
	}
}

func TestJobStateTouchBumpsRevision(t *testing.T) {
	spec := &JobSpec{JobID: "j", Goal: "g", Workdir: "w", Steps: []StepSpec{{StepID: "s", Agent: "a"}}}
	st := NewJobState(spec)
	rev := st.Revision

	st.Touch("s", StepRunning, 1, nil)
	if st.Revision != rev+1 {
		t.Errorf("Revision = %d, want %d", st.Revision, rev+1)
	}
	if st.Steps["s"].Status != StepRunning || st.Steps["s"].Attempts != 1 {
		t.Errorf("step record not updated: %+v", st.Steps["s"])
	}
}

func TestJobStateTouchRefusesInvalidTransition(t *testing.T) {
	spec := &JobSpec{JobID: "j", Goal: "g", Workdir: "w", Steps: []StepSpec{{StepID: "s", Agent: "a"}}}
	st := NewJobState(spec)
	st.Touch("s", StepRunning, 1, nil)
	st.Touch("s", StepOK, 1, nil)
	rev := st.Revision

	// A settled step cannot be clobbered.
	st.Touch("s", StepRunning, 2, nil)
	if st.Steps["s"].Status != StepOK {
		t.Errorf("terminal status clobbered: %q", st.Steps["s"].Status)
	}
	if st.Revision != rev {
		t.Errorf("Revision = %d, want %d (refused transition must not bump)", st.Revision, rev)
	}
}

func TestNewJobIDIsSafe(t *testing.T) {
	id := NewJobID()
	if err := ValidateJobID(id); err != nil {
		t.Fatalf("generated job id %q failed validation: %v", id, err)
	}
	if id == NewJobID() {
		t.Error("NewJobID returned the same value twice")
	}
}
