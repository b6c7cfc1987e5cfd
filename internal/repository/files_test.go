package repository

import "testing"

var allStates = []FileState{
	FileStateInitiated,
	FileStateUploaded,
	FileStateScanning,
	FileStateActive,
	FileStateQuarantined,
	FileStateRejected,
}

func TestCanTransition_Table(t *testing.T) {
	allowed := map[[2]FileState]bool{
		{FileStateInitiated, FileStateUploaded}:    true,
		{FileStateInitiated, FileStateScanning}:    true,
		{FileStateInitiated, FileStateRejected}:    true,
		{FileStateInitiated, FileStateQuarantined}: true,
		{FileStateUploaded, FileStateScanning}:     true,
		{FileStateUploaded, FileStateRejected}:     true,
		{FileStateUploaded, FileStateQuarantined}:  true,
		{FileStateScanning, FileStateActive}:       true,
		{FileStateScanning, FileStateQuarantined}:  true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			want := allowed[[2]FileState{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range allStates {
		if !from.Terminal() {
			continue
		}
		for _, to := range allStates {
			if CanTransition(from, to) {
				t.Errorf("terminal state %s must not transition to %s", from, to)
			}
		}
	}
}

func TestNoSelfTransitions(t *testing.T) {
	for _, s := range allStates {
		if CanTransition(s, s) {
			t.Errorf("self transition allowed for %s", s)
		}
	}
}

func TestRejectedOnlyBeforeScanning(t *testing.T) {
	// REJECTED 只表达完成校验失败；一旦进入 SCANNING，
	// 否决结论只能是 QUARANTINED
	if CanTransition(FileStateScanning, FileStateRejected) {
		t.Error("SCANNING must not transition to REJECTED")
	}
}

func TestFileStateValid(t *testing.T) {
	for _, s := range allStates {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if FileState("DELETED").Valid() {
		t.Error("unknown state must not be valid")
	}
}
