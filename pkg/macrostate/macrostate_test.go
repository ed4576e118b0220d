package macrostate

import "testing"

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	round := uint64(3)
	value := [32]byte{1, 2, 3}
	want := &PersistedMacroState{
		Height:      10,
		Step:        StepPrecommit,
		Round:       round,
		LockedRound: &round,
		LockedValue: &value,
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := store.Load(10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("load: expected state to be present")
	}
	if got.Height != want.Height || got.Round != want.Round || got.Step != want.Step {
		t.Fatalf("loaded state mismatch: %+v vs %+v", got, want)
	}
	if *got.LockedRound != round || *got.LockedValue != value {
		t.Fatalf("loaded locked fields mismatch")
	}
}

func TestLoadDiscardsStateFromWrongHeight(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Save(&PersistedMacroState{Height: 7, Step: StepPrevote}); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, ok, err := store.Load(8)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected stale state (height 7) to be discarded when resuming at height 8")
	}
}

func TestLoadWithNoPriorStateReportsNotOk(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	_, ok, err := store.Load(1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected no state present")
	}
}

func TestClearRemovesPersistedState(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Save(&PersistedMacroState{Height: 2, Step: StepPropose}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	_, ok, err := store.Load(2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected state cleared")
	}
}
