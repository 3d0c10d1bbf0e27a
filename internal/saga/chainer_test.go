package saga

import (
	"errors"
	"testing"
)

func TestResolveSagaInheritsExisting(t *testing.T) {
	t.Parallel()

	existing := int64(77)
	pred := &chainEvent{eventID: 1, sagaID: &existing}

	sagaID, inherited, err := resolveSaga(pred,
		func() (int64, error) {
			t.Fatal("mint called for a predecessor that already has a saga")
			return 0, nil
		},
		func(int64) (bool, error) {
			t.Fatal("claim called for a predecessor that already has a saga")
			return false, nil
		},
		func() (int64, error) {
			t.Fatal("read called for a predecessor that already has a saga")
			return 0, nil
		},
	)
	if err != nil {
		t.Fatalf("resolveSaga: %v", err)
	}
	if sagaID != 77 || !inherited {
		t.Fatalf("got (saga=%d, inherited=%v), want (77, true)", sagaID, inherited)
	}
}

func TestResolveSagaMintsOnce(t *testing.T) {
	t.Parallel()

	pred := &chainEvent{eventID: 1}
	mints := 0

	sagaID, inherited, err := resolveSaga(pred,
		func() (int64, error) {
			mints++
			return 5, nil
		},
		func(id int64) (bool, error) {
			if id != 5 {
				t.Fatalf("claim got saga %d, want 5", id)
			}
			return true, nil
		},
		func() (int64, error) {
			t.Fatal("read called after a won claim")
			return 0, nil
		},
	)
	if err != nil {
		t.Fatalf("resolveSaga: %v", err)
	}
	if sagaID != 5 || inherited {
		t.Fatalf("got (saga=%d, inherited=%v), want (5, false)", sagaID, inherited)
	}
	if pred.sagaID == nil || *pred.sagaID != 5 {
		t.Fatalf("predecessor saga not recorded: %v", pred.sagaID)
	}
	if mints != 1 {
		t.Fatalf("minted %d sagas, want 1", mints)
	}

	// A second pass over the same predecessor sees the recorded saga and
	// never mints again: assignment is one-time.
	again, inherited, err := resolveSaga(pred,
		func() (int64, error) {
			t.Fatal("mint called on re-run")
			return 0, nil
		},
		func(int64) (bool, error) {
			t.Fatal("claim called on re-run")
			return false, nil
		},
		func() (int64, error) {
			t.Fatal("read called on re-run")
			return 0, nil
		},
	)
	if err != nil {
		t.Fatalf("resolveSaga re-run: %v", err)
	}
	if again != 5 || !inherited {
		t.Fatalf("re-run got (saga=%d, inherited=%v), want (5, true)", again, inherited)
	}
}

func TestResolveSagaLostClaimInherits(t *testing.T) {
	t.Parallel()

	pred := &chainEvent{eventID: 1}

	sagaID, inherited, err := resolveSaga(pred,
		func() (int64, error) { return 9, nil },
		func(int64) (bool, error) { return false, nil },
		func() (int64, error) { return 4, nil },
	)
	if err != nil {
		t.Fatalf("resolveSaga: %v", err)
	}
	if sagaID != 4 || !inherited {
		t.Fatalf("got (saga=%d, inherited=%v), want (4, true)", sagaID, inherited)
	}
	if pred.sagaID != nil {
		t.Fatalf("lost claim must not record the minted saga locally, got %d", *pred.sagaID)
	}
}

func TestResolveSagaPropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("mint failed")
	_, _, err := resolveSaga(&chainEvent{eventID: 1},
		func() (int64, error) { return 0, boom },
		func(int64) (bool, error) { return true, nil },
		func() (int64, error) { return 0, nil },
	)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want mint failure", err)
	}
}
