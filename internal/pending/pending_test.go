package pending

import "testing"

func TestRegisterCompleteDeliversOnce(t *testing.T) {
	tbl := New()
	ch := tbl.Register("corr-1")

	if !tbl.Complete("corr-1", Result{Payload: []byte("ok")}) {
		t.Fatal("Complete returned false for registered id")
	}

	res := <-ch
	if string(res.Payload) != "ok" {
		t.Errorf("Payload = %q, want %q", res.Payload, "ok")
	}

	if tbl.Complete("corr-1", Result{Payload: []byte("late")}) {
		t.Error("Complete returned true for an already-consumed id")
	}
}

func TestCompleteUnknownIDIsNoop(t *testing.T) {
	tbl := New()
	if tbl.Complete("never-registered", Result{}) {
		t.Error("Complete returned true for an unregistered id")
	}
}

func TestRemoveDropsWaiter(t *testing.T) {
	tbl := New()
	tbl.Register("corr-2")
	tbl.Remove("corr-2")
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Remove", tbl.Len())
	}
	if tbl.Complete("corr-2", Result{}) {
		t.Error("Complete succeeded after Remove")
	}
}
