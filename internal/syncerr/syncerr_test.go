package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfDefaultsToTransient(t *testing.T) {
	if KindOf(errors.New("connection reset")) != KindTransient {
		t.Fatal("unclassified errors must default to transient")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := E(KindNotFound, "store.Get", errors.New("no rows"))
	wrapped := fmt.Errorf("loading snapshot: %w", err)

	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("kind lost through wrapping: %v", KindOf(wrapped))
	}
	if !IsNotFound(wrapped) {
		t.Fatal("IsNotFound should see through wrapping")
	}
}

func TestRetriable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTransient, true},
		{KindNotFound, false},
		{KindMalformed, false},
		{KindRejected, false},
		{KindConfig, false},
	}
	for _, tc := range cases {
		err := Ef(tc.kind, "op", "boom")
		if got := Retriable(err); got != tc.want {
			t.Fatalf("Retriable(%v) = %v, want %v", tc.kind, got, tc.want)
		}
	}
	if Retriable(nil) {
		t.Fatal("nil error is not retriable")
	}
}
