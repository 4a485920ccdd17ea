package permanent

import (
	"errors"
	"fmt"
	"testing"
)

func TestMarkAndIs(t *testing.T) {
	t.Parallel()

	root := errors.New("status 404")
	marked := Mark(root)
	if !Is(marked) {
		t.Fatalf("expected marked error to be permanent")
	}
	if !errors.Is(marked, root) {
		t.Fatalf("expected cause to stay reachable")
	}
	if !Is(fmt.Errorf("deliver: %w", marked)) {
		t.Fatalf("expected wrapped marker to be detected")
	}
	if Is(root) || Is(nil) {
		t.Fatalf("expected plain and nil errors to be retryable")
	}
	if Mark(nil) != nil {
		t.Fatalf("expected Mark(nil) to be nil")
	}
	if err := Markf("bad address %q", "x"); !Is(err) || err.Error() != `bad address "x"` {
		t.Fatalf("unexpected Markf result %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code      int
		permanent bool
	}{
		{400, true},
		{404, true},
		{410, true},
		{408, false},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tc := range cases {
		err := Status(tc.code, fmt.Errorf("status=%d", tc.code))
		if Is(err) != tc.permanent {
			t.Fatalf("status %d: expected permanent=%v", tc.code, tc.permanent)
		}
	}
	if Status(404, nil) != nil {
		t.Fatalf("expected nil error to stay nil")
	}
}
