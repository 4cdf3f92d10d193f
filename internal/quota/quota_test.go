package quota

import (
	"errors"
	"strings"
	"testing"
)

func TestResolvePlan(t *testing.T) {
	cases := []struct {
		authenticated bool
		claim         string
		want          Plan
	}{
		{false, "paid", PlanGuest},
		{true, "", PlanFree},
		{true, "free", PlanFree},
		{true, "PAID", PlanPaid},
		{true, " pro ", PlanPaid},
	}
	for _, tc := range cases {
		if got := ResolvePlan(tc.authenticated, tc.claim); got != tc.want {
			t.Fatalf("ResolvePlan(%v, %q) = %s, want %s", tc.authenticated, tc.claim, got, tc.want)
		}
	}
}

func TestThreadLimits(t *testing.T) {
	if PlanPaid.ThreadLimit() != 100 || PlanFree.ThreadLimit() != 2 || PlanGuest.ThreadLimit() != 1 {
		t.Fatal("unexpected thread limits")
	}
}

func TestBytesForDefaults(t *testing.T) {
	var limits Limits
	if limits.BytesFor(PlanFree) != 10485760 {
		t.Fatalf("unexpected free limit %d", limits.BytesFor(PlanFree))
	}
	if limits.BytesFor(PlanGuest) != 10485760 {
		t.Fatalf("unexpected guest limit %d", limits.BytesFor(PlanGuest))
	}
	if limits.BytesFor(PlanPaid) != 107374182400 {
		t.Fatalf("unexpected paid limit %d", limits.BytesFor(PlanPaid))
	}
	custom := Limits{FreeBytes: 5, PaidBytes: 50}
	if custom.BytesFor(PlanFree) != 5 || custom.BytesFor(PlanPaid) != 50 {
		t.Fatal("custom limits ignored")
	}
}

func TestCheck(t *testing.T) {
	if err := Check(9_000_000, 1_000_000, 10_485_760); err != nil {
		t.Fatalf("expected upload to fit, got %v", err)
	}
	err := Check(9_000_000, 2_000_000, 10_485_760)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if exceeded.Used != 9_000_000 || exceeded.Attempted != 2_000_000 || exceeded.Limit != 10_485_760 {
		t.Fatalf("unexpected error fields: %+v", exceeded)
	}
	if !strings.Contains(err.Error(), "10 MiB") {
		t.Fatalf("expected humanized limit in %q", err.Error())
	}
}
