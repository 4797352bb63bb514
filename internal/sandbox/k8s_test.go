package sandbox

import (
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
)

func TestSplitEnv(t *testing.T) {
	cases := map[string][2]string{
		"FOO=bar":   {"FOO", "bar"},
		"FOO=":      {"FOO", ""},
		"FOO":       {"FOO", ""},
		"FOO=a=b=c": {"FOO", "a=b=c"},
	}
	for in, want := range cases {
		k, v := splitEnv(in)
		if k != want[0] || v != want[1] {
			t.Errorf("splitEnv(%q) = (%q, %q), want (%q, %q)", in, k, v, want[0], want[1])
		}
	}
}

func TestIsSandboxReady(t *testing.T) {
	notReady := &sandboxv1alpha1.Sandbox{}
	if isSandboxReady(notReady) {
		t.Error("isSandboxReady on empty conditions = true, want false")
	}

	ready := &sandboxv1alpha1.Sandbox{
		Status: sandboxv1alpha1.SandboxStatus{
			Conditions: []metav1.Condition{
				{Type: string(sandboxv1alpha1.SandboxConditionReady), Status: metav1.ConditionTrue},
			},
		},
	}
	if !isSandboxReady(ready) {
		t.Error("isSandboxReady with Ready=True condition = false, want true")
	}
}

func TestCPUQuantityNanosFallback(t *testing.T) {
	q := cpuQuantityNanos(0)
	if q.MilliValue() != 2000 {
		t.Errorf("cpuQuantityNanos(0).MilliValue() = %d, want 2000", q.MilliValue())
	}

	q2 := cpuQuantityNanos(500_000_000)
	if q2.MilliValue() != 500 {
		t.Errorf("cpuQuantityNanos(500_000_000).MilliValue() = %d, want 500", q2.MilliValue())
	}
}

func TestMemoryQuantityFallback(t *testing.T) {
	q := memoryQuantity(0)
	want := int64(2 * 1024 * 1024 * 1024)
	if q.Value() != want {
		t.Errorf("memoryQuantity(0).Value() = %d, want %d", q.Value(), want)
	}
}

func TestNameHashStable(t *testing.T) {
	a := nameHash("agent-sandbox-abc123")
	b := nameHash("agent-sandbox-abc123")
	if a != b {
		t.Errorf("nameHash not stable: %q vs %q", a, b)
	}
	if len(a) != 8 {
		t.Errorf("nameHash length = %d, want 8", len(a))
	}
}
