package job

import "testing"

func TestJob_PartitionKey(t *testing.T) {
	j := &Job{Name: "send-email", Queue: "mail", Partition: "tenant:9"}
	if j.PartitionKey() != "tenant:9" {
		t.Fatalf("expected tenant:9, got %q", j.PartitionKey())
	}
}

func TestWithPartition_WrapsAnyPayload(t *testing.T) {
	wrapped := WithPartition(map[string]any{"n": 1}, "user:5")
	if wrapped.PartitionKey() != "user:5" {
		t.Fatalf("expected user:5, got %q", wrapped.PartitionKey())
	}

	u, ok := wrapped.(interface{ Value() any })
	if !ok {
		t.Fatal("wrapper should expose the inner payload")
	}
	if m, ok := u.Value().(map[string]any); !ok || m["n"] != 1 {
		t.Fatalf("unexpected inner payload %v", u.Value())
	}
}
