package cache

import "testing"

func TestBroadcastDedupesWithinBatch(t *testing.T) {
	inv := New()
	var got []Key
	inv.Subscribe(ListenerFunc(func(k Key) { got = append(got, k) }))

	var b Batch
	b.Add(1, SubjectOrgTree)
	b.Add(1, SubjectOrgTree)
	b.Add(1, SubjectEntityGraph)
	b.Add(2, SubjectOrgTree)
	b.Flush(inv)

	if len(got) != 3 {
		t.Fatalf("delivered %d keys, want 3 after dedup", len(got))
	}
	if !b.Empty() {
		t.Fatal("batch not cleared by flush")
	}
}

func TestSubjectKeys(t *testing.T) {
	if s := OnCallSubject("organization", 7); s != "oncall:organization:7" {
		t.Fatalf("oncall subject = %q", s)
	}
	if s := MembershipSubject(9); s != "membership:9" {
		t.Fatalf("membership subject = %q", s)
	}
}

func TestMultipleListeners(t *testing.T) {
	inv := New()
	a, b := 0, 0
	inv.Subscribe(ListenerFunc(func(Key) { a++ }))
	inv.Subscribe(ListenerFunc(func(Key) { b++ }))
	inv.Broadcast(Key{TenantID: 1, Subject: SubjectEntityGraph})
	if a != 1 || b != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", a, b)
	}
}
