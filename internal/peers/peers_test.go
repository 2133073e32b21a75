package peers

import (
	"testing"

	"github.com/puzed/openpull-node/internal/connstring"
)

func TestRegistryPutGetRemove(t *testing.T) {
	r := New()
	r.Put(PeerInfo{PeerID: "p1", Role: connstring.RoleReader})

	got, ok := r.Get("p1")
	if !ok || got.Role != connstring.RoleReader {
		t.Fatalf("Get(p1) = %+v, ok=%v", got, ok)
	}

	r.Remove("p1")
	if _, ok := r.Get("p1"); ok {
		t.Fatal("expected p1 removed")
	}
}

func TestRegistryList(t *testing.T) {
	r := New()
	r.Put(PeerInfo{PeerID: "a", Role: connstring.RoleAppender})
	r.Put(PeerInfo{PeerID: "b", Role: connstring.RoleReader})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
}

func TestRegistryClear(t *testing.T) {
	r := New()
	r.Put(PeerInfo{PeerID: "a", Role: connstring.RoleAppender})
	r.Clear()
	if len(r.List()) != 0 {
		t.Fatal("expected empty registry after Clear")
	}
}
