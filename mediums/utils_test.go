package mediums

import (
	"regexp"
	"testing"

	"github.com/user/nearby-connections/platform"
)

func TestGenerateServiceType(t *testing.T) {
	got := GenerateServiceType("com.google.location.nearby.apps.helloconnections")
	if !regexp.MustCompile(`^_[0-9A-F]{12}\._tcp\.$`).MatchString(got) {
		t.Errorf("Expected _<12 hex>._tcp., got %s", got)
	}
	if got != GenerateServiceType("com.google.location.nearby.apps.helloconnections") {
		t.Error("Expected service type to be deterministic")
	}
}

func TestGeneratePortDeterministicAndInRange(t *testing.T) {
	r := platform.PortRange{First: 49152, Second: 65535}
	for _, id := range []string{"a", "com.example.chat", "svc-1", "svc-2", ""} {
		p := GeneratePort(id, r)
		if p != GeneratePort(id, r) {
			t.Errorf("Expected same port for %q", id)
		}
		if p < r.First || p >= r.Second {
			t.Errorf("Expected port for %q in [%d, %d), got %d", id, r.First, r.Second, p)
		}
	}

	if p := GeneratePort("a", platform.PortRange{First: 5000, Second: 5000}); p != 5000 {
		t.Errorf("Expected empty range to yield its first port, got %d", p)
	}
}

func TestGenerateUUIDFromString(t *testing.T) {
	u := GenerateUUIDFromString("com.example.chat")
	if u.Version() != 3 {
		t.Errorf("Expected version 3 UUID, got %d", u.Version())
	}
	if u != GenerateUUIDFromString("com.example.chat") {
		t.Error("Expected UUID to be deterministic")
	}
	if u == GenerateUUIDFromString("com.example.other") {
		t.Error("Expected different ids to give different UUIDs")
	}
}

func TestDiscoveryCache(t *testing.T) {
	c := newDiscoveryCache()
	if !c.found("type", "a") {
		t.Error("Expected first sighting to pass")
	}
	if c.found("type", "a") {
		t.Error("Expected repeated sighting to be dropped")
	}
	if c.lost("type", "b") {
		t.Error("Expected lost for unseen name to be dropped")
	}
	if !c.lost("type", "a") {
		t.Error("Expected lost for seen name to pass")
	}
	if !c.found("type", "a") {
		t.Error("Expected sighting after loss to pass again")
	}
	c.forget("type")
	if !c.found("type", "a") {
		t.Error("Expected forget to reset the group")
	}
}
