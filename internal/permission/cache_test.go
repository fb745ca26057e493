package permission_test

import (
	"reflect"
	"testing"

	"coachline/internal/permission"
)

func TestCacheKeyTracksMutation(t *testing.T) {
	e := newEngine(t)
	cache, err := permission.NewCache(e, 8)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	id := juniorCoach()
	first := cache.Permissions(id)
	again := cache.Permissions(id)
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("cached permissions changed: %v vs %v", first, again)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected one cache entry, got %d", cache.Len())
	}

	promoted := id
	promoted.Role = permission.RoleCoachIntermediate
	promoted.Level = 2
	promoted.Certifications = []string{permission.CertL1, permission.CertL2}
	got := cache.Permissions(promoted)
	if cache.Len() != 2 {
		t.Fatalf("mutation should produce a new key, have %d entries", cache.Len())
	}
	if !reflect.DeepEqual(got, e.UserPermissions(promoted)) {
		t.Fatalf("cache returned stale permissions for promoted identity")
	}

	got[0] = "tampered"
	if cache.Permissions(promoted)[0] == "tampered" {
		t.Fatalf("cache leaked its internal slice")
	}

	cache.Purge()
	if cache.Len() != 0 {
		t.Fatalf("purge left %d entries", cache.Len())
	}
}

func TestCacheKeyIgnoresCertificationOrder(t *testing.T) {
	a := permission.Identity{Role: permission.RoleCoachSenior, Level: 3, Status: permission.StatusActive,
		Certifications: []string{permission.CertL3, permission.CertL1}}
	b := a
	b.Certifications = []string{permission.CertL1, permission.CertL3}
	if permission.CacheKey(a) != permission.CacheKey(b) {
		t.Fatalf("key should not depend on certification order")
	}
	b.Status = permission.StatusTraining
	if permission.CacheKey(a) == permission.CacheKey(b) {
		t.Fatalf("key should change with status")
	}
}
