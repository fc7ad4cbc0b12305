package rbac

import (
	"reflect"
	"testing"
)

func TestSnapshotHas(t *testing.T) {
	snap := Snapshot{
		RoleCodes: []string{"pos:orders:view", "pos:*:create"},
		Revoked:   []string{"pos:orders:create"},
		Granted:   []string{"inventory:items:view"},
	}

	if !snap.Has("pos:orders:view") {
		t.Error("role grant should allow pos:orders:view")
	}
	if !snap.Has("pos:shifts:create") {
		t.Error("wildcard role grant should allow pos:shifts:create")
	}
	if snap.Has("pos:orders:create") {
		t.Error("revoke override must win over the wildcard role grant")
	}
	if !snap.Has("inventory:items:view") {
		t.Error("grant override should allow inventory:items:view")
	}
	if snap.Has("inventory:items:edit") {
		t.Error("unknown code must be denied")
	}
}

func TestSnapshotAllowAll(t *testing.T) {
	snap := Snapshot{AllowAll: true, Revoked: []string{"pos:orders:view"}}
	if !snap.Has("pos:orders:view") {
		t.Fatal("allow-all snapshot must ignore revoke patterns")
	}
	if !snap.Has("anything:at:all") {
		t.Fatal("allow-all snapshot must allow every code")
	}
}

func TestSnapshotEffective(t *testing.T) {
	snap := Snapshot{
		RoleCodes: []string{"pos:orders:view", "pos:orders:create", "pos:orders:view"},
		Revoked:   []string{"pos:orders:create"},
		Granted:   []string{"inventory:items:view"},
	}
	want := []string{"inventory:items:view", "pos:orders:view"}
	if got := snap.Effective(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Effective() = %v, want %v", got, want)
	}
}

func TestSnapshotEmpty(t *testing.T) {
	if !(Snapshot{}).Empty() {
		t.Error("zero snapshot should be empty")
	}
	if !(Snapshot{Revoked: []string{"pos:orders:view"}}).Empty() {
		t.Error("revoke-only snapshot denies everything and counts as empty")
	}
	if (Snapshot{Granted: []string{"pos:orders:view"}}).Empty() {
		t.Error("granted snapshot is not empty")
	}
	if (Snapshot{AllowAll: true}).Empty() {
		t.Error("allow-all snapshot is not empty")
	}
}
