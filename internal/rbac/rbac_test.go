package rbac

import "testing"

func TestCan(t *testing.T) {
	if !Can(RoleAdmin, ActionManageSessions) {
		t.Error("admin should manage sessions")
	}
	if Can(RolePartLeader, ActionManageSessions) {
		t.Error("part leader should not manage sessions")
	}
	if !Can(RolePartLeader, ActionManageSetlist) {
		t.Error("part leader should manage the setlist")
	}
	if Can(RoleMember, ActionManageSetlist) {
		t.Error("member should not manage the setlist")
	}
	if !Can(RoleMember, ActionWrite) {
		t.Error("member should write their own records")
	}
	if Can(Role("ghost"), ActionRead) {
		t.Error("unknown role should have no access")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("admin") != RoleAdmin {
		t.Error("admin should survive normalization")
	}
	if Normalize("superuser") != RoleMember {
		t.Error("unknown roles should fall back to member")
	}
}
