// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"testing"
)

func TestAccessControl(t *testing.T) {
	_, _, reg := newTestRegistry(t)
	ac := NewAccessControl(reg, "bootstrap@admin.com")

	// No policy: default allow.
	allowed, msg := ac.IsAllowed("user@example.com")
	if !allowed {
		t.Errorf("Expected allowed when no policy set, got %s", msg)
	}

	// Bootstrap admin.
	if !ac.IsAdmin("bootstrap@admin.com") {
		t.Error("Bootstrap admin should be admin")
	}
	if ac.IsAdmin("user@example.com") {
		t.Error("Regular user should not be admin")
	}

	policy := &UserAccessPolicy{
		DefaultPolicy:      "deny",
		DefaultDenyMessage: "Invite Only",
		Admins:             []string{"perm@admin.com"},
		Users: map[string]UserOverride{
			"allowed@user.com": {Access: "allow"},
			"banned@user.com":  {Access: "deny"},
		},
	}
	reg.UpdateAccessPolicy(policy)

	allowed, msg = ac.IsAllowed("random@user.com")
	if allowed {
		t.Error("Expected denied for random user under default deny")
	}
	if msg != "Invite Only" {
		t.Errorf("Expected 'Invite Only', got '%s'", msg)
	}

	if allowed, _ = ac.IsAllowed("allowed@user.com"); !allowed {
		t.Error("Expected allowed for explicitly allowed user")
	}
	if allowed, _ = ac.IsAllowed("banned@user.com"); allowed {
		t.Error("Expected denied for explicitly banned user")
	}
	if !ac.IsAdmin("perm@admin.com") {
		t.Error("Policy admin should be admin")
	}
	if allowed, _ = ac.IsAllowed("perm@admin.com"); !allowed {
		t.Error("Policy admin should be allowed")
	}
}

func TestAccessControlQuotas(t *testing.T) {
	_, _, reg := newTestRegistry(t)
	ac := NewAccessControl(reg, "")

	reg.UpdateAccessPolicy(&UserAccessPolicy{
		DefaultPolicy:     "allow",
		DefaultMaxMatches: 2,
		DefaultMaxRooms:   1,
		Users: map[string]UserOverride{
			"vip@user.com": {Access: "allow", MaxMatches: 100, MaxRooms: 10},
		},
	})

	if err := ac.CheckMatchQuota("user@example.com", 1); err != nil {
		t.Errorf("Under quota should pass: %v", err)
	}
	if err := ac.CheckMatchQuota("user@example.com", 2); err == nil {
		t.Error("At quota should fail")
	}
	if err := ac.CheckMatchQuota("vip@user.com", 50); err != nil {
		t.Errorf("VIP override should lift the quota: %v", err)
	}
	if err := ac.CheckRoomQuota("user@example.com", 1); err == nil {
		t.Error("Room quota should fail at the cap")
	}

	maxMatches, maxRooms := ac.GetUserQuotas("vip@user.com")
	if maxMatches != 100 || maxRooms != 10 {
		t.Errorf("Quota lookup wrong: %d/%d", maxMatches, maxRooms)
	}
}
