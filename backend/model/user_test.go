package model

import "testing"

func TestUserAccess(t *testing.T) {
	tests := []struct {
		name       string
		user       User
		owner      string
		wantAccess bool
		wantDelete bool
	}{
		{"admin on other", User{ID: "u1", Role: RoleAdmin}, "u2", true, true},
		{"manager on other", User{ID: "u1", Role: RoleManager}, "u2", true, false},
		{"analyst on own", User{ID: "u1", Role: RoleAnalyst}, "u1", true, true},
		{"analyst on other", User{ID: "u1", Role: RoleAnalyst}, "u2", false, false},
		{"viewer on other", User{ID: "u1", Role: RoleViewer}, "u2", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.CanAccess(tt.owner); got != tt.wantAccess {
				t.Errorf("CanAccess = %v, want %v", got, tt.wantAccess)
			}
			if got := tt.user.CanDelete(tt.owner); got != tt.wantDelete {
				t.Errorf("CanDelete = %v, want %v", got, tt.wantDelete)
			}
		})
	}
}

func TestUserFullName(t *testing.T) {
	tests := []struct {
		user User
		want string
	}{
		{User{Username: "jdoe", FirstName: "Jane", LastName: "Doe"}, "Jane Doe"},
		{User{Username: "jdoe", FirstName: "Jane"}, "Jane"},
		{User{Username: "jdoe"}, "jdoe"},
	}
	for _, tt := range tests {
		if got := tt.user.FullName(); got != tt.want {
			t.Errorf("FullName() = %q, want %q", got, tt.want)
		}
	}
}

func TestUserCanLogin(t *testing.T) {
	for status, want := range map[UserStatus]bool{
		UserStatusActive:    true,
		UserStatusPending:   true,
		UserStatusInactive:  false,
		UserStatusSuspended: false,
	} {
		u := User{Status: status}
		if got := u.CanLogin(); got != want {
			t.Errorf("CanLogin(%s) = %v, want %v", status, got, want)
		}
	}
}
