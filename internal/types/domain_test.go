package types

import "testing"

func TestNotificationType_Valid(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want bool
	}{
		{NotificationEmail, true},
		{NotificationPush, true},
		{NotificationType("sms"), false},
		{NotificationType(""), false},
		{NotificationType("EMAIL"), false},
	}

	for _, tt := range tests {
		if got := tt.typ.Valid(); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestKnownNotificationTypes_AllValid(t *testing.T) {
	for _, typ := range KnownNotificationTypes {
		if !typ.Valid() {
			t.Errorf("KnownNotificationTypes contains invalid type %q", typ)
		}
	}
}

func TestUserPreferences_Enabled(t *testing.T) {
	prefs := UserPreferences{Email: true, Push: false}

	if !prefs.Enabled(NotificationEmail) {
		t.Error("Enabled(email) = false, want true")
	}
	if prefs.Enabled(NotificationPush) {
		t.Error("Enabled(push) = true, want false")
	}
	if prefs.Enabled(NotificationType("sms")) {
		t.Error("Enabled(unknown channel) = true, want false")
	}
}
