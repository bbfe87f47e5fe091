package harmony

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateHub(t *testing.T) {
	valid := Hub{ID: "abc", FriendlyName: "Living Room", IP: "192.168.1.10"}
	require.NoError(t, ValidateHub(valid))

	tests := []struct {
		name      string
		mutate    func(*Hub)
		wantField string
	}{
		{"missing id", func(h *Hub) { h.ID = "" }, "id"},
		{"missing name", func(h *Hub) { h.FriendlyName = "" }, "friendlyName"},
		{"empty ip", func(h *Hub) { h.IP = "" }, "ip"},
		{"hostname not ip", func(h *Hub) { h.IP = "harmony.local" }, "ip"},
		{"octet out of range", func(h *Hub) { h.IP = "192.168.1.256" }, "ip"},
		{"too few octets", func(h *Hub) { h.IP = "192.168.1" }, "ip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := valid
			tt.mutate(&h)
			err := ValidateHub(h)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestValidationStopsAtFirstFailingRule(t *testing.T) {
	// Both id and ip are bad; only the first rule's failure is reported.
	err := ValidateHub(Hub{FriendlyName: "x", IP: "not-an-ip"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)
}

func TestValidateActivity(t *testing.T) {
	require.NoError(t, ValidateActivity(Activity{ID: "1001", Label: "Watch TV"}))
	assert.Error(t, ValidateActivity(Activity{Label: "Watch TV"}))
	assert.Error(t, ValidateActivity(Activity{ID: "1001"}))
}

func TestValidateDeviceChecksOwnedCommands(t *testing.T) {
	d := Device{
		ID:    "dev-1",
		Label: "TV",
		Commands: []Command{
			{ID: "PowerOn", Label: "Power On", DeviceID: "dev-1"},
		},
	}
	require.NoError(t, ValidateDevice(d))

	// A command pointing at a different owner is rejected.
	d.Commands[0].DeviceID = "dev-2"
	err := ValidateDevice(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev-2")

	// A nil command list is rejected; an empty one is fine.
	assert.Error(t, ValidateDevice(Device{ID: "dev-1", Label: "TV"}))
	assert.NoError(t, ValidateDevice(Device{ID: "dev-1", Label: "TV", Commands: []Command{}}))
}

func TestHubFromAnnouncementCoercesMissingFields(t *testing.T) {
	hub, err := HubFromAnnouncement(map[string]string{
		"uuid":         "abc-123",
		"friendlyName": "Living Room",
		"ip":           "192.168.1.10",
		"remoteId":     "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", hub.ID)
	assert.Equal(t, "42", hub.RemoteID)
	assert.Empty(t, hub.HubVersion, "absent fields coerce to empty, not error")

	// Failures carry response context plus the failing rule.
	_, err = HubFromAnnouncement(map[string]string{"uuid": "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hub announcement")
	assert.Contains(t, err.Error(), "friendlyName")
}

func TestDeviceFromResponseDefaultsNilCommands(t *testing.T) {
	d, err := DeviceFromResponse("dev-1", "TV", "Television", nil)
	require.NoError(t, err)
	assert.NotNil(t, d.Commands)
	assert.Empty(t, d.Commands)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{&NetworkError{Op: "connect", Err: assert.AnError}, CategoryNetwork},
		{&AuthenticationError{Reason: "expired"}, CategoryAuthentication},
		{&ValidationError{Entity: "hub", Field: "ip"}, CategoryValidation},
		{&CacheError{Op: "read", Err: assert.AnError}, CategoryCache},
		{assert.AnError, CategoryUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Categorize(tt.err), "error %v", tt.err)
	}
}
