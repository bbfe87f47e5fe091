package harmony

import (
	"fmt"
	"regexp"
)

// ValidationError reports the first field rule an entity failed. Validation
// is pure: no side effects, same input always yields the same result.
type ValidationError struct {
	Entity  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Entity, e.Field, e.Message)
}

var ipv4Pattern = regexp.MustCompile(`^(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)(\.(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)){3}$`)

// rule is one ordered field check. Validation stops at the first rule that
// fails and reports that rule's message.
type rule struct {
	field string
	ok    bool
	msg   string
}

func firstFailure(entity string, rules []rule) error {
	for _, r := range rules {
		if !r.ok {
			return &ValidationError{Entity: entity, Field: r.field, Message: r.msg}
		}
	}
	return nil
}

// ValidateHub checks a hub record field by field.
func ValidateHub(h Hub) error {
	return firstFailure("hub", []rule{
		{"id", h.ID != "", "must be a non-empty string"},
		{"friendlyName", h.FriendlyName != "", "must be a non-empty string"},
		{"ip", ipv4Pattern.MatchString(h.IP), "must be a dotted-quad IPv4 address"},
	})
}

// ValidateActivity checks an activity record field by field.
func ValidateActivity(a Activity) error {
	return firstFailure("activity", []rule{
		{"id", a.ID != "", "must be a non-empty string"},
		{"label", a.Label != "", "must be a non-empty string"},
	})
}

// ValidateCommand checks a command record field by field.
func ValidateCommand(c Command) error {
	return firstFailure("command", []rule{
		{"id", c.ID != "", "must be a non-empty string"},
		{"label", c.Label != "", "must be a non-empty string"},
		{"deviceId", c.DeviceID != "", "must reference the owning device"},
	})
}

// ValidateDevice checks a device record and every command it owns.
func ValidateDevice(d Device) error {
	if err := firstFailure("device", []rule{
		{"id", d.ID != "", "must be a non-empty string"},
		{"label", d.Label != "", "must be a non-empty string"},
		{"commands", d.Commands != nil, "must be present (may be empty)"},
	}); err != nil {
		return err
	}
	for _, c := range d.Commands {
		if err := ValidateCommand(c); err != nil {
			return err
		}
		if c.DeviceID != d.ID {
			return &ValidationError{Entity: "device", Field: "commands", Message: fmt.Sprintf("command %s references device %s, not owner %s", c.ID, c.DeviceID, d.ID)}
		}
	}
	return nil
}

// HubFromAnnouncement coerces the key:value fields of a discovery
// announcement into a Hub and validates it. Missing fields coerce to the
// empty string before the rules run, so the error names the first field
// rule that failed rather than a parse failure.
func HubFromAnnouncement(fields map[string]string) (Hub, error) {
	h := Hub{
		ID:           fields["uuid"],
		FriendlyName: fields["friendlyName"],
		IP:           fields["ip"],
		RemoteID:     fields["remoteId"],
		Port:         fields["port"],
		HubVersion:   fields["current_fw_version"],
	}
	if err := ValidateHub(h); err != nil {
		return Hub{}, fmt.Errorf("hub announcement: %w", err)
	}
	return h, nil
}

// ActivityFromResponse coerces a wire activity into the canonical shape
// and validates it, wrapping any failure with response context.
func ActivityFromResponse(id, label string, isActive bool) (Activity, error) {
	a := Activity{ID: id, Label: label, IsActive: isActive}
	if err := ValidateActivity(a); err != nil {
		return Activity{}, fmt.Errorf("activity response: %w", err)
	}
	return a, nil
}

// DeviceFromResponse coerces a wire device and its already-flattened
// commands into the canonical shape and validates the whole record.
func DeviceFromResponse(id, label, devType string, commands []Command) (Device, error) {
	if commands == nil {
		commands = []Command{}
	}
	d := Device{ID: id, Label: label, Type: devType, Commands: commands}
	if err := ValidateDevice(d); err != nil {
		return Device{}, fmt.Errorf("device response: %w", err)
	}
	return d, nil
}
