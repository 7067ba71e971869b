package admission

import "fmt"

// ResourceKey identifies a class of gated operation or held object
type ResourceKey string

const (
	// ResourceInferenceRequest is a single AI inference call
	ResourceInferenceRequest ResourceKey = "inference_request"

	// ResourceReasoningRequest is an inference call in reasoning mode
	ResourceReasoningRequest ResourceKey = "reasoning_request"

	// ResourceRoomCreation is the creation of a new chat room
	ResourceRoomCreation ResourceKey = "room_creation"

	// ResourceFileUpload is a file upload; batches reserve their file count at once
	ResourceFileUpload ResourceKey = "file_upload"

	// ResourceMembershipProbe is a lookup of room membership state
	ResourceMembershipProbe ResourceKey = "membership_probe"

	// ResourceRoomMembership is the concurrency-capped set of rooms a subject is in
	ResourceRoomMembership ResourceKey = "room_membership"
)

// String returns the string representation of ResourceKey
func (r ResourceKey) String() string {
	return string(r)
}

// IsValid returns true if the resource key is part of the closed resource set
func (r ResourceKey) IsValid() bool {
	switch r {
	case ResourceInferenceRequest,
		ResourceReasoningRequest,
		ResourceRoomCreation,
		ResourceFileUpload,
		ResourceMembershipProbe,
		ResourceRoomMembership:
		return true
	}
	return false
}

// IsConcurrencyCapped returns true if the resource is held and released
// rather than consumed within a time window
func (r ResourceKey) IsConcurrencyCapped() bool {
	return r == ResourceRoomMembership
}

// IsCostBearing returns true for resources whose admission incurs
// infrastructure cost. These resources can never be admitted fail-open.
func (r ResourceKey) IsCostBearing() bool {
	switch r {
	case ResourceInferenceRequest, ResourceReasoningRequest, ResourceFileUpload:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the resource
func (r ResourceKey) DisplayName() string {
	switch r {
	case ResourceInferenceRequest:
		return "AI Messages"
	case ResourceReasoningRequest:
		return "Reasoning Messages"
	case ResourceRoomCreation:
		return "Room Creation"
	case ResourceFileUpload:
		return "File Uploads"
	case ResourceMembershipProbe:
		return "Membership Lookups"
	case ResourceRoomMembership:
		return "Joined Rooms"
	default:
		return string(r)
	}
}

// WindowedResources returns every resource metered by time-windowed counters
func WindowedResources() []ResourceKey {
	return []ResourceKey{
		ResourceInferenceRequest,
		ResourceReasoningRequest,
		ResourceRoomCreation,
		ResourceFileUpload,
		ResourceMembershipProbe,
	}
}

// AllResources returns every resource key
func AllResources() []ResourceKey {
	return append(WindowedResources(), ResourceRoomMembership)
}

// ParseResourceKey parses a string into a ResourceKey.
// Unknown keys are a configuration error, never silently unlimited.
func ParseResourceKey(s string) (ResourceKey, error) {
	r := ResourceKey(s)
	if !r.IsValid() {
		return "", NewConfigurationError("UNKNOWN_RESOURCE", fmt.Sprintf("unknown resource: %q", s))
	}
	return r, nil
}
