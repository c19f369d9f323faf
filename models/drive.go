package models

import "github.com/google/uuid"

// Well-known drive types and aliases.
var (
	// ChannelDriveType marks drives whose content is published to followers.
	ChannelDriveType = uuid.MustParse("8f448716-e34c-edf9-0141-45e043ca6612")
	// FeedDriveType is the type of the drive aggregating followed content.
	FeedDriveType = uuid.MustParse("2af68fe7-2c53-4b4b-8b3f-1b7e02a3b2c1")
	// FeedDrive is the target drive remote hosts write feed content into.
	FeedDrive = TargetDrive{
		Alias: uuid.MustParse("4db49422-ebad-02e4-2ab9-6d4f13e1a3f2"),
		Type:  FeedDriveType,
	}
	// SystemCircleConnected is the circle of mutually connected identities.
	SystemCircleConnected = uuid.MustParse("bb2683fa-402a-4b40-8e69-9b8e8b1c2a11")
)

// DriveAttributeRelayReceived lets a collaborative drive re-broadcast content it received.
const DriveAttributeRelayReceived = "relay_received"

// TargetDrive addresses a drive by alias and type, stable across hosts.
type TargetDrive struct {
	Alias uuid.UUID `json:"alias"`
	Type  uuid.UUID `json:"type"`
}

// IsValid reports whether both alias and type are set.
func (t TargetDrive) IsValid() bool {
	return t.Alias != uuid.Nil && t.Type != uuid.Nil
}

// DriveDefinition is the local view of one drive.
type DriveDefinition struct {
	ID                 uuid.UUID         `json:"id"`
	TargetDrive        TargetDrive       `json:"target_drive"`
	Name               string            `json:"name"`
	AllowSubscriptions bool              `json:"allow_subscriptions"`
	AllowDistribution  bool              `json:"allow_distribution"`
	Attributes         map[string]string `json:"attributes,omitempty"`
}

// IsChannel reports whether followers can subscribe to this drive.
func (d DriveDefinition) IsChannel() bool {
	return d.TargetDrive.Type == ChannelDriveType
}

// IsCollaborativeRelay reports whether received content may be re-broadcast.
func (d DriveDefinition) IsCollaborativeRelay() bool {
	return d.Attributes[DriveAttributeRelayReceived] == "true"
}
