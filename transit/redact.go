package transit

import (
	"github.com/google/uuid"

	"hostlink/models"
)

// RedactMetadata strips local storage identifiers before metadata leaves the
// host. The remote assigns its own locator, version tag and sender.
func RedactMetadata(md models.FileMetadata) models.FileMetadata {
	out := md
	out.File = models.FileLocator{}
	out.VersionTag = uuid.Nil
	out.SenderIdentity = ""
	if md.GlobalTransitID != nil {
		gtid := *md.GlobalTransitID
		out.GlobalTransitID = &gtid
	}
	if md.AppData.ClientUniqueID != nil {
		id := *md.AppData.ClientUniqueID
		out.AppData.ClientUniqueID = &id
	}
	out.Payloads = append([]models.PayloadDescriptor(nil), md.Payloads...)
	out.ReactionPreview = append([]byte(nil), md.ReactionPreview...)
	return out
}
