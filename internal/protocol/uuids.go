package protocol

import "github.com/batteryhawk/battery-hawk/internal/model"

// GATTProfile describes the service/characteristic UUIDs a connection
// pool needs to open a session before handing it to a Device adapter.
type GATTProfile struct {
	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string
}

// Profile returns the GATT profile for family, or false if unknown.
func Profile(family model.Family) (GATTProfile, bool) {
	switch family {
	case model.FamilyBM2:
		return GATTProfile{ServiceUUID: bm2ServiceUUID, WriteUUID: bm2WriteUUID, NotifyUUID: bm2NotifyUUID}, true
	case model.FamilyBM6:
		return GATTProfile{ServiceUUID: bm6ServiceUUID, WriteUUID: bm6WriteUUID, NotifyUUID: bm6NotifyUUID}, true
	default:
		return GATTProfile{}, false
	}
}
