package layout

import "encoding/binary"

// DeviceDetail is the per-thin-device record held in the device-details
// tree, keyed by device id. Every device with a mapping subtree must have
// exactly one.
type DeviceDetail struct {
	MappedBlocks    uint64
	TransactionID   uint64
	CreationTime    uint32
	SnapshottedTime uint32
}

// DetailType packs DeviceDetail values (24 bytes).
type DetailType struct{}

func (DetailType) Size() int { return 24 }

func (DetailType) Unpack(b []byte) DeviceDetail {
	return DeviceDetail{
		MappedBlocks:    binary.LittleEndian.Uint64(b[0:]),
		TransactionID:   binary.LittleEndian.Uint64(b[8:]),
		CreationTime:    binary.LittleEndian.Uint32(b[16:]),
		SnapshottedTime: binary.LittleEndian.Uint32(b[20:]),
	}
}

func (DetailType) Pack(v DeviceDetail, b []byte) {
	binary.LittleEndian.PutUint64(b[0:], v.MappedBlocks)
	binary.LittleEndian.PutUint64(b[8:], v.TransactionID)
	binary.LittleEndian.PutUint32(b[16:], v.CreationTime)
	binary.LittleEndian.PutUint32(b[20:], v.SnapshottedTime)
}
