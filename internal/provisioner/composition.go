package provisioner

import (
	"encoding/binary"

	"github.com/nerrad567/gray-logic-mesh/internal/node"
)

const (
	// compositionHeaderSize covers CID, PID, VID, CRPL and Features (2 bytes each).
	compositionHeaderSize = 10

	// elementHeaderSize covers Loc (2), NumS (1) and NumV (1).
	elementHeaderSize = 4

	sigModelSize    = 2
	vendorModelSize = 4
)

// ParseComposition decodes composition data page 0 into model descriptors.
//
// Fewer than 10 bytes yields an empty list. After the fixed header each
// element contributes NumS standard model IDs (tagged CompanyStandard)
// followed by NumV (company, model) pairs, all little-endian. Descriptors
// come out in declaration order and the list is silently truncated at
// maxModels. A truncated element yields whatever models were complete.
func ParseComposition(raw []byte, maxModels int) []node.Model {
	models := make([]node.Model, 0)
	if len(raw) < compositionHeaderSize || maxModels <= 0 {
		return models
	}

	buf := raw[compositionHeaderSize:]
	for len(buf) >= elementHeaderSize && len(models) < maxModels {
		numSIG := int(buf[2])
		numVendor := int(buf[3])
		buf = buf[elementHeaderSize:]

		for i := 0; i < numSIG && len(models) < maxModels && len(buf) >= sigModelSize; i++ {
			models = append(models, node.Model{
				ID:        binary.LittleEndian.Uint16(buf),
				CompanyID: node.CompanyStandard,
			})
			buf = buf[sigModelSize:]
		}

		for i := 0; i < numVendor && len(models) < maxModels && len(buf) >= vendorModelSize; i++ {
			models = append(models, node.Model{
				CompanyID: binary.LittleEndian.Uint16(buf[0:2]),
				ID:        binary.LittleEndian.Uint16(buf[2:4]),
				Vendor:    true,
			})
			buf = buf[vendorModelSize:]
		}
	}

	return models
}

// Element describes one element when building composition data.
type Element struct {
	Location uint16
	SIG      []uint16

	// Vendor holds (company, model) pairs.
	Vendor [][2]uint16
}

// BuildComposition encodes composition data page 0 with a zeroed header.
// It is the inverse of ParseComposition and serves the offline tools and tests.
func BuildComposition(cid, pid uint16, elements ...Element) []byte {
	buf := make([]byte, compositionHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], cid)
	binary.LittleEndian.PutUint16(buf[2:4], pid)

	for _, e := range elements {
		buf = binary.LittleEndian.AppendUint16(buf, e.Location)
		buf = append(buf, byte(len(e.SIG)), byte(len(e.Vendor)))
		for _, id := range e.SIG {
			buf = binary.LittleEndian.AppendUint16(buf, id)
		}
		for _, v := range e.Vendor {
			buf = binary.LittleEndian.AppendUint16(buf, v[0])
			buf = binary.LittleEndian.AppendUint16(buf, v[1])
		}
	}
	return buf
}
