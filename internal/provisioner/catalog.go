package provisioner

import "github.com/nerrad567/gray-logic-mesh/internal/node"

// Foundation models. They use the device key and are never bound to an app key.
const (
	ModelConfigServer uint16 = 0x0000
	ModelConfigClient uint16 = 0x0001
)

// Vendor models used by the IMU nodes and this gateway.
const (
	VendorCompanyID   uint16 = 0x0001
	VendorModelClient uint16 = 0x0000
	VendorModelServer uint16 = 0x0001
)

// Standard models the gateway's own nodes commonly expose.
const (
	ModelGenericOnOffServer uint16 = 0x1000
	ModelGenericOnOffClient uint16 = 0x1001
	ModelSensorServer       uint16 = 0x1100
	ModelSensorClient       uint16 = 0x1102
)

// Membership in the two sets below is the gateway's own classification of
// which models publish and which join the group. It does not follow the SIG
// role, so a few entries carry a name whose SIG role is the opposite of the
// set (0x1008 is a client; 0x1009, 0x100F and 0x1207 are servers). Names
// are the SIG assigned names for each ID and are for display only.

// serverModels are the standard models that get a publication.
var serverModels = map[uint16]string{
	0x1000: "Generic OnOff Server",
	0x1002: "Generic Level Server",
	0x1004: "Generic Default Transition Time Server",
	0x1006: "Generic Power OnOff Server",
	0x1008: "Generic Power OnOff Client",
	0x100A: "Generic Power Level Setup Server",
	0x100C: "Generic Battery Server",
	0x100E: "Generic Location Server",
	0x1100: "Sensor Server",
	0x1200: "Time Server",
	0x1201: "Time Setup Server",
	0x1300: "Light Lightness Server",
	0x1301: "Light Lightness Setup Server",
	0x1303: "Light CTL Server",
	0x1304: "Light CTL Setup Server",
}

// clientModels are the standard models that join the subscription group.
var clientModels = map[uint16]string{
	0x1001: "Generic OnOff Client",
	0x1003: "Generic Level Client",
	0x1005: "Generic Default Transition Time Client",
	0x1009: "Generic Power Level Server",
	0x100B: "Generic Power Level Client",
	0x100F: "Generic Location Setup Server",
	0x1102: "Sensor Client",
	0x1202: "Time Client",
	0x1205: "Scene Client",
	0x1207: "Scheduler Setup Server",
	0x1302: "Light Lightness Client",
}

func isStandard(companyID uint16) bool {
	return companyID == node.CompanyStandard
}

// IsBindExempt reports whether the model skips app key binding.
// Only the two configuration models are exempt; every vendor model binds.
func IsBindExempt(modelID, companyID uint16) bool {
	return isStandard(companyID) && (modelID == ModelConfigServer || modelID == ModelConfigClient)
}

// IsPublishEligible reports whether the model gets a publication.
// True for any vendor model and for the standard server set.
func IsPublishEligible(modelID, companyID uint16) bool {
	if !isStandard(companyID) {
		return true
	}
	_, ok := serverModels[modelID]
	return ok
}

// IsSubscribeEligible reports whether the model gets a group subscription.
// True for the standard client set and for the vendor client model only.
func IsSubscribeEligible(modelID, companyID uint16) bool {
	if !isStandard(companyID) {
		return companyID == VendorCompanyID && modelID == VendorModelClient
	}
	_, ok := clientModels[modelID]
	return ok
}

// ModelName returns a human-readable name for logs and status payloads.
func ModelName(modelID, companyID uint16) string {
	if !isStandard(companyID) {
		switch {
		case companyID == VendorCompanyID && modelID == VendorModelClient:
			return "Vendor IMU Client"
		case companyID == VendorCompanyID && modelID == VendorModelServer:
			return "Vendor IMU Server"
		default:
			return "Vendor Model"
		}
	}
	switch modelID {
	case ModelConfigServer:
		return "Configuration Server"
	case ModelConfigClient:
		return "Configuration Client"
	case 0x0002:
		return "Health Server"
	case 0x0003:
		return "Health Client"
	}
	if name, ok := serverModels[modelID]; ok {
		return name
	}
	if name, ok := clientModels[modelID]; ok {
		return name
	}
	return "Unknown Model"
}
