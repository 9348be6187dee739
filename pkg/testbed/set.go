package testbed

// DeviceSet classifies the testbed's devices into role buckets. It is built
// once per run and treated as read-only afterwards.
type DeviceSet struct {
	NMS           []*Device
	DB            []*Device
	TPS           []*Device
	MeshSimulator []*Device
	Management    []*Device
	Console       []*Device

	// EIDs lists every device in testbed order.
	EIDs []string
}

// Classify builds the DeviceSet. A device lands in every bucket of its
// roles; console-reachable and secure-shell-only devices are also placed in
// the Console and Management buckets by kind.
func Classify(tb *Testbed) *DeviceSet {
	set := &DeviceSet{EIDs: make([]string, 0, len(tb.Devices))}
	for _, d := range tb.Devices {
		set.EIDs = append(set.EIDs, d.EID)

		if d.HasRole(RoleNMS) {
			set.NMS = append(set.NMS, d)
		}
		if d.HasRole(RoleDB) {
			set.DB = append(set.DB, d)
		}
		if d.HasRole(RoleTPS) {
			set.TPS = append(set.TPS, d)
		}
		if d.HasRole(RoleMeshSimulator) {
			set.MeshSimulator = append(set.MeshSimulator, d)
		}
		if d.HasRole(RoleManagement) || d.Kind == KindSecureShellOnly {
			set.Management = append(set.Management, d)
		}
		if d.HasRole(RoleConsole) || d.Kind == KindConsoleReach {
			set.Console = append(set.Console, d)
		}
	}
	return set
}

// Bucket returns the devices for a role.
func (s *DeviceSet) Bucket(r Role) []*Device {
	switch r {
	case RoleNMS:
		return s.NMS
	case RoleDB:
		return s.DB
	case RoleTPS:
		return s.TPS
	case RoleMeshSimulator:
		return s.MeshSimulator
	case RoleManagement:
		return s.Management
	case RoleConsole:
		return s.Console
	}
	return nil
}
