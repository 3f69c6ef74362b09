package types

import "time"

// SimDeviceState is the persisted state of the simulator inverter driver so
// the simulation survives restarts.
type SimDeviceState struct {
	Timestamp            time.Time      `json:"timestamp"`
	StateOfChargePercent float64        `json:"stateOfChargePercent"`
	Segment              *DeviceSegment `json:"segment,omitempty"`
}
