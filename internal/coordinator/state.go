package coordinator

type State int

const (
	Idle State = iota
	CheckingPermission
	RequestingPermission
	CheckingSettings
	ResolvingSettings
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CheckingPermission:
		return "checking_permission"
	case RequestingPermission:
		return "requesting_permission"
	case CheckingSettings:
		return "checking_settings"
	case ResolvingSettings:
		return "resolving_settings"
	case Active:
		return "active"
	}
	return "unknown"
}

type Mode int

const (
	OneShot Mode = iota
	Continuous
)

func (m Mode) String() string {
	if m == OneShot {
		return "one_shot"
	}
	return "continuous"
}

// Snapshot is a consistent view of the coordinator at one instant.
type Snapshot struct {
	State                string `json:"state"`
	Session              string `json:"session,omitempty"`
	Mode                 string `json:"mode,omitempty"`
	RequestingPermission bool   `json:"requesting_permission"`
	Subscribers          int    `json:"subscribers"`
	Observers            int    `json:"observers"`
	Backend              string `json:"backend,omitempty"`
}
