package domain

// ResourceClass is a named pool of simulated capacity.
type ResourceClass struct {
	Name     string `json:"name" yaml:"name"`
	Label    string `json:"label" yaml:"label"`
	Capacity int    `json:"capacity" yaml:"capacity"`
}

// Default resource classes of the container terminal model.
const (
	ResourceQuayCrane           = "quay_crane"
	ResourceHorizontalTransport = "horizontal_transport"
	ResourceYardCrane           = "yard_crane"
)

// DefaultResourceClasses returns the quay crane, transporter and yard crane pools.
func DefaultResourceClasses() []ResourceClass {
	return []ResourceClass{
		{Name: ResourceQuayCrane, Label: "Quay cranes", Capacity: 8},
		{Name: ResourceHorizontalTransport, Label: "Horizontal transport", Capacity: 80},
		{Name: ResourceYardCrane, Label: "Yard cranes", Capacity: 16},
	}
}

// DefaultTotalUnits is the total job count assumed before the simulator reports one.
const DefaultTotalUnits = 20000

// OccupancyUpdate is a possibly-partial active/idle report for one resource class.
type OccupancyUpdate struct {
	Active *int `json:"active,omitempty"`
	Idle   *int `json:"idle,omitempty"`
}

// ProgressSnapshot is a partial progress report. Nil fields were not reported.
type ProgressSnapshot struct {
	Total     *int                       `json:"total,omitempty"`
	Completed *int                       `json:"completed,omitempty"`
	Elapsed   *float64                   `json:"elapsed,omitempty"`
	Resources map[string]OccupancyUpdate `json:"resources,omitempty"`
}

// IsEmpty reports whether the snapshot carries no fields at all.
func (p ProgressSnapshot) IsEmpty() bool {
	return p.Total == nil && p.Completed == nil && p.Elapsed == nil && len(p.Resources) == 0
}

// Occupancy is the fully-populated state of one resource class.
type Occupancy struct {
	Active   int `json:"active"`
	Idle     int `json:"idle"`
	Capacity int `json:"capacity"`
}

// CanonicalState is the always-complete reduced view of progress.
type CanonicalState struct {
	Total     int                  `json:"total"`
	Completed int                  `json:"completed"`
	Elapsed   float64              `json:"elapsed"`
	Resources map[string]Occupancy `json:"resources"`
	Updates   int                  `json:"updates"`
}

// Remaining returns the number of units not yet completed.
func (c CanonicalState) Remaining() int {
	if c.Completed >= c.Total {
		return 0
	}
	return c.Total - c.Completed
}

// Utilization returns the share of active resources across all classes, in percent.
func (c CanonicalState) Utilization() int {
	var active, capacity int
	for _, o := range c.Resources {
		active += o.Active
		capacity += o.Capacity
	}
	if capacity == 0 {
		return 0
	}
	return active * 100 / capacity
}

// Clone returns a copy that does not share the resources map.
func (c CanonicalState) Clone() CanonicalState {
	out := c
	out.Resources = make(map[string]Occupancy, len(c.Resources))
	for k, v := range c.Resources {
		out.Resources[k] = v
	}
	return out
}

// Event is a structured event decoded from the process output stream.
type Event struct {
	Kind     EventKind        `json:"kind"`
	Snapshot ProgressSnapshot `json:"snapshot"`
	Message  string           `json:"message,omitempty"`
}
