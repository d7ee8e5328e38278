package core

// Component names a task the scheduler routes commands to.
type Component int

const (
	ComponentCoupler Component = iota
	ComponentPeer
	ComponentPresentation
)

func (c Component) String() string {
	switch c {
	case ComponentCoupler:
		return "coupler"
	case ComponentPeer:
		return "peer"
	case ComponentPresentation:
		return "presentation"
	default:
		return "unknown"
	}
}

// Attachment links one component to the scheduler: the component drains
// Inbox and reports through Scheduler. It never sees another component.
type Attachment struct {
	Inbox     *Mailbox
	Scheduler Sender
}
