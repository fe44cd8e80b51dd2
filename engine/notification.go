package engine

// Event names the two lifecycle notifications the engine delivers for a
// node.
type Event int

const (
	EventStart Event = iota
	EventEnd
)

func (e Event) String() string {
	if e == EventEnd {
		return "end"
	}

	return "start"
}

// NodeKind is a closed classification of the node types this module reacts
// to. Engine-added types map to NodeKindUnknown and are ignored.
type NodeKind int

const (
	NodeKindUnknown NodeKind = iota
	NodeKindUserTask
	NodeKindReceiveTask
	NodeKindCatchEvent
	NodeKindCallActivity
	NodeKindEndEvent
	NodeKindIntermediateThrowEvent
	NodeKindBusinessRuleTask
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindUserTask:
		return "userTask"
	case NodeKindReceiveTask:
		return "receiveTask"
	case NodeKindCatchEvent:
		return "catchEvent"
	case NodeKindCallActivity:
		return "callActivity"
	case NodeKindEndEvent:
		return "endEvent"
	case NodeKindIntermediateThrowEvent:
		return "intermediateThrowEvent"
	case NodeKindBusinessRuleTask:
		return "businessRuleTask"
	default:
		return "unknown"
	}
}

// Blocking reports whether the node kind carries task configuration side
// effects on activation and deactivation.
func (k NodeKind) Blocking() bool {
	switch k {
	case NodeKindUserTask, NodeKindCatchEvent, NodeKindCallActivity, NodeKindEndEvent:
		return true
	default:
		return false
	}
}

// MessageDefinition is the message attached to a throw or end event. The
// name may contain ${expr} placeholders interpolated against the execution
// variables.
type MessageDefinition struct {
	Name string
}

// Notification is delivered synchronously by the engine's execution thread
// on node entry and exit.
type Notification struct {
	Event Event
	Kind  NodeKind

	NodeID   string
	NodeName string

	InstanceID          string
	ProcessDefinitionID string

	// RootStart is true when the notification is the start of the process
	// instance itself, before any activity instance exists.
	RootStart bool

	Message *MessageDefinition

	// Attributes carries engine extension attributes of the node, such as
	// the "compulsory" flag and result variable of a business-rule task.
	Attributes map[string]string
}

// Attribute returns a node extension attribute or "".
func (n *Notification) Attribute(name string) string {
	if n.Attributes == nil {
		return ""
	}

	return n.Attributes[name]
}
