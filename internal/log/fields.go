package log

const (
	NamespaceKey = "bpm"

	InstanceIDKey = NamespaceKey + ".instance.id"
	ProcessIDKey  = NamespaceKey + ".process.id"

	ModelNameKey = NamespaceKey + ".model.name"
	ModelIDKey   = NamespaceKey + ".model.id"

	NodeIDKey   = NamespaceKey + ".node.id"
	NodeNameKey = NamespaceKey + ".node.name"
	NodeKindKey = NamespaceKey + ".node.kind"

	EventKey   = NamespaceKey + ".event"
	MessageKey = NamespaceKey + ".message"
	SignalKey  = NamespaceKey + ".signal"

	TenantKey = NamespaceKey + ".tenant"

	ErrorKey = NamespaceKey + ".error"
)
