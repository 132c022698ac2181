package relay

// signalTypes are kept unconditionally: they mark lifecycle transitions the
// client must see even without displayable content.
var signalTypes = map[Type]bool{
	TypeSessionStart: true,
	TypeEmbed:        true,
	TypeIdle:         true,
	TypeError:        true,
}

// Keep reports whether an event carries anything a client can display. An
// event passes if its type is a recognized signal, or if at least one
// content-bearing field is non-empty. Everything else is suppressed so
// clients are not flooded with no-op protocol chatter.
func Keep(ev Event) bool {
	if signalTypes[ev.Type] {
		return true
	}
	switch ev.Type {
	case TypeUserMessage, TypeAssistantDelta, TypeAssistantMessage, TypeToolCall, TypeToolResult:
	default:
		return false
	}
	return ev.Text != "" || ev.ToolName != "" || ev.ToolOutput != "" || ev.ErrorText != ""
}
