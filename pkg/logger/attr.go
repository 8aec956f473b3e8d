package logger

import (
	"log/slog"
)

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// TenantID records the tenant identifier under the key "tenant_id".
func TenantID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("tenant_id", id)
}

func PlanID(id string) slog.Attr {
	return slog.String("plan_id", id)
}

// Resource records a usage resource kind ("clients", "storage", ...).
func Resource(kind string) slog.Attr {
	return slog.String("resource", kind)
}

func Action(name string) slog.Attr {
	return slog.String("action", name)
}

// EventID records the billing provider event identifier.
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

func Status(status string) slog.Attr {
	return slog.String("status", status)
}

func Delta(d any) slog.Attr {
	return slog.Any("delta", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
