package quota

import (
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Action is a quota-governed operation a tenant may attempt.
type Action string

const (
	CreateUser      Action = "create_user"
	CreateClient    Action = "create_client"
	CreateWorkOrder Action = "create_work_order"
	SendSms         Action = "send_sms"
	UploadFile      Action = "upload_file"

	UseAPI               Action = "use_api"
	UseCustomBranding    Action = "use_custom_branding"
	UseAdvancedReporting Action = "use_advanced_reporting"
	UseMultiLocation     Action = "use_multi_location"
	UseIntegrations      Action = "use_integrations"
	UseSmsReminders      Action = "use_sms_reminders"
	UsePrioritySupport   Action = "use_priority_support"
)

type actionKind int

const (
	kindCounted actionKind = iota + 1
	kindStorage
	kindFeature
)

type actionSpec struct {
	kind    actionKind
	counter subscription.Counter
	feature plan.Feature
	label   string
	// featureGated resources report a zero limit as an unavailable feature.
	featureGated bool
}

var actions = map[Action]actionSpec{
	CreateUser:      {kind: kindCounted, counter: subscription.CounterUsers, label: "users"},
	CreateClient:    {kind: kindCounted, counter: subscription.CounterClients, label: "clients"},
	CreateWorkOrder: {kind: kindCounted, counter: subscription.CounterWorkOrders, label: "work orders this month"},
	SendSms:         {kind: kindCounted, counter: subscription.CounterSms, label: "SMS messages this month", featureGated: true},
	UploadFile:      {kind: kindStorage, counter: subscription.CounterStorage, label: "storage (GB)"},

	UseAPI:               {kind: kindFeature, feature: plan.FeatureAPIAccess, label: "API access"},
	UseCustomBranding:    {kind: kindFeature, feature: plan.FeatureCustomBranding, label: "custom branding"},
	UseAdvancedReporting: {kind: kindFeature, feature: plan.FeatureAdvancedReporting, label: "advanced reporting"},
	UseMultiLocation:     {kind: kindFeature, feature: plan.FeatureMultiLocation, label: "multiple locations"},
	UseIntegrations:      {kind: kindFeature, feature: plan.FeatureIntegrations, label: "integrations"},
	UseSmsReminders:      {kind: kindFeature, feature: plan.FeatureSMSReminders, label: "SMS reminders"},
	UsePrioritySupport:   {kind: kindFeature, feature: plan.FeaturePrioritySupport, label: "priority support"},
}

// ParseAction converts a raw action name. Unknown names return ErrUnknownAction.
func ParseAction(raw string) (Action, error) {
	a := Action(raw)
	if _, ok := actions[a]; !ok {
		return "", ErrUnknownAction
	}
	return a, nil
}

func (a Action) String() string { return string(a) }

// Known reports whether a is one of the defined actions.
func (a Action) Known() bool {
	_, ok := actions[a]
	return ok
}

// Counter returns the usage counter the action consumes, if any.
func (a Action) Counter() (subscription.Counter, bool) {
	spec, ok := actions[a]
	if !ok || spec.kind == kindFeature {
		return "", false
	}
	return spec.counter, true
}

// Delta converts an action count into the counter's unit. Storage counts are
// bytes and the counter holds gigabytes.
func (a Action) Delta(count int64) float64 {
	if spec, ok := actions[a]; ok && spec.kind == kindStorage {
		return BytesToGB(count)
	}
	return float64(count)
}

const bytesPerGB = 1024 * 1024 * 1024

// BytesToGB converts a byte count into binary gigabytes.
func BytesToGB(bytes int64) float64 {
	return float64(bytes) / bytesPerGB
}
