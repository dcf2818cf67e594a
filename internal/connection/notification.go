package connection

// Severity classifies a notification for the presentation layer.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a user-facing outcome event. The session emits exactly one
// per terminal outcome of a transition; the presentation layer renders them
// as toasts. Operator-grade detail goes to the log instead.
type Notification struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}
