package enums

// EventKind names the lifecycle events handed to the notification sink.
type EventKind string

const (
	EventOrderCreated   EventKind = "order.created"
	EventOrderDelivered EventKind = "order.delivered"
)

// String implements fmt.Stringer.
func (e EventKind) String() string {
	return string(e)
}
