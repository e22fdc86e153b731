package queue

// MessageTypeYoloRequest is the only message type the consumer handles.
const MessageTypeYoloRequest = "yolo_request"

type Message struct {
	Type         string `json:"type"`
	ChatID       string `json:"chat_id" validate:"required"`
	ImageURL     string `json:"image_url" validate:"required,startswith=s3://"`
	PredictionID string `json:"prediction_id" validate:"required"`
	CallbackURL  string `json:"callback_url" validate:"omitempty,url"`
}

// State is where a message ended up after one delivery.
type State string

const (
	// StateAcknowledged means the message was processed and deleted.
	StateAcknowledged State = "acknowledged"
	// StatePendingRedelivery means the message was left on the queue and
	// becomes visible again after the visibility timeout.
	StatePendingRedelivery State = "pending_redelivery"
	// StateDropped means the message could never succeed and was deleted
	// without processing.
	StateDropped State = "dropped"
	// StateDeadLettered means the message exceeded its receive limit.
	StateDeadLettered State = "dead_lettered"
)
