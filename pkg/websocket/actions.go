package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Instance actions
	ActionInstanceList  = "instance.list"
	ActionInstanceGet   = "instance.get"
	ActionInstanceStart = "instance.start"
	ActionInstanceStop  = "instance.stop"
	ActionInstanceSend  = "instance.send"

	// Job actions
	ActionJobList = "job.list"
	ActionJobGet  = "job.get"

	// Subscription actions
	ActionChannelSubscribe   = "channel.subscribe"
	ActionChannelUnsubscribe = "channel.unsubscribe"

	// Notification actions (server -> client)
	ActionJobLog           = "job.log"
	ActionJobCompleted     = "job.completed"
	ActionJobFailed        = "job.failed"
	ActionJobArtifactAdded = "job.artifact_added"
	ActionInstanceStarted  = "instance.started"
	ActionInstanceStopped  = "instance.stopped"
	ActionChannelMessage   = "channel.message"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
