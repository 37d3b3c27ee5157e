// Package events provides event types and utilities for the Open Dispatch event system.
package events

// Event types for jobs
const (
	JobCreated       = "dispatch.job.created"
	JobStarted       = "dispatch.job.started"
	JobLog           = "dispatch.job.log"            // A log line reported by a Sprite
	JobArtifactAdded = "dispatch.job.artifact_added" // Artifact attached to a job
	JobCompleted     = "dispatch.job.completed"
	JobFailed        = "dispatch.job.failed"
)

// Event types for instances
const (
	InstanceStarted = "dispatch.instance.started"
	InstanceStopped = "dispatch.instance.stopped"
)

// Event types for outbound channel traffic
const (
	ChannelMessage = "dispatch.channel.message" // Batched lines headed to a chat channel
)

// DispatchWildcard matches every event this service publishes.
const DispatchWildcard = "dispatch.>"

// BuildJobCreatedSubject creates a job created subject for a specific job
func BuildJobCreatedSubject(jobID string) string {
	return JobCreated + "." + jobID
}

// BuildJobStartedSubject creates a job started subject for a specific job
func BuildJobStartedSubject(jobID string) string {
	return JobStarted + "." + jobID
}

// BuildJobLogSubject creates a job log subject for a specific job
func BuildJobLogSubject(jobID string) string {
	return JobLog + "." + jobID
}

// BuildJobLogWildcardSubject creates a wildcard subscription for all job log events
func BuildJobLogWildcardSubject() string {
	return JobLog + ".*"
}

// BuildJobCompletedSubject creates a job completed subject for a specific job
func BuildJobCompletedSubject(jobID string) string {
	return JobCompleted + "." + jobID
}

// BuildJobCompletedWildcardSubject creates a wildcard subscription for all job completed events
func BuildJobCompletedWildcardSubject() string {
	return JobCompleted + ".*"
}

// BuildJobFailedSubject creates a job failed subject for a specific job
func BuildJobFailedSubject(jobID string) string {
	return JobFailed + "." + jobID
}

// BuildJobFailedWildcardSubject creates a wildcard subscription for all job failed events
func BuildJobFailedWildcardSubject() string {
	return JobFailed + ".*"
}

// BuildJobArtifactSubject creates an artifact subject for a specific job
func BuildJobArtifactSubject(jobID string) string {
	return JobArtifactAdded + "." + jobID
}

// BuildJobArtifactWildcardSubject creates a wildcard subscription for all artifact events
func BuildJobArtifactWildcardSubject() string {
	return JobArtifactAdded + ".*"
}

// BuildChannelMessageSubject creates an outbound message subject for a specific channel
func BuildChannelMessageSubject(channelID string) string {
	return ChannelMessage + "." + channelID
}

// BuildChannelMessageWildcardSubject creates a wildcard subscription for all outbound channel messages
func BuildChannelMessageWildcardSubject() string {
	return ChannelMessage + ".*"
}
