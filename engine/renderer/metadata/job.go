package metadata

import "context"

/** @brief Describes a type of job */
type JobType int

const (
	/**
	 * @brief A general job that does not have any specific thread requirements.
	 */
	JOB_TYPE_GENERAL JobType = 0x02
	/**
	 * @brief A resource loading job, typically decoding a file before it is streamed.
	 */
	JOB_TYPE_RESOURCE_LOAD JobType = 0x04
)

/**
 * @brief Describes a job to be run by the job system.
 */
type JobTask struct {
	/** @brief The type of job. */
	JobType JobType
	/** @brief Debug name of the job. */
	Name string
	/** @brief Invoked when the job starts. Required. */
	OnStart func(ctx context.Context) error
	/** @brief Invoked when OnStart succeeds. Optional. */
	OnComplete func()
	/** @brief Invoked when OnStart fails. Optional. */
	OnFailure func(err error)
}

/**
 * @brief Lifecycle of a single upload. States only move forward.
 */
type UploadState int

const (
	/** @brief Enqueued, nothing reserved yet. */
	UploadStatePending UploadState = iota
	/** @brief A staging range has been reserved. */
	UploadStateStagingAcquired
	/** @brief Source bytes are in staging memory. */
	UploadStateCopiedToStaging
	/** @brief The copy was recorded and handed to the copy queue. */
	UploadStateSubmitted
	/** @brief The copy queue signaled completion. Terminal. */
	UploadStateCompleted
)

func (s UploadState) String() string {
	switch s {
	case UploadStatePending:
		return "PENDING"
	case UploadStateStagingAcquired:
		return "STAGING_ACQUIRED"
	case UploadStateCopiedToStaging:
		return "COPIED_TO_STAGING"
	case UploadStateSubmitted:
		return "SUBMITTED"
	case UploadStateCompleted:
		return "COMPLETED"
	}
	return "UNKNOWN"
}
