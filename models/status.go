package models

// TransferStatus is the per-recipient result reported to callers.
type TransferStatus string

const (
	TransferStatusTransferKeyCreated                      TransferStatus = "TransferKeyCreated"
	TransferStatusAwaitingTransferKey                     TransferStatus = "AwaitingTransferKey"
	TransferStatusDeliveredToTargetDrive                  TransferStatus = "DeliveredToTargetDrive"
	TransferStatusDeliveredToInbox                        TransferStatus = "DeliveredToInbox"
	TransferStatusTotalRejectionClientShouldRetry         TransferStatus = "TotalRejectionClientShouldRetry"
	TransferStatusRecipientReturnedAccessDenied           TransferStatus = "RecipientReturnedAccessDenied"
	TransferStatusRecipientServerError                    TransferStatus = "RecipientServerError"
	TransferStatusFileDoesNotAllowDistribution            TransferStatus = "FileDoesNotAllowDistribution"
	TransferStatusRecipientDoesNotHavePermissionToFileAcl TransferStatus = "RecipientDoesNotHavePermissionToFileAcl"
	TransferStatusSourceFileDoesNotExist                  TransferStatus = "SourceFileDoesNotExist"
	TransferStatusVersionTagMismatch                      TransferStatus = "VersionTagMismatch"
	TransferStatusInvalidRecipient                        TransferStatus = "InvalidRecipient"
	TransferStatusPendingRetry                            TransferStatus = "PendingRetry"
	TransferStatusPersistentFailure                       TransferStatus = "PersistentFailure"
)

// FailureReason is why an attempt did not succeed.
type FailureReason string

const (
	FailureNone                                 FailureReason = ""
	FailureInvalidRecipient                     FailureReason = "InvalidRecipient"
	FailureRecipientKeyUnresolved               FailureReason = "RecipientKeyUnresolved"
	FailureFileDoesNotAllowDistribution         FailureReason = "FileDoesNotAllowDistribution"
	FailureRecipientDoesNotHavePermissionToFile FailureReason = "RecipientDoesNotHavePermissionToFileAcl"
	FailureSourceFileDoesNotExist               FailureReason = "SourceFileDoesNotExist"
	FailureVersionTagMismatch                   FailureReason = "VersionTagMismatch"
	FailureEncryptedInstructionSetMissing       FailureReason = "EncryptedInstructionSetMissing"
	FailureTotalRejectionClientShouldRetry      FailureReason = "TotalRejectionClientShouldRetry"
	FailureRecipientReturnedAccessDenied        FailureReason = "RecipientReturnedAccessDenied"
	FailureRecipientServerError                 FailureReason = "RecipientServerError"
	FailureUnknown                              FailureReason = "Unknown"
)

// Retryable reports whether the outbox should try again after this reason.
func (r FailureReason) Retryable() bool {
	switch r {
	case FailureRecipientServerError, FailureEncryptedInstructionSetMissing, FailureRecipientKeyUnresolved, FailureUnknown:
		return true
	default:
		return false
	}
}

// DeliveryOutcome is the result of one attempt for one recipient.
type DeliveryOutcome struct {
	Recipient    Identity
	Success      bool
	ResponseCode PeerResponseCode
	Reason       FailureReason
	Retryable    bool
	Detail       string
}

// Status maps the outcome onto the caller-facing status table.
func (o DeliveryOutcome) Status() TransferStatus {
	if o.Success {
		if o.ResponseCode == PeerResponseAcceptedIntoInbox {
			return TransferStatusDeliveredToInbox
		}
		return TransferStatusDeliveredToTargetDrive
	}

	switch o.Reason {
	case FailureInvalidRecipient:
		return TransferStatusInvalidRecipient
	case FailureRecipientKeyUnresolved:
		return TransferStatusAwaitingTransferKey
	case FailureFileDoesNotAllowDistribution:
		return TransferStatusFileDoesNotAllowDistribution
	case FailureRecipientDoesNotHavePermissionToFile:
		return TransferStatusRecipientDoesNotHavePermissionToFileAcl
	case FailureSourceFileDoesNotExist:
		return TransferStatusSourceFileDoesNotExist
	case FailureVersionTagMismatch:
		return TransferStatusVersionTagMismatch
	case FailureTotalRejectionClientShouldRetry:
		return TransferStatusTotalRejectionClientShouldRetry
	case FailureRecipientReturnedAccessDenied:
		return TransferStatusRecipientReturnedAccessDenied
	case FailureEncryptedInstructionSetMissing:
		return TransferStatusPendingRetry
	default:
		return TransferStatusRecipientServerError
	}
}

// OutcomeFromResponse classifies a 2xx perimeter response.
func OutcomeFromResponse(recipient Identity, resp PeerResponse) DeliveryOutcome {
	outcome := DeliveryOutcome{Recipient: recipient, ResponseCode: resp.Code, Detail: resp.Message}
	switch resp.Code {
	case PeerResponseAcceptedDirectWrite, PeerResponseAcceptedIntoInbox:
		outcome.Success = true
	case PeerResponseRejected, PeerResponseQuarantinedPayload, PeerResponseQuarantinedSenderNotConnected:
		outcome.Reason = FailureTotalRejectionClientShouldRetry
	case PeerResponseAccessDenied:
		outcome.Reason = FailureRecipientReturnedAccessDenied
	default:
		outcome.Reason = FailureRecipientServerError
		outcome.Retryable = true
	}
	return outcome
}

// LocalFailure builds an outcome for a failure detected before any network call.
func LocalFailure(recipient Identity, reason FailureReason, detail string) DeliveryOutcome {
	return DeliveryOutcome{
		Recipient: recipient,
		Reason:    reason,
		Retryable: reason.Retryable(),
		Detail:    detail,
	}
}

// TransportFailure builds an outcome for a timeout, connection error or non-2xx reply.
func TransportFailure(recipient Identity, detail string) DeliveryOutcome {
	return DeliveryOutcome{
		Recipient: recipient,
		Reason:    FailureRecipientServerError,
		Retryable: true,
		Detail:    detail,
	}
}
