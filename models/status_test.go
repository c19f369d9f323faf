package models

import "testing"

func TestOutcomeFromResponseStatusTable(t *testing.T) {
	cases := []struct {
		code      PeerResponseCode
		success   bool
		retryable bool
		status    TransferStatus
	}{
		{PeerResponseAcceptedDirectWrite, true, false, TransferStatusDeliveredToTargetDrive},
		{PeerResponseAcceptedIntoInbox, true, false, TransferStatusDeliveredToInbox},
		{PeerResponseRejected, false, false, TransferStatusTotalRejectionClientShouldRetry},
		{PeerResponseQuarantinedPayload, false, false, TransferStatusTotalRejectionClientShouldRetry},
		{PeerResponseQuarantinedSenderNotConnected, false, false, TransferStatusTotalRejectionClientShouldRetry},
		{PeerResponseAccessDenied, false, false, TransferStatusRecipientReturnedAccessDenied},
		{PeerResponseCode("Bogus"), false, true, TransferStatusRecipientServerError},
	}

	for _, tc := range cases {
		outcome := OutcomeFromResponse("sam.example", PeerResponse{Code: tc.code})
		if outcome.Success != tc.success {
			t.Fatalf("%s: expected success=%v, got %v", tc.code, tc.success, outcome.Success)
		}
		if outcome.Retryable != tc.retryable {
			t.Fatalf("%s: expected retryable=%v, got %v", tc.code, tc.retryable, outcome.Retryable)
		}
		if got := outcome.Status(); got != tc.status {
			t.Fatalf("%s: expected status %s, got %s", tc.code, tc.status, got)
		}
	}
}

func TestLocalFailureRetryability(t *testing.T) {
	if LocalFailure("sam.example", FailureVersionTagMismatch, "").Retryable {
		t.Fatalf("expected version tag mismatch to be terminal")
	}
	if !LocalFailure("sam.example", FailureEncryptedInstructionSetMissing, "").Retryable {
		t.Fatalf("expected missing instruction set to be retryable")
	}
	if got := TransportFailure("sam.example", "timeout").Status(); got != TransferStatusRecipientServerError {
		t.Fatalf("unexpected transport failure status %s", got)
	}
}
