package perimeter

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"hostlink/models"
	"hostlink/ports"
)

// Phase is a step of the inbound transfer state machine.
type Phase string

const (
	PhaseInitialized       Phase = "initialized"
	PhaseReceivingMetadata Phase = "receiving_metadata"
	PhaseReceivingParts    Phase = "receiving_parts"
	PhaseValidating        Phase = "validating"
	PhaseCommitted         Phase = "committed"
	PhaseAborted           Phase = "aborted"
)

var transitions = map[Phase][]Phase{
	PhaseInitialized:       {PhaseReceivingMetadata, PhaseAborted},
	PhaseReceivingMetadata: {PhaseReceivingParts, PhaseAborted},
	PhaseReceivingParts:    {PhaseValidating, PhaseAborted},
	PhaseValidating:        {PhaseCommitted, PhaseAborted},
}

// IncomingTransferState tracks one inbound transfer. It lives for a single
// request and is never visible to drive storage until commit.
type IncomingTransferState struct {
	ID        uuid.UUID
	Sender    models.Identity
	Phase     Phase
	DriveID   uuid.UUID
	InboxOnly bool

	InstructionSet models.EncryptedRecipientTransferInstructionSet
	Metadata       models.FileMetadata
	Parts          []ports.StagedPart
	StagedBytes    int64
	// Verdicts holds the filter result per metadata or part name.
	Verdicts map[string]Verdict

	dir string
}

func newIncomingTransferState(sender models.Identity) *IncomingTransferState {
	return &IncomingTransferState{
		ID:       uuid.New(),
		Sender:   sender,
		Phase:    PhaseInitialized,
		Verdicts: make(map[string]Verdict),
	}
}

// advance moves to the next phase. Terminal phases cannot be left.
func (s *IncomingTransferState) advance(to Phase) error {
	for _, allowed := range transitions[s.Phase] {
		if allowed == to {
			s.Phase = to
			return nil
		}
	}
	return fmt.Errorf("transfer %s: illegal transition %s -> %s", s.ID, s.Phase, to)
}

func (s *IncomingTransferState) abort() {
	if s.Phase != PhaseCommitted {
		s.Phase = PhaseAborted
	}
}

// stagingDir creates the per-transfer directory on first use.
func (s *IncomingTransferState) stagingDir(root string) (string, error) {
	if s.dir != "" {
		return s.dir, nil
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("create staging root: %w", err)
	}
	dir, err := os.MkdirTemp(root, "transfer-"+s.ID.String()+"-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	s.dir = dir
	return dir, nil
}

func (s *IncomingTransferState) hasPart(payloadKey string, width, height int) bool {
	for _, p := range s.Parts {
		if p.PayloadKey == payloadKey && p.Width == width && p.Height == height {
			return true
		}
	}
	return false
}

// missingParts lists the declared parts that were not received.
func (s *IncomingTransferState) missingParts() []string {
	contents := s.InstructionSet.ContentsProvided
	var missing []string
	for _, p := range s.Metadata.Payloads {
		if contents.Has(models.SendContentsPayload) && !s.hasPart(p.Key, 0, 0) {
			missing = append(missing, p.Key)
		}
		if !contents.Has(models.SendContentsThumbnails) {
			continue
		}
		for _, t := range p.Thumbnails {
			if !s.hasPart(p.Key, t.PixelWidth, t.PixelHeight) {
				missing = append(missing, ports.ThumbnailPartName(p.Key, t.PixelWidth, t.PixelHeight))
			}
		}
	}
	return missing
}

func (s *IncomingTransferState) cleanup() {
	if s.dir == "" {
		return
	}
	_ = os.RemoveAll(s.dir)
	s.dir = ""
}

func stagedPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("part-%03d", index))
}
