package crypto

import (
	"encoding/pem"
	"fmt"
	"os"
)

func readPEMBlock(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", blockType, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", blockType)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", blockType, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid size %d", blockType, len(block.Bytes))
	}

	return block.Bytes, nil
}

func writePEMBlock(path, blockType string, data []byte, perm os.FileMode) error {
	block := &pem.Block{Type: blockType, Bytes: data}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", blockType, err)
	}
	return nil
}
