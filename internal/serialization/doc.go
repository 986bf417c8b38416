// Package serialization provides the native .born format and SafeTensors export for models.
//
// The .born format is a simple binary container with an integrity checksum:
//
//	Format Structure:
//	  [0x00-0x03: Magic "BORN"]
//	  [0x04-0x07: Version (uint32 LE, 2)]
//	  [0x08-0x0B: Flags (uint32 LE)]
//	  [0x0C-0x0F: Reserved]
//	  [0x10-0x17: Header size (uint64 LE)]
//	  [0x18-0x1F: Data size (uint64 LE)]
//	  [0x20-0x3F: SHA-256 of the data section]
//	  [Header: JSON metadata]
//	  [Tensor data: raw bytes, 64-byte aligned, tensors in name order]
//
// Any value exposing a state dictionary can be saved with SaveObject; values that also
// describe their model type, metadata or training state have those recorded in the header.
//
// Example usage:
//
//	if err := serialization.SaveObject(model, "model.born"); err != nil {
//	    return err
//	}
//
//	stateDict, header, err := serialization.ReadFile("model.born")
package serialization
