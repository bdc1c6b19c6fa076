package prelink

import (
	"debug/elf"
	"fmt"
	"os"
)

// Signature is stamped into the e_ident padding bytes of a processed
// executable so tooling can detect one without parsing the dynamic
// table.
const Signature uint32 = 0x31f64

// stampAndPatchInterp reopens the rewritten output, stamps the detection
// marker into the identification padding, and overwrites the PT_INTERP
// string with interpPath.
//
// The replacement is in place: interpPath must fit within the original
// string's storage. Prelink validates that before the rewrite, so a
// capacity failure here means the output was modified behind our back.
func stampAndPatchInterp(outputPath, interpPath string) error {
	im, err := OpenImage(outputPath)
	if err != nil {
		return fmt.Errorf("reopening output: %w", err)
	}
	oldPath, off, err := im.InterpPath()
	if err != nil {
		return fmt.Errorf("reopening output: %w", err)
	}
	order := im.ByteOrder()
	im.Close()

	if len(interpPath) > len(oldPath) {
		return fmt.Errorf("%w: PT_INTERP holds %d bytes, %q needs %d",
			ErrCapacity, len(oldPath), interpPath, len(interpPath))
	}

	f, err := os.OpenFile(outputPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}

	var sig [4]byte
	order.PutUint32(sig[:], Signature)
	if _, err := f.WriteAt(sig[:], int64(elf.EI_PAD)); err != nil {
		f.Close()
		return fmt.Errorf("stamping signature: %w", err)
	}
	if _, err := f.WriteAt(append([]byte(interpPath), 0), int64(off)); err != nil {
		f.Close()
		return fmt.Errorf("patching interpreter path: %w", err)
	}
	return f.Close()
}
