package prelink

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Dynamic tags reserved from the OS-specific range. The runtime linker
// resolves each value as a virtual address of a NUL-terminated string.
const (
	// DTPatchNeeded points at the patch object's basename.
	DTPatchNeeded = uint64(elf.DT_LOOS) + 10
	// DTPatchSearch points at the directory to search for the patch.
	DTPatchSearch = uint64(elf.DT_LOOS) + 11
	// DTOrigInterp points at the executable's original interpreter path.
	DTOrigInterp = uint64(elf.DT_LOOS) + 12
)

// newDynCount is the number of custom entries appended to the dynamic
// table, not counting the DT_NULL terminator.
const newDynCount = 3

// buildDynamicBlob assembles the bytes of the new segment: the original
// dynamic entries minus their terminator, the three custom entries, a
// fresh terminator, then the three strings. The entry values and the
// string storage order must agree exactly; the runtime linker does no
// searching of its own.
func buildDynamicBlob(plan *NewSegmentPlan, res *scanResult, order binary.ByteOrder,
	searchPath, basename, origInterp string) ([]byte, error) {

	var buf bytes.Buffer
	buf.Grow(int(plan.Filesz))

	buf.Write(res.dynBackup[:res.dynCount*dynEntrySize])

	entries := []elf.Dyn64{
		{Tag: int64(DTPatchSearch), Val: plan.SearchPathAddr},
		{Tag: int64(DTPatchNeeded), Val: plan.BasenameAddr},
		{Tag: int64(DTOrigInterp), Val: plan.OrigInterpAddr},
		{Tag: int64(elf.DT_NULL), Val: 0},
	}
	if err := binary.Write(&buf, order, entries); err != nil {
		return nil, err
	}

	for _, s := range []string{searchPath, basename, origInterp} {
		buf.WriteString(s)
		buf.WriteByte(0)
	}

	return buf.Bytes(), nil
}
