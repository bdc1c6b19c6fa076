package prelink

import (
	"debug/elf"
	"fmt"
)

// PageSize is the alignment used for the new segment's address and file
// offset. The alignment declared by the input's own headers is ignored;
// a fixed page size keeps the result loadable on every target the
// runtime linker supports.
const PageSize = 4096

func pageAlign(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// NewSegmentPlan describes the loadable segment that replaces the note
// segment. The segment holds the relocated dynamic table followed by
// three NUL-terminated strings: the patch search path, the patch
// basename, and the original interpreter path.
type NewSegmentPlan struct {
	Vaddr  uint64
	Offset uint64
	Filesz uint64
	Memsz  uint64

	// Size and placement of the dynamic table region alone. The strings
	// live inside the segment but past the dynamic segment's declared
	// span; consumers find them through the custom tag values, not
	// through segment bounds.
	DynSize   uint64
	DynOffset uint64

	// Virtual addresses of the three strings, in storage order.
	SearchPathAddr uint64
	BasenameAddr   uint64
	OrigInterpAddr uint64
}

// buildPlan computes the new segment layout from the scan results and
// the three strings that will be stored after the dynamic table.
func buildPlan(im *Image, res *scanResult, searchPath, basename, origInterp string) *NewSegmentPlan {
	plan := &NewSegmentPlan{}

	// Original entries minus DT_NULL, three new entries, one terminator.
	plan.DynSize = uint64(res.dynCount+newDynCount+1) * dynEntrySize

	plan.Offset = pageAlign(im.Size(), PageSize)
	plan.Vaddr = pageAlign(res.lastLoadEnd, PageSize)
	plan.DynOffset = plan.Offset

	plan.SearchPathAddr = plan.Vaddr + plan.DynSize
	plan.BasenameAddr = plan.SearchPathAddr + uint64(len(searchPath)) + 1
	plan.OrigInterpAddr = plan.BasenameAddr + uint64(len(basename)) + 1

	plan.Filesz = plan.DynSize +
		uint64(len(searchPath)) + 1 +
		uint64(len(basename)) + 1 +
		uint64(len(origInterp)) + 1
	plan.Memsz = plan.Filesz

	return plan
}

// applyPlan rewrites the program header table in place: the note entry
// becomes the new PT_LOAD and the dynamic entry is pointed into it.
func applyPlan(im *Image, res *scanResult, plan *NewSegmentPlan) error {
	load := SegmentDescriptor{
		Type: elf.PT_LOAD,
		// RWX keeps the runtime linker's permission handling simple.
		Flags:  elf.PF_R | elf.PF_W | elf.PF_X,
		Offset: plan.Offset,
		Vaddr:  plan.Vaddr,
		Paddr:  plan.Vaddr,
		Filesz: plan.Filesz,
		Memsz:  plan.Memsz,
		Align:  PageSize,
	}
	if err := im.ModifySegment(res.noteIndex, load); err != nil {
		return fmt.Errorf("converting PT_NOTE: %w", err)
	}

	dyn := SegmentDescriptor{
		Type:   elf.PT_DYNAMIC,
		Flags:  elf.PF_R | elf.PF_W,
		Offset: plan.DynOffset,
		Vaddr:  plan.Vaddr,
		Paddr:  plan.Vaddr,
		Filesz: plan.DynSize,
		Memsz:  plan.DynSize,
		Align:  8,
	}
	if err := im.ModifySegment(res.dynIndex, dyn); err != nil {
		return fmt.Errorf("relocating PT_DYNAMIC: %w", err)
	}
	return nil
}

// syncDynamicSection updates the first SHT_DYNAMIC section header to
// match the relocated dynamic segment. A dynamically linked executable
// without one is malformed.
func syncDynamicSection(im *Image, plan *NewSegmentPlan) error {
	for i := 0; i < im.NumSections(); i++ {
		sd := im.Section(i)
		if sd.Type != elf.SHT_DYNAMIC {
			continue
		}
		sd.Offset = plan.DynOffset
		sd.Addr = plan.Vaddr
		sd.Size = plan.DynSize
		if err := im.ModifySection(i, sd); err != nil {
			return fmt.Errorf("updating .dynamic section: %w", err)
		}
		return nil
	}
	return fmt.Errorf("no SHT_DYNAMIC section in %s", im.Path())
}
