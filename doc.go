// Prelink ELF executables for runtime microcode patching.
//
// The prelinker rewrites a dynamically linked executable so that a
// runtime linker can later locate and apply a patch object to it:
//
//   - Replaces the PT_INTERP path with the path to the runtime linker.
//   - Converts the first PT_NOTE segment into a new PT_LOAD segment.
//   - Relocates PT_DYNAMIC into the new segment and appends three
//     entries: the patch search path, the patch basename, and the
//     original interpreter path.
//
// The runtime linker reads the custom dynamic entries to find the patch
// object and to chain back into the original interpreter. Generating
// relocation data for the external linking step is planned but not
// implemented here.
//
// Limitations:
//   - ELF64 only.
//   - Static executables are rejected.
//   - PT_DYNAMIC must precede PT_NOTE in the program header table.
package prelink
