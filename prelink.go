package prelink

import (
	"errors"
	"fmt"
)

var (
	// ErrStructure reports a program header layout the prelinker cannot
	// work with: a missing PT_DYNAMIC or PT_NOTE segment, or a PT_NOTE
	// that precedes PT_DYNAMIC.
	ErrStructure = errors.New("unexpected segment layout")

	// ErrCapacity reports an interpreter path longer than the existing
	// PT_INTERP string storage. Growing that storage would need further
	// segment surgery the prelinker does not perform.
	ErrCapacity = errors.New("interpreter path does not fit")

	// ErrStaticExec reports an input without dynamic linking metadata.
	ErrStaticExec = errors.New("static executables are not supported")
)

// Context carries the configuration for one prelink run plus the state
// derived along the way. It is passed explicitly through every stage;
// there is no process-wide state.
type Context struct {
	// InputExec is the dynamically linked executable to rewrite.
	InputExec string
	// PatchBasename is the file name of the patch object the runtime
	// linker should load, e.g. "amp_patch1.o".
	PatchBasename string
	// SearchPath is the directory the runtime linker searches for the
	// patch object.
	SearchPath string
	// InterpPath replaces the executable's interpreter path.
	InterpPath string
	// OutputExec is where the rewritten executable is placed.
	OutputExec string

	// OrigInterp is the input's interpreter path, captured before any
	// modification. It is stored in the new segment so the runtime
	// linker can chain into the original interpreter.
	OrigInterp string

	// Plan is the computed layout of the new segment.
	Plan *NewSegmentPlan
}

// Run performs the full prelink: scan, plan, rewrite, patch. The input
// file is never modified; the output appears atomically at
// ctx.OutputExec. Any error aborts the run.
func (ctx *Context) Run() error {
	im, err := OpenImage(ctx.InputExec)
	if err != nil {
		return err
	}

	if !im.IsDynamic() {
		return fmt.Errorf("%w: %s has no PT_DYNAMIC segment", ErrStaticExec, ctx.InputExec)
	}
	origInterp, _, err := im.InterpPath()
	if err != nil {
		return err
	}
	ctx.OrigInterp = origInterp

	// The interpreter patch happens after the rename, so a capacity
	// failure there would leave a broken file at the output path.
	// Validate up front instead.
	if len(ctx.InterpPath) > len(origInterp) {
		return fmt.Errorf("%w: PT_INTERP holds %d bytes, %q needs %d",
			ErrCapacity, len(origInterp), ctx.InterpPath, len(ctx.InterpPath))
	}

	res, err := scanSegments(im)
	if err != nil {
		return err
	}

	ctx.Plan = buildPlan(im, res, ctx.SearchPath, ctx.PatchBasename, origInterp)
	if err := applyPlan(im, res, ctx.Plan); err != nil {
		return err
	}
	if err := syncDynamicSection(im, ctx.Plan); err != nil {
		return err
	}

	blob, err := buildDynamicBlob(ctx.Plan, res, im.ByteOrder(),
		ctx.SearchPath, ctx.PatchBasename, origInterp)
	if err != nil {
		return err
	}

	if err := rewriteImage(im, ctx.Plan, blob, ctx.OutputExec); err != nil {
		return err
	}

	return stampAndPatchInterp(ctx.OutputExec, ctx.InterpPath)
}
