// The shiva-ld command prelinks an executable for runtime patching.
//
// Usage:
//
//	shiva-ld -e test_bin -p patch1.o -i /lib/shiva -s /opt/shiva/modules -o test_bin_final
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ampatch/prelink"
	"github.com/xyproto/env/v2"
)

var debugTrace = env.Bool("SHIVA_LD_DEBUG")

func usage() {
	prog := os.Args[0]
	fmt.Printf("Usage: %s -e test_bin -p patch1.o -i /lib/shiva -s /opt/shiva/modules -o test_bin_final\n", prog)
	fmt.Println("[-e] --input_exec	Input ELF executable")
	fmt.Println("[-p] --input_patch	Basename of the ELF patch object")
	fmt.Println("[-i] --interp_path	Interpreter path, i.e. \"/lib/shiva\"")
	fmt.Println("[-s] --search_path	Module search path (for the patch object)")
	fmt.Println("[-o] --output_exec	Output executable")
}

func main() {
	ctx := &prelink.Context{}

	flag.StringVar(&ctx.InputExec, "e", "", "input ELF executable")
	flag.StringVar(&ctx.InputExec, "input_exec", "", "input ELF executable")
	flag.StringVar(&ctx.PatchBasename, "p", "", "basename of the patch object")
	flag.StringVar(&ctx.PatchBasename, "input_patch", "", "basename of the patch object")
	flag.StringVar(&ctx.InterpPath, "i", "", "interpreter path to install")
	flag.StringVar(&ctx.InterpPath, "interp_path", "", "interpreter path to install")
	flag.StringVar(&ctx.SearchPath, "s", "", "module search path")
	flag.StringVar(&ctx.SearchPath, "search_path", "", "module search path")
	flag.StringVar(&ctx.OutputExec, "o", "", "output executable")
	flag.StringVar(&ctx.OutputExec, "output_exec", "", "output executable")
	flag.Usage = usage
	flag.Parse()

	if ctx.InputExec == "" || ctx.PatchBasename == "" || ctx.InterpPath == "" ||
		ctx.SearchPath == "" || ctx.OutputExec == "" {
		usage()
		os.Exit(0)
	}

	if _, err := os.Stat(ctx.InputExec); err != nil {
		fmt.Fprintf(os.Stderr, "shiva-ld: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("[+] Input executable: %s\n", ctx.InputExec)
	fmt.Printf("[+] Input search path for patch: %s\n", ctx.SearchPath)
	fmt.Printf("[+] Basename of patch: %s\n", ctx.PatchBasename)
	fmt.Printf("[+] Output executable: %s\n", ctx.OutputExec)

	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "shiva-ld: %v\n", err)
		os.Exit(1)
	}

	if debugTrace {
		fmt.Fprintf(os.Stderr, "[debug] new segment: vaddr=%#x offset=%#x filesz=%#x dyn_size=%#x\n",
			ctx.Plan.Vaddr, ctx.Plan.Offset, ctx.Plan.Filesz, ctx.Plan.DynSize)
		fmt.Fprintf(os.Stderr, "[debug] original interpreter: %s\n", ctx.OrigInterp)
	}
	fmt.Println("Finished.")
}
