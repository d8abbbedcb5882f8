// Command crateobjsync stages compiled crate object files into a
// kernel image's module directory: it scans an input directory of
// freshly built ".o" files, keeps only the latest build of each
// kernel or application crate, copies every third-party object
// unconditionally, and writes the results under the
// "<prefix><crate_name>-<hash>.o" naming convention the runtime's
// crate loader expects. It is the Go counterpart of mkfs.go's
// disk-image-assembly command, staging a module directory instead of
// a bootable disk image, and follows
// copy_latest_crate_objects/src/main.rs's crate classification.
package main

import (
	"flag"
	"fmt"
	"os"

	"build"
)

func main() {
	input := flag.String("input", "", "(required) directory of compiled crate object files")
	output := flag.String("output", "", "(required) directory the selected object files are copied into")
	kernelArg := flag.String("kernel", "", "(required) path to either a directory of kernel crates or a file listing kernel crate names, one per line")
	appArg := flag.String("app", "", "(required) path to either a directory of application crates or a file listing application crate names, one per line")
	flag.Parse()

	if *input == "" || *output == "" || *kernelArg == "" || *appArg == "" {
		fmt.Fprintln(os.Stderr, "Usage: crateobjsync -input DIR -output DIR -kernel PATH -app PATH")
		flag.PrintDefaults()
		os.Exit(1)
	}

	kernelCrates, err := build.LoadCrateSet(*kernelArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crateobjsync: reading kernel crate set: %v\n", err)
		os.Exit(1)
	}
	appCrates, err := build.LoadCrateSet(*appArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crateobjsync: reading app crate set: %v\n", err)
		os.Exit(1)
	}

	report, err := build.Run(build.Config{
		InputDir:     *input,
		OutputDir:    *output,
		KernelCrates: kernelCrates,
		AppCrates:    appCrates,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "crateobjsync: %v\n", err)
		os.Exit(1)
	}

	for _, c := range report.Copies {
		fmt.Printf("%s: %s -> %s\n", c.CrateName, c.SourcePath, c.DestPath)
	}
	fmt.Printf("copied %d object files\n", len(report.Copies))
}
