// Package main implements an import restriction linter.
//
// Local managers deploy onto gateway hosts with no database and no payment
// rails, and the Go SDK promises zero external dependencies. This tool
// scans both and fails if either promise is broken.
//
// Usage:
//
//	go run tools/depcheck/main.go [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// edgeDirs are the packages linked into the LM binary. None of them may
// import the control plane.
var edgeDirs = []string{
	"pkg/lm",
	"pkg/vault",
	"pkg/fieldcipher",
	"pkg/clock",
	"pkg/web",
	"pkg/fault",
	"pkg/version",
}

// Forbidden import path fragments for edge packages. Any non-test Go file
// under an edge directory that imports one of these drags the control
// plane onto gateway hosts.
var forbiddenFragments = []string{
	"pkg/store",
	"pkg/billing",
	"pkg/payment",
	"pkg/api",
	"pkg/gm",
	"database/sql",
	"github.com/lib/pq",
	"modernc.org/sqlite",
	"github.com/stripe",
	"github.com/redis",
}

// sdkDir holds the client SDK, which must stay standard-library only.
const (
	sdkDir    = "sdk/go"
	sdkModule = "github.com/mario4tier/suiftly-co-sub006/sdk/go"
)

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()

	fset := token.NewFileSet()
	violations := 0

	for _, dir := range edgeDirs {
		n, err := scanDir(fset, *root, dir, edgeCheck)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: scan %s: %v\n", dir, err)
			os.Exit(1)
		}
		violations += n
	}

	n, err := scanDir(fset, *root, sdkDir, sdkCheck)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: scan %s: %v\n", sdkDir, err)
		os.Exit(1)
	}
	violations += n

	if violations > 0 {
		fmt.Printf("\n❌ %d import violation(s) found\n", violations)
		os.Exit(1)
	}

	fmt.Println("✅ import check passed: edge packages link no control plane, SDK is stdlib-only")
}

// edgeCheck flags control-plane imports in LM-linked packages.
func edgeCheck(importPath string) (string, bool) {
	for _, frag := range forbiddenFragments {
		if strings.Contains(importPath, frag) {
			return fmt.Sprintf("forbidden fragment %q", frag), true
		}
	}
	return "", false
}

// sdkCheck flags anything outside the standard library and the SDK module
// itself. Stdlib import paths have no dot in their first segment.
func sdkCheck(importPath string) (string, bool) {
	if strings.HasPrefix(importPath, sdkModule) {
		return "", false
	}
	first := importPath
	if i := strings.Index(importPath, "/"); i >= 0 {
		first = importPath[:i]
	}
	if strings.Contains(first, ".") {
		return "external dependency in zero-dep SDK", true
	}
	return "", false
}

// scanDir parses every non-test Go file under root/dir and counts the
// imports that check flags.
func scanDir(fset *token.FileSet, root, dir string, check func(string) (string, bool)) (int, error) {
	base := filepath.Join(root, dir)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return 0, fmt.Errorf("%s does not exist", base)
	}

	violations := 0
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == "vendor" || info.Name() == "testdata" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		f, parseErr := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if parseErr != nil {
			fmt.Fprintf(os.Stderr, "WARN: parse error in %s: %v\n", path, parseErr)
			return nil
		}

		for _, imp := range f.Imports {
			importPath := strings.Trim(imp.Path.Value, `"`)
			if reason, bad := check(importPath); bad {
				pos := fset.Position(imp.Pos())
				relPath, _ := filepath.Rel(root, pos.Filename)
				fmt.Printf("VIOLATION: %s:%d imports %q (%s)\n", relPath, pos.Line, importPath, reason)
				violations++
			}
		}
		return nil
	})
	return violations, err
}
