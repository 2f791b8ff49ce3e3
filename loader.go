package jstime

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// Loader resolves a module specifier against a base directory and returns
// executable script source plus an origin label for stack traces. The host
// does not inspect how a Loader resolves specifiers.
type Loader interface {
	Load(baseDir, specifier string) (source, origin string, err error)
}

// FileLoader loads modules from the filesystem. Plain scripts are returned
// as-is; files using ES module syntax are bundled with esbuild so the whole
// import graph collapses into one unit the global context can evaluate.
type FileLoader struct{}

var reModuleSyntax = regexp.MustCompile(`(?m)^\s*(import[\s("']|export\s)`)

func (FileLoader) Load(baseDir, specifier string) (string, string, error) {
	path := specifier
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, specifier)
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading %s: %w", specifier, err)
	}
	if !reModuleSyntax.Match(src) {
		return string(src), specifier, nil
	}

	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{path},
		AbsWorkingDir: filepath.Dir(path),
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		Write:         false,
		Platform:      esbuild.PlatformNeutral,
		Target:        esbuild.ES2022,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", "", fmt.Errorf("bundling %s: %s", specifier, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", "", fmt.Errorf("bundling %s: esbuild produced no output", specifier)
	}
	return string(result.OutputFiles[0].Contents), specifier, nil
}
