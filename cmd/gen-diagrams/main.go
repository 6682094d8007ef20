// gen-diagrams renders the shipped example workflows as Mermaid and PNG
// diagrams under docs/assets. Run from the repo root: go run ./cmd/gen-diagrams
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stepflow-io/stepflow/internal/diagram"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

func main() {
	docs, err := filepath.Glob(filepath.Join("examples", "*", "workflow.json"))
	if err != nil || len(docs) == 0 {
		fmt.Fprintln(os.Stderr, "no example workflows found; run from the repo root")
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	failed := false
	for _, path := range docs {
		if err := render(path, outDir); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func render(path, outDir string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var def flow.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	model, err := diagram.Build(&def, nil)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	mermaid := diagram.RenderMermaid(model)
	mmdPath := filepath.Join(outDir, def.ID+".md")
	if err := os.WriteFile(mmdPath, []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644); err != nil {
		return err
	}
	fmt.Printf("%s -> %s\n", path, mmdPath)

	// PNG rendering needs the graphviz cgo backend; treat failures as
	// non-fatal so the tool still works in minimal build environments.
	png, err := diagram.RenderImage(model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: png skipped: %v\n", path, err)
		return nil
	}
	pngPath := filepath.Join(outDir, def.ID+".png")
	if err := os.WriteFile(pngPath, png, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s -> %s (%d bytes)\n", path, pngPath, len(png))
	return nil
}
