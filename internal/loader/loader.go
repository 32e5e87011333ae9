// Package loader parses pipeline definition files into the model and
// validates everything that can be checked before a run exists: block
// structure, name uniqueness, `needs` references, cycle freedom and
// timeout syntax.
package loader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/gridci/internal/dag"
	"github.com/vk/gridci/internal/model"
)

// root is the top-level HCL document shape.
type root struct {
	Pipelines []*model.Pipeline `hcl:"pipeline,block"`
}

// Load reads a pipeline from a single .hcl file or from every .hcl file
// under a directory. Exactly one pipeline block must result.
func Load(path string) (*model.Pipeline, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat pipeline path: %w", err)
	}

	var paths []string
	if info.IsDir() {
		paths, err = findHCLFiles(path)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no .hcl files found under %q", path)
		}
	} else {
		paths = []string{path}
	}

	parser := hclparse.NewParser()
	var files []*hcl.File
	for _, p := range paths {
		file, diags := parser.ParseHCLFile(p)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parse %q: %w", p, diags)
		}
		files = append(files, file)
	}

	var doc root
	if diags := gohcl.DecodeBody(hcl.MergeFiles(files), nil, &doc); diags.HasErrors() {
		return nil, fmt.Errorf("decode pipeline: %w", diags)
	}

	switch len(doc.Pipelines) {
	case 0:
		return nil, fmt.Errorf("no pipeline block found in %q", path)
	case 1:
	default:
		return nil, fmt.Errorf("expected exactly one pipeline block, found %d", len(doc.Pipelines))
	}

	pipeline := doc.Pipelines[0]
	if err := Validate(pipeline); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// Parse decodes a pipeline from in-memory HCL source. Used by tests and
// the HTTP surface.
func Parse(src []byte, filename string) (*model.Pipeline, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %q: %w", filename, diags)
	}

	var doc root
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, fmt.Errorf("decode pipeline: %w", diags)
	}
	if len(doc.Pipelines) != 1 {
		return nil, fmt.Errorf("expected exactly one pipeline block, found %d", len(doc.Pipelines))
	}

	pipeline := doc.Pipelines[0]
	if err := Validate(pipeline); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// Validate checks pipeline-level invariants. The needs graph is built and
// cycle-checked here so an invalid pipeline is rejected before any
// execution starts.
func Validate(p *model.Pipeline) error {
	if len(p.Jobs) == 0 {
		return fmt.Errorf("pipeline %q declares no jobs", p.Name)
	}

	needs := make(map[string][]string, len(p.Jobs))
	for _, job := range p.Jobs {
		if _, dup := needs[job.Name]; dup {
			return fmt.Errorf("duplicate job name %q", job.Name)
		}
		needs[job.Name] = job.Needs

		if err := validateJob(job); err != nil {
			return err
		}
	}

	if _, err := dag.Build(needs); err != nil {
		return err
	}
	return nil
}

func validateJob(job *model.Job) error {
	if len(job.Steps) == 0 {
		return fmt.Errorf("job %q declares no steps", job.Name)
	}
	if err := checkDuration(job.Timeout); err != nil {
		return fmt.Errorf("job %q: %w", job.Name, err)
	}

	stepNames := make(map[string]bool, len(job.Steps))
	for _, step := range job.Steps {
		if stepNames[step.Name] {
			return fmt.Errorf("job %q: duplicate step name %q", job.Name, step.Name)
		}
		stepNames[step.Name] = true
		if err := checkDuration(step.Timeout); err != nil {
			return fmt.Errorf("job %q step %q: %w", job.Name, step.Name, err)
		}
	}

	outputNames := make(map[string]bool, len(job.Outputs))
	for _, out := range job.Outputs {
		if outputNames[out.Name] {
			return fmt.Errorf("job %q: duplicate output name %q", job.Name, out.Name)
		}
		outputNames[out.Name] = true
	}
	return nil
}

func checkDuration(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	return nil
}

// findHCLFiles walks a directory collecting .hcl files in sorted order so
// merged documents are deterministic.
func findHCLFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".hcl" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %q for pipeline files: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}
