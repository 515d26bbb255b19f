package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/srediag/atomic64/pkg/atomic64"
	"github.com/srediag/atomic64/pkg/device"
)

var ErrUnresolvedLibrary = errors.New("dispatch: required library not found")

// Thread is what a kernel sees of its invocation.
type Thread struct {
	ctx       context.Context
	Workgroup uint32
	// Index is the thread's position inside its workgroup.
	Index uint32
	// Global is the thread's position in the whole grid.
	Global uint32
	// Scratch is shared by the threads of one workgroup. Nil when the
	// pipeline requests no scratch memory.
	Scratch *atomic64.Scratch
}

// Context is cancelled when the command buffer is aborted.
func (th *Thread) Context() context.Context { return th.ctx }

// Kernel is the body every thread of a dispatch runs.
type Kernel func(th *Thread)

// Grid sizes a dispatch.
type Grid struct {
	Workgroups          uint32
	ThreadsPerWorkgroup uint32
}

func (g Grid) threads() uint32 { return g.Workgroups * g.ThreadsPerWorkgroup }

// PipelineDescriptor describes a compute pipeline.
type PipelineDescriptor struct {
	Label  string
	Kernel Kernel
	// Libraries are preloaded into the pipeline.
	Libraries []device.DynamicLibrary
	// SearchPaths are the directories consulted for libraries that are
	// required but not preloaded.
	SearchPaths []string
	// ScratchSize is the bytes of workgroup scratch memory.
	ScratchSize int
}

// Pipeline is a kernel whose library dependencies have all been resolved.
type Pipeline struct {
	dev         *device.Device
	label       string
	kernel      Kernel
	libraries   []device.DynamicLibrary
	resolved    map[string]string
	scratchSize int
}

type dependent interface {
	Dependencies() []string
}

// NewPipeline resolves desc on dev. Every install name a preloaded library
// depends on must be either preloaded too, or installed as a manifest in one
// of the search paths.
func NewPipeline(dev *device.Device, desc PipelineDescriptor) (*Pipeline, error) {
	if desc.Kernel == nil {
		return nil, errors.New("dispatch: pipeline without kernel")
	}
	if desc.ScratchSize < 0 || desc.ScratchSize%8 != 0 {
		return nil, fmt.Errorf("dispatch: scratch size %d is not a multiple of 8", desc.ScratchSize)
	}
	p := &Pipeline{
		dev:         dev,
		label:       desc.Label,
		kernel:      desc.Kernel,
		libraries:   append([]device.DynamicLibrary(nil), desc.Libraries...),
		resolved:    make(map[string]string),
		scratchSize: desc.ScratchSize,
	}
	for _, lib := range desc.Libraries {
		if lib.Device() != dev {
			return nil, fmt.Errorf("%w: library %s", device.ErrForeignResource, lib.InstallName())
		}
		p.resolved[lib.InstallName()] = "preloaded"
	}
	for _, lib := range desc.Libraries {
		d, ok := lib.(dependent)
		if !ok {
			continue
		}
		for _, name := range d.Dependencies() {
			if _, ok := p.resolved[name]; ok {
				continue
			}
			path, err := locate(dev, name, desc.SearchPaths)
			if err != nil {
				return nil, fmt.Errorf("%w: %s needs %s: %w", ErrUnresolvedLibrary, lib.InstallName(), name, err)
			}
			p.resolved[name] = path
		}
	}
	return p, nil
}

func locate(dev *device.Device, installName string, searchPaths []string) (string, error) {
	if len(searchPaths) == 0 {
		return "", errors.New("no search paths")
	}
	var errs []error
	for _, dir := range searchPaths {
		path := filepath.Join(dir, device.FileName(installName))
		m, err := device.ReadManifest(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if m.InstallName != installName {
			errs = append(errs, fmt.Errorf("%s: install name %s", path, m.InstallName))
			continue
		}
		if m.Device != dev.Name() {
			errs = append(errs, fmt.Errorf("%s: built for device %s", path, m.Device))
			continue
		}
		return path, nil
	}
	if len(errs) == 0 {
		return "", os.ErrNotExist
	}
	return "", errors.Join(errs...)
}

func (p *Pipeline) Label() string { return p.label }

// Resolved maps every library install name to "preloaded" or the manifest it was found in.
func (p *Pipeline) Resolved() map[string]string {
	out := make(map[string]string, len(p.resolved))
	for k, v := range p.resolved {
		out[k] = v
	}
	return out
}
