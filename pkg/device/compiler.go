package device

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/srediag/atomic64/internal/logging"
)

// OptimizationLevel selects the compiler's optimisation goal.
type OptimizationLevel int

const (
	OptimizeDefault OptimizationLevel = iota
	OptimizeSize
)

// DynamicLibrary is a loadable library whose exported symbols other code can link against.
type DynamicLibrary interface {
	Device() *Device
	InstallName() string
	Symbols() []string
}

// CompileOptions controls a runtime compilation.
type CompileOptions struct {
	// Libraries are linked against; every extern symbol must resolve to one of them.
	Libraries []DynamicLibrary
	// Macros are predefined before preprocessing.
	Macros       map[string]uint64
	Optimization OptimizationLevel
	// InstallName is where loaders look the resulting library up, relative to @loader_path.
	InstallName string
}

// Image is a dynamic library produced by Compile.
type Image struct {
	device       *Device
	installName  string
	macros       map[string]uint64
	functions    []string
	externs      []string
	dependencies []string
	digest       string
	optimization OptimizationLevel
}

func (i *Image) Device() *Device { return i.device }

func (i *Image) InstallName() string { return i.installName }

// Symbols returns the exported function names.
func (i *Image) Symbols() []string { return append([]string(nil), i.functions...) }

// Externs returns the symbols resolved from linked libraries.
func (i *Image) Externs() []string { return append([]string(nil), i.externs...) }

// Dependencies returns the install names of linked libraries.
func (i *Image) Dependencies() []string { return append([]string(nil), i.dependencies...) }

// Macro returns the value a macro had when the image was compiled.
func (i *Image) Macro(name string) (uint64, bool) {
	v, ok := i.macros[name]
	return v, ok
}

// Digest identifies the preprocessed source.
func (i *Image) Digest() string { return i.digest }

func (i *Image) Optimization() OptimizationLevel { return i.optimization }

var (
	exportPattern = regexp.MustCompile(`^\s*EXPORT\s+[\w\s\*:<>&]+?\b(\w+)\s*\(`)
	externPattern = regexp.MustCompile(`^\s*extern\s+[\w\s\*:<>&]+?\b(\w+)\s*\(`)
	definedIf     = regexp.MustCompile(`^defined\s*\(\s*(\w+)\s*\)$`)
)

// Compile preprocesses and links source into a dynamic library image.
//
// The preprocessor understands #define, #ifdef, #ifndef, #if defined(X),
// #else, #endif and #error. Exported functions are declared with the EXPORT
// marker and imported ones with extern.
func (d *Device) Compile(ctx context.Context, source string, opts CompileOptions) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	macros := make(map[string]uint64, len(opts.Macros))
	for k, v := range opts.Macros {
		macros[k] = v
	}

	var (
		active    = []bool{true}
		functions []string
		externs   []string
		body      strings.Builder
		lineNo    int
	)
	isActive := func() bool { return active[len(active)-1] }

	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			directive, arg, _ := strings.Cut(strings.TrimSpace(trimmed[1:]), " ")
			arg = strings.TrimSpace(arg)
			switch directive {
			case "define":
				if !isActive() {
					continue
				}
				name, value, _ := strings.Cut(arg, " ")
				if name == "" {
					return nil, fmt.Errorf("%w: line %d: #define without a name", ErrCompile, lineNo)
				}
				if _, ok := macros[name]; ok {
					continue
				}
				v, _ := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
				macros[name] = v
			case "ifdef", "ifndef", "if":
				name := arg
				if directive == "if" {
					m := definedIf.FindStringSubmatch(arg)
					if m == nil {
						return nil, fmt.Errorf("%w: line %d: unsupported #if %q", ErrCompile, lineNo, arg)
					}
					name = m[1]
				}
				_, defined := macros[name]
				cond := defined
				if directive == "ifndef" {
					cond = !defined
				}
				active = append(active, isActive() && cond)
			case "else":
				if len(active) == 1 {
					return nil, fmt.Errorf("%w: line %d: #else without #if", ErrCompile, lineNo)
				}
				parent := active[len(active)-2]
				active[len(active)-1] = parent && !active[len(active)-1]
			case "endif":
				if len(active) == 1 {
					return nil, fmt.Errorf("%w: line %d: #endif without #if", ErrCompile, lineNo)
				}
				active = active[:len(active)-1]
			case "error":
				if isActive() {
					return nil, fmt.Errorf("%w: line %d: %s", ErrCompile, lineNo, arg)
				}
			}
			continue
		}
		if !isActive() {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
		if m := exportPattern.FindStringSubmatch(line); m != nil {
			functions = appendUnique(functions, m[1])
		} else if m := externPattern.FindStringSubmatch(line); m != nil {
			externs = appendUnique(externs, m[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	if len(active) != 1 {
		return nil, fmt.Errorf("%w: unterminated conditional", ErrCompile)
	}

	provided := make(map[string]bool)
	deps := make([]string, 0, len(opts.Libraries))
	for _, lib := range opts.Libraries {
		if lib.Device() != d {
			return nil, fmt.Errorf("%w: library %s", ErrForeignResource, lib.InstallName())
		}
		for _, sym := range lib.Symbols() {
			provided[sym] = true
		}
		deps = append(deps, lib.InstallName())
	}
	for _, sym := range externs {
		if !provided[sym] {
			return nil, fmt.Errorf("%w: undefined symbol %q", ErrLink, sym)
		}
	}

	names := make([]string, 0, len(macros))
	for name := range macros {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	h.Write([]byte(body.String()))
	for _, name := range names {
		fmt.Fprintf(h, "%s=%d\n", name, macros[name])
	}
	sum := h.Sum(nil)
	sort.Strings(functions)
	img := &Image{
		device:       d,
		installName:  opts.InstallName,
		macros:       macros,
		functions:    functions,
		externs:      externs,
		dependencies: deps,
		digest:       hex.EncodeToString(sum[:16]),
		optimization: opts.Optimization,
	}
	logging.Internal.Debugf("device %s: compiled %s, %d functions, digest %s",
		d.config.Name, opts.InstallName, len(functions), img.digest)
	return img, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
