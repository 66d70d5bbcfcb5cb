package recipe

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnknownPatchTag is returned when a spec applies a patch tag it never declares
var ErrUnknownPatchTag = errors.New("applied patch tag has no declaration")

var (
	// Patch0001: name.patch
	patchDeclRe = regexp.MustCompile(`^Patch(\d+)\s*:\s*(\S+)`)

	// %patch0001 -p1, %patch -P 1 -p1, %patch -P1, %patch 1
	patchApplyRe    = regexp.MustCompile(`^%patch(\d+)(?:\s|$)`)
	patchApplyPRe   = regexp.MustCompile(`^%patch\s+(?:.*\s)?-P\s*(\d+)(?:\s|$)`)
	patchApplyArgRe = regexp.MustCompile(`^%patch\s+(\d+)(?:\s|$)`)

	// %patch and %patch -p1 apply patch 0
	patchApplyBareRe = regexp.MustCompile(`^%patch(?:\s+-.*)?$`)
)

// Spec is the patch metadata of an RPM spec file
type Spec struct {
	// Declared maps a patch tag number to its file name.
	Declared map[int]string
	// Applied lists applied patch tag numbers in application order.
	Applied []int
}

// ParseRPMSpec collects PatchN declarations and %patch applications
func ParseRPMSpec(text string) (*Spec, error) {
	spec := &Spec{Declared: make(map[int]string)}

	for _, raw := range splitLines(text) {
		line := stripComment(raw)

		if m := patchDeclRe.FindStringSubmatch(line); m != nil {
			tag, err := parseTag(m[1])
			if err != nil {
				return nil, err
			}
			spec.Declared[tag] = m[2]
			continue
		}

		if !strings.HasPrefix(line, "%patch") {
			continue
		}
		var m []string
		for _, re := range []*regexp.Regexp{patchApplyRe, patchApplyPRe, patchApplyArgRe} {
			if m = re.FindStringSubmatch(line); m != nil {
				break
			}
		}
		if m == nil {
			if patchApplyBareRe.MatchString(line) {
				spec.Applied = append(spec.Applied, 0)
				continue
			}
			return nil, fmt.Errorf("cannot determine patch tag in %q", line)
		}
		tag, err := parseTag(m[1])
		if err != nil {
			return nil, err
		}
		spec.Applied = append(spec.Applied, tag)
	}

	return spec, nil
}

// Patches resolves applied tags to file names in application order
func (s *Spec) Patches() ([]string, error) {
	patches := make([]string, 0, len(s.Applied))
	for _, tag := range s.Applied {
		name, ok := s.Declared[tag]
		if !ok {
			return nil, fmt.Errorf("%w: %04d", ErrUnknownPatchTag, tag)
		}
		patches = append(patches, name)
	}
	return patches, nil
}

// ResolveRPMSpec parses a spec and returns its applied patch files in order
func ResolveRPMSpec(text string) ([]string, error) {
	spec, err := ParseRPMSpec(text)
	if err != nil {
		return nil, err
	}
	return spec.Patches()
}

func parseTag(s string) (int, error) {
	tag, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid patch tag %q: %w", s, err)
	}
	return tag, nil
}
