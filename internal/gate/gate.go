// Package gate enforces the minimum ship level: a candidate version below the
// configured baseline may not be activated.
package gate

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"

	"bmc-flashd/internal/firmware"
)

// DefaultPattern extracts major, minor and revision from strings such as
// "2.14.0-dev" or "fw-v3.1.7".
const DefaultPattern = `([a-z]+[0-9]*-?v?)?([0-9]+)\.([0-9]+)\.([0-9]+)`

// Triple is a (major, minor, revision) version.
type Triple struct {
	Major, Minor, Revision uint64
}

func (t Triple) String() string {
	return fmt.Sprintf("%d.%d.%d", t.Major, t.Minor, t.Revision)
}

type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

// Compare orders two triples lexicographically, most significant component first.
func Compare(candidate, baseline Triple) Ordering {
	switch {
	case candidate.Major != baseline.Major:
		return order(candidate.Major, baseline.Major)
	case candidate.Minor != baseline.Minor:
		return order(candidate.Minor, baseline.Minor)
	default:
		return order(candidate.Revision, baseline.Revision)
	}
}

func order(a, b uint64) Ordering {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	default:
		return Equal
	}
}

// Parse extracts a triple from capture groups two to four of pattern. The first group
// is left for a prefix and any groups after the fourth are ignored. It reports false
// when the pattern does not match; missing or unparsable components are 0.
func Parse(s string, pattern *regexp.Regexp) (Triple, bool) {
	if pattern == nil || pattern.NumSubexp() < 4 {
		return Triple{}, false
	}
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return Triple{}, false
	}
	return Triple{
		Major:    component(m[2]),
		Minor:    component(m[3]),
		Revision: component(m[4]),
	}, true
}

func component(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Gate compares candidates against a configured baseline.
type Gate struct {
	logger   logrus.FieldLogger
	baseline string
	pattern  *regexp.Regexp
}

// New builds a gate. An empty baseline or pattern disables the check.
func New(logger logrus.FieldLogger, baseline, pattern string) (*Gate, error) {
	g := &Gate{
		logger:   logger.WithField("component", "gate"),
		baseline: baseline,
	}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile minimum ship level pattern: %w", err)
		}
		if re.NumSubexp() < 4 {
			return nil, fmt.Errorf("minimum ship level pattern %q needs at least four capture groups", pattern)
		}
		g.pattern = re
	}
	return g, nil
}

// Enabled reports whether a baseline is configured.
func (g *Gate) Enabled() bool {
	return g.baseline != "" && g.pattern != nil
}

// Baseline returns the configured minimum ship level.
func (g *Gate) Baseline() string {
	return g.baseline
}

// Verify returns nil when the candidate meets the baseline, or a GateRejected error
// carrying the baseline, the candidate and its purpose.
func (g *Gate) Verify(version string, purpose firmware.Purpose) error {
	if !g.Enabled() {
		return nil
	}

	baseline, ok := Parse(g.baseline, g.pattern)
	if !ok {
		g.logger.WithField("version", g.baseline).Error("unable to parse minimum ship level")
	}
	actual, ok := Parse(version, g.pattern)
	if !ok {
		g.logger.WithField("version", version).Error("unable to parse candidate version")
	}

	if Compare(actual, baseline) == Less {
		g.logger.WithFields(logrus.Fields{
			firmware.ParamMinVersion:     g.baseline,
			firmware.ParamActualVersion:  version,
			firmware.ParamVersionPurpose: purpose,
		}).Error("minimum ship level not met")
		return firmware.Rejected(g.baseline, version, purpose)
	}
	return nil
}
