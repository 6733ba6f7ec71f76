package kernel

import (
	"strconv"
	"strings"
)

// ParseVersion extracts the version number from `sing-box version` output
// ("sing-box version 1.9.3\n\nEnvironment: ..."). A leading "v" is dropped.
// It returns "" when no version token is found.
func ParseVersion(out string) string {
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return strings.TrimPrefix(fields[i+1], "v")
		}
	}
	if len(fields) == 1 {
		return strings.TrimPrefix(fields[0], "v")
	}
	return ""
}

// NormalizeTag turns a release tag such as "v1.10.0" into "1.10.0".
func NormalizeTag(tag string) string {
	return strings.TrimPrefix(strings.TrimSpace(tag), "v")
}

// CompareVersions compares dotted versions numerically; a pre-release suffix
// ("-beta.1") sorts before the release. It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	ac, apre := splitPre(NormalizeTag(a))
	bc, bpre := splitPre(NormalizeTag(b))
	as, bs := strings.Split(ac, "."), strings.Split(bc, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	switch {
	case apre == bpre:
		return 0
	case apre == "":
		return 1
	case bpre == "":
		return -1
	case apre < bpre:
		return -1
	default:
		return 1
	}
}

func splitPre(v string) (core, pre string) {
	if i := strings.IndexByte(v, '-'); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

// RunArgs are the arguments of a normal kernel run: `run -D <dir> -c <config>`.
func (l Layout) RunArgs(configFile string) []string {
	return []string{"run", "-D", l.Dir(), "-c", l.ConfigPath(configFile)}
}
