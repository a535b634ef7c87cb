package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dukex/orion/pkg/workflow"
)

// defaultDeniedNodeTypes are node types that run arbitrary commands or touch
// the engine host's files and sockets directly.
var defaultDeniedNodeTypes = []string{
	"executeCommand",
	"ssh",
	"ftp",
	"readWriteFile",
	"readBinaryFile",
	"readBinaryFiles",
	"writeBinaryFile",
	"localFileTrigger",
}

var defaultCredentialPatterns = []string{
	`(?i)\bprod(uction)?\b`,
	`(?i)master`,
	`(?i)\broot\b`,
	`(?i)secret`,
}

type secretPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"bearer token", regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]{20,}=*`)},
	{"OpenAI-style secret key", regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`)},
	{"Stripe live key", regexp.MustCompile(`\bsk_live_[A-Za-z0-9]{16,}`)},
	{"AWS access key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"Slack token", regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9\-]{10,}`)},
	{"GitHub token", regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`)},
	{"Google API key", regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`)},
	{"private key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |ENCRYPTED )?PRIVATE KEY-----`)},
}

type denyList map[string]struct{}

func newDenyList(extra []string) denyList {
	list := make(denyList, len(defaultDeniedNodeTypes)+len(extra))

	for _, nodeType := range append(append([]string{}, defaultDeniedNodeTypes...), extra...) {
		list[workflow.TypeSuffix(nodeType)] = struct{}{}
	}

	return list
}

func (d denyList) denies(nodeType string) bool {
	_, ok := d[workflow.TypeSuffix(nodeType)]

	return ok
}

func compileCredentialPatterns(extra []string) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(defaultCredentialPatterns)+len(extra))

	for _, expr := range append(append([]string{}, defaultCredentialPatterns...), extra...) {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid credential name pattern %q: %w", expr, err)
		}

		patterns = append(patterns, re)
	}

	return patterns, nil
}

// findSecrets walks a parameter payload and returns the name of every secret
// shape found in its string values, with the parameter path.
func findSecrets(value any, path string) []string {
	var found []string

	switch v := value.(type) {
	case string:
		for _, pattern := range secretPatterns {
			if pattern.re.MatchString(v) {
				found = append(found, fmt.Sprintf("%s looks like a %s", path, pattern.name))
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		for _, key := range keys {
			found = append(found, findSecrets(v[key], joinPath(path, key))...)
		}
	case []any:
		for i, nested := range v {
			found = append(found, findSecrets(nested, fmt.Sprintf("%s[%d]", path, i))...)
		}
	case []string:
		for i, nested := range v {
			found = append(found, findSecrets(nested, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}

	return found
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}

	return strings.Join([]string{path, key}, ".")
}
