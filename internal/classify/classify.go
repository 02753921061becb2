// Package classify sorts raw build and runtime error text into repair
// categories and complexity tiers.
package classify

import (
	"regexp"
)

// Category is the repair route for an error.
type Category string

const (
	CategorySystem         Category = "system"
	CategoryNetwork        Category = "network"
	CategoryInfrastructure Category = "infrastructure"
	CategoryDependency     Category = "dependency"
	CategoryCode           Category = "code"
	CategoryUnknown        Category = "unknown"
)

// CodeFixable reports whether editing project files can resolve errors of
// this category.
func (c Category) CodeFixable() bool {
	return c != CategorySystem && c != CategoryNetwork
}

// Rule maps a pattern to a category.
type Rule struct {
	Name     string
	Category Category
	Pattern  *regexp.Regexp
	Reason   string
}

// Classification is the outcome of Classify.
type Classification struct {
	Category Category
	Reason   string
	Rule     string // name of the matching rule, empty for unknown
}

// DefaultRules is the prioritized rule list. Earlier rules win, so
// categories appear in order: system, network, infrastructure, dependency,
// code. Infrastructure text often carries dependency-looking words
// ("installing packages") and must be caught first.
var DefaultRules = []Rule{
	{
		Name:     "platform-failure",
		Category: CategorySystem,
		Pattern:  regexp.MustCompile(`(?i)internal (?:platform|server) error|sandbox (?:crashed|unavailable|terminated)|keel internal error`),
		Reason:   "internal platform failure",
	},
	{
		Name:     "resource-exhausted",
		Category: CategorySystem,
		Pattern:  regexp.MustCompile(`(?i)out of memory|\bENOMEM\b|\bENOSPC\b|no space left on device|segmentation fault|signal: killed|JavaScript heap out of memory`),
		Reason:   "host resources exhausted",
	},
	{
		Name:     "connection",
		Category: CategoryNetwork,
		Pattern:  regexp.MustCompile(`\b(?:ETIMEDOUT|ECONNRESET|ECONNREFUSED|EAI_AGAIN|ENOTFOUND|ENETUNREACH)\b|(?i)socket hang up|network (?:is )?unreachable|getaddrinfo|could not resolve host|temporary failure in name resolution`),
		Reason:   "network connection failed",
	},
	{
		Name:     "registry",
		Category: CategoryNetwork,
		Pattern:  regexp.MustCompile(`(?i)request to https?://\S+ failed|registry\.(?:npmjs|yarnpkg)\.\w+.*(?:timed? ?out|failed|unavailable)|read timed out|ConnectTimeoutError|fetch failed|\b(?:502|503|504) (?:bad gateway|service unavailable|gateway time-?out)`),
		Reason:   "package registry unreachable",
	},
	{
		Name:     "port-in-use",
		Category: CategoryInfrastructure,
		Pattern:  regexp.MustCompile(`\bEADDRINUSE\b|(?i)address already in use|port (?:\d+ )?(?:is )?(?:already )?in use`),
		Reason:   "listening port is taken",
	},
	{
		Name:     "container",
		Category: CategoryInfrastructure,
		Pattern:  regexp.MustCompile(`(?i)no such container|container (?:\S+ )?is not running|cannot connect to the docker daemon|OCI runtime`),
		Reason:   "sandbox container unavailable",
	},
	{
		Name:     "permission",
		Category: CategoryInfrastructure,
		Pattern:  regexp.MustCompile(`\b(?:EACCES|EPERM|EMFILE)\b|(?i)permission denied|too many open files|read-only file system`),
		Reason:   "sandbox permission or handle limit",
	},
	{
		Name:     "missing-package",
		Category: CategoryDependency,
		Pattern:  regexp.MustCompile(`Cannot find module '[^'./][^']*'|Can't resolve '[^'./][^']*'|Failed to resolve import "[^"./][^"]*"|Cannot find package '[^'./][^']*'|ModuleNotFoundError: No module named|ImportError: No module named`),
		Reason:   "imported package is not installed",
	},
	{
		Name:     "package-manager",
		Category: CategoryDependency,
		Pattern:  regexp.MustCompile(`\bERESOLVE\b|npm ERR!|(?i)peer dep(?:endency)?|could not find a version that satisfies|no matching distribution found|unmet dependency|lockfile|dependency conflict`),
		Reason:   "package manager could not resolve dependencies",
	},
	{
		Name:     "syntax",
		Category: CategoryCode,
		Pattern:  regexp.MustCompile(`SyntaxError|IndentationError|TabError|Unexpected token|Unterminated|Transform failed|Parse error|Expected .+ but found`),
		Reason:   "syntax error",
	},
	{
		Name:     "reference",
		Category: CategoryCode,
		Pattern:  regexp.MustCompile(`ReferenceError|NameError|TypeError|AttributeError|is not defined|is not a function|Cannot read propert(?:y|ies) of|error TS\d+`),
		Reason:   "reference or type error",
	},
	{
		Name:     "module-contract",
		Category: CategoryCode,
		Pattern:  regexp.MustCompile(`does not provide an export named|was not found in '|Cannot find module '\.|Can't resolve '\.|Failed to resolve import "\.|class does not exist|Could not resolve entry module|Failed to load url|\bENOENT\b`),
		Reason:   "module, asset or file contract broken",
	},
}

// Classifier applies an ordered rule list.
type Classifier struct {
	rules []Rule
}

// New creates a Classifier that tries rules in the given order.
func New(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

var defaultClassifier = New(DefaultRules)

// Classify categorizes raw with DefaultRules.
func Classify(raw string) Classification {
	return defaultClassifier.Classify(raw)
}

// Classify returns the category of the first rule matching raw, or
// CategoryUnknown when none does.
func (c *Classifier) Classify(raw string) Classification {
	for _, r := range c.rules {
		if r.Pattern.MatchString(raw) {
			return Classification{Category: r.Category, Reason: r.Reason, Rule: r.Name}
		}
	}
	return Classification{Category: CategoryUnknown, Reason: "no rule matched"}
}
