package cache

import (
	"regexp"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	parentNavRegex = regexp.MustCompile(`(\.\./)+`)
	derefRegex     = regexp.MustCompile(`deref\([^)]+\)/`)
	booleanRegex   = regexp.MustCompile(`boolean\(([^)]+)\)`)
	wordBreakRegex = regexp.MustCompile(`[-/][a-zA-Z]`)

	upper = cases.Upper(language.Und)
)

// FieldName normalizes a selection path expression to a record field name:
//
//	name                      -> name
//	../topology               -> topology
//	boolean(enabled)          -> enabled
//	deref(x)/../y             -> y
//	admin-state/oper-status   -> adminStateOperStatus
//
// Leading parent navigation, a deref(...)/ prefix and a boolean(...)
// wrapper are each removed once; every "-" or "/" followed by a letter is
// dropped and the letter upper-cased.
func FieldName(expr string) string {
	name := replaceFirst(parentNavRegex, expr, "")
	name = replaceFirst(derefRegex, name, "")
	if m := booleanRegex.FindStringSubmatchIndex(name); m != nil {
		name = name[:m[0]] + name[m[2]:m[3]] + name[m[1]:]
	}
	return wordBreakRegex.ReplaceAllStringFunc(name, func(s string) string {
		return upper.String(s[1:])
	})
}

func replaceFirst(re *regexp.Regexp, s, repl string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + repl + s[loc[1]:]
}
