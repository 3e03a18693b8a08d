package raijin

import (
	"fmt"
	"reflect"
	"strings"
)

// CollectionName derives the collection for a document type: the type name
// pluralized by convention (User -> Users, Company -> Companies, Box -> Boxes).
func CollectionName[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return pluralize(t.Name())
}

// DefaultQuery builds the default subscription query for a document type,
// optionally carrying include paths.
func DefaultQuery[T any](includes ...string) string {
	q := fmt.Sprintf("from '%s'", CollectionName[T]())
	if len(includes) > 0 {
		q += " include " + strings.Join(includes, ", ")
	}
	return q
}

func pluralize(name string) string {
	if name == "" {
		return ""
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, "s"),
		strings.HasSuffix(lower, "x"),
		strings.HasSuffix(lower, "z"),
		strings.HasSuffix(lower, "ch"),
		strings.HasSuffix(lower, "sh"):
		return name + "es"
	case strings.HasSuffix(lower, "y") && len(name) > 1 && !isVowel(lower[len(lower)-2]):
		return name[:len(name)-1] + "ies"
	default:
		return name + "s"
	}
}

func isVowel(c byte) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}
