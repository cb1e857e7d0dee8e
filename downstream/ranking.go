package downstream

import (
	"sort"
	"strings"
)

// Content-type classes in ranking order. Extracted text quality degrades
// from PDF to DOCX to images, so better sources win ties.
const (
	classPDF = iota
	classDOCX
	classImage
	classOther
)

// RankDocuments orders candidate job-description documents, best first,
// without mutating the input. Rank order:
//
//  1. documents tagged with exactly the requested role beat shared ones
//  2. content-type class: PDF > DOCX > image/* > other
//  3. latest updated_at
//
// Ties after all three keep the input order, so ranking is deterministic
// for any fixed listing.
func RankDocuments(docs []Document, roleName string) []Document {
	ranked := make([]Document, len(docs))
	copy(ranked, docs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return compareDocuments(ranked[i], ranked[j], roleName) < 0
	})
	return ranked
}

// compareDocuments returns a negative value when a ranks before b.
func compareDocuments(a, b Document, roleName string) int {
	am, bm := exactRoleMatch(a, roleName), exactRoleMatch(b, roleName)
	if am != bm {
		if am {
			return -1
		}
		return 1
	}
	ac, bc := contentClass(a.ContentType), contentClass(b.ContentType)
	if ac != bc {
		return ac - bc
	}
	switch {
	case a.UpdatedAt.After(b.UpdatedAt):
		return -1
	case b.UpdatedAt.After(a.UpdatedAt):
		return 1
	}
	return 0
}

// exactRoleMatch reports whether the document is tagged with the requested
// role and nothing else. Documents shared across roles rank below
// role-specific ones.
func exactRoleMatch(d Document, roleName string) bool {
	return len(d.Roles) == 1 && strings.EqualFold(d.Roles[0], roleName)
}

func contentClass(contentType string) int {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return classPDF
	case strings.Contains(ct, "wordprocessingml") || strings.Contains(ct, "msword") || strings.HasSuffix(ct, "docx"):
		return classDOCX
	case strings.HasPrefix(ct, "image/"):
		return classImage
	default:
		return classOther
	}
}
