package query

import (
	"net/url"
	"strconv"
	"strings"
)

// Values はSpecを上流のブラケット記法パラメータに変換する。
//
//	fields[0]=title
//	populate[recipients][fields][0]=email
//	filters[$and][0][sender][id][$eq]=42
//	sort[0]=createdAt:desc
//	pagination[page]=1&pagination[pageSize]=25
func (s Spec) Values() url.Values {
	v := url.Values{}

	for i, f := range s.fields {
		v.Set("fields["+strconv.Itoa(i)+"]", f)
	}

	if s.populateAll {
		v.Set("populate", "*")
	} else {
		for _, r := range s.relations {
			encodeRelation(v, "populate", r)
		}
	}

	terms := s.terms()
	switch len(terms) {
	case 0:
	case 1:
		encodePredicate(v, "filters", terms[0])
	default:
		for i, term := range terms {
			encodePredicate(v, "filters[$and]["+strconv.Itoa(i)+"]", term)
		}
	}

	for i, sf := range s.sort {
		v.Set("sort["+strconv.Itoa(i)+"]", sf.String())
	}

	switch s.pagination.Kind {
	case PageBased:
		v.Set("pagination[page]", strconv.Itoa(s.pagination.Page))
		v.Set("pagination[pageSize]", strconv.Itoa(s.pagination.PageSize))
	case WindowBased:
		v.Set("pagination[start]", strconv.Itoa(s.pagination.Offset))
		v.Set("pagination[limit]", strconv.Itoa(s.pagination.Limit))
	}

	return v
}

// Encode はValuesをクエリ文字列にエンコードする。キーはソートされる。
func (s Spec) Encode() string {
	return s.Values().Encode()
}

func encodeRelation(v url.Values, prefix string, r Relation) {
	key := prefix + "[" + r.Name + "]"
	if len(r.Fields) == 0 && len(r.Populate) == 0 {
		v.Set(key, "true")
		return
	}
	for i, f := range r.Fields {
		v.Set(key+"[fields]["+strconv.Itoa(i)+"]", f)
	}
	for _, nested := range r.Populate {
		encodeRelation(v, key+"[populate]", nested)
	}
}

func encodePredicate(v url.Values, prefix string, p Predicate) {
	switch t := p.(type) {
	case Equal:
		v.Set(prefix+bracketPath(t.Path)+"[$eq]", t.Value)
	case Member:
		key := prefix + bracketPath(t.Path) + "[$in]"
		for i, value := range t.Values {
			v.Set(key+"["+strconv.Itoa(i)+"]", value)
		}
	case Conjunction:
		for i, term := range t.Terms {
			encodePredicate(v, prefix+"[$and]["+strconv.Itoa(i)+"]", term)
		}
	}
}

func bracketPath(path []string) string {
	var sb strings.Builder
	for _, seg := range path {
		sb.WriteByte('[')
		sb.WriteString(seg)
		sb.WriteByte(']')
	}
	return sb.String()
}
