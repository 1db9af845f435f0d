package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
)

// filterNode はブラケット記法のキーを分解した木のノード。
type filterNode struct {
	values   []string
	children map[string]*filterNode
}

func newFilterNode() *filterNode {
	return &filterNode{children: make(map[string]*filterNode)}
}

// ParseFilters はクエリ文字列中の filters[...] パラメータを述語木に変換する。
// filtersパラメータが存在しない場合はnilを返す。
// サポートする演算子は $eq、$in、$and のみ。
func ParseFilters(values url.Values) (Predicate, error) {
	root := newFilterNode()
	found := false
	for key, vs := range values {
		if !strings.HasPrefix(key, "filters") {
			continue
		}
		segs, err := splitBrackets(strings.TrimPrefix(key, "filters"))
		if err != nil {
			return nil, model.NewValidationError("filters", err.Error())
		}
		if len(segs) == 0 {
			return nil, model.NewValidationError("filters", "filters must use bracket notation")
		}
		node := root
		for _, seg := range segs {
			child, ok := node.children[seg]
			if !ok {
				child = newFilterNode()
				node.children[seg] = child
			}
			node = child
		}
		node.values = append(node.values, vs...)
		found = true
	}
	if !found {
		return nil, nil
	}

	terms, err := convertNode(nil, root)
	if err != nil {
		return nil, model.NewValidationError("filters", err.Error())
	}
	switch len(terms) {
	case 0:
		return nil, nil
	case 1:
		return terms[0], nil
	default:
		return Conjunction{Terms: terms}, nil
	}
}

// splitBrackets は "[a][b][$eq]" を ["a", "b", "$eq"] に分解する。
func splitBrackets(s string) ([]string, error) {
	var segs []string
	for len(s) > 0 {
		if s[0] != '[' {
			return nil, fmt.Errorf("malformed key near %q", s)
		}
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("unterminated bracket in %q", s)
		}
		segs = append(segs, s[1:end])
		s = s[end+1:]
	}
	return segs, nil
}

func convertNode(path []string, node *filterNode) ([]Predicate, error) {
	var terms []Predicate

	// filters[a]=x は $eq の省略形として扱う
	if len(node.values) > 0 {
		if len(path) == 0 {
			return nil, fmt.Errorf("filter value without a field")
		}
		if len(node.values) > 1 {
			return nil, fmt.Errorf("multiple values for %q", strings.Join(path, "."))
		}
		terms = append(terms, Equal{Path: clonePath(path), Value: node.values[0]})
	}

	for _, key := range sortedKeys(node.children) {
		child := node.children[key]
		switch {
		case key == "$eq":
			if len(path) == 0 {
				return nil, fmt.Errorf("$eq without a field")
			}
			if len(child.children) > 0 || len(child.values) != 1 {
				return nil, fmt.Errorf("$eq on %q requires exactly one value", strings.Join(path, "."))
			}
			terms = append(terms, Equal{Path: clonePath(path), Value: child.values[0]})

		case key == "$in":
			if len(path) == 0 {
				return nil, fmt.Errorf("$in without a field")
			}
			vs, err := memberValues(child)
			if err != nil {
				return nil, fmt.Errorf("$in on %q: %w", strings.Join(path, "."), err)
			}
			terms = append(terms, Member{Path: clonePath(path), Values: vs})

		case key == "$and":
			if len(child.values) > 0 {
				return nil, fmt.Errorf("$and requires indexed terms")
			}
			var and []Predicate
			for _, idx := range sortedKeys(child.children) {
				if _, err := strconv.Atoi(idx); err != nil {
					return nil, fmt.Errorf("$and index %q is not a number", idx)
				}
				sub, err := convertNode(path, child.children[idx])
				if err != nil {
					return nil, err
				}
				and = append(and, sub...)
			}
			if len(and) == 0 {
				return nil, fmt.Errorf("$and requires at least one term")
			}
			terms = append(terms, Conjunction{Terms: and})

		case strings.HasPrefix(key, "$"):
			return nil, fmt.Errorf("unsupported operator %q", key)

		default:
			sub, err := convertNode(append(clonePath(path), key), child)
			if err != nil {
				return nil, err
			}
			terms = append(terms, sub...)
		}
	}
	return terms, nil
}

// memberValues は $in の値を取り出す。
// filters[x][$in][0]=a 形式と filters[x][$in]=a&filters[x][$in]=b 形式の両方を受け付ける。
func memberValues(node *filterNode) ([]string, error) {
	vs := append([]string(nil), node.values...)
	for _, idx := range sortedKeys(node.children) {
		if _, err := strconv.Atoi(idx); err != nil {
			return nil, fmt.Errorf("index %q is not a number", idx)
		}
		child := node.children[idx]
		if len(child.children) > 0 {
			return nil, fmt.Errorf("nested value at index %s", idx)
		}
		vs = append(vs, child.values...)
	}
	if len(vs) == 0 {
		return nil, fmt.Errorf("at least one value is required")
	}
	return vs, nil
}

// sortedKeys は数値キーを数値順、それ以外を辞書順に並べる。
func sortedKeys(m map[string]*filterNode) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

func clonePath(path []string) []string {
	return append([]string(nil), path...)
}

// listParam は name=a,b 形式と name[0]=a 形式の値をインデックス順に連結する。
func listParam(values url.Values, name string) ([]string, error) {
	var raw []string
	for _, v := range values[name] {
		raw = append(raw, strings.Split(v, ",")...)
	}

	prefix := name + "["
	type indexedKey struct {
		key   string
		index int
	}
	var indexed []indexedKey
	for key := range values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(key, prefix), "]"))
		if err != nil || !strings.HasSuffix(key, "]") {
			return nil, model.NewValidationError(name, fmt.Sprintf("invalid key %q", key))
		}
		indexed = append(indexed, indexedKey{key: key, index: i})
	}
	sort.Slice(indexed, func(i, j int) bool { return indexed[i].index < indexed[j].index })
	for _, k := range indexed {
		raw = append(raw, values[k.key]...)
	}

	out := raw[:0]
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// ParseFields は fields=a,b 形式と fields[0]=a 形式の取得フィールド指定を解析する。
func ParseFields(values url.Values) ([]string, error) {
	return listParam(values, "fields")
}

// ParsePopulate は populate=* 、populate=a,b 、populate[0]=a 、populate[a]=true 形式を解析する。
// 戻り値のallがtrueの場合は全リレーションを展開する。ネストした指定は受け付けない。
func ParsePopulate(values url.Values) (all bool, relations []Relation, err error) {
	named := url.Values{}
	for key, vs := range values {
		if !strings.HasPrefix(key, "populate[") {
			continue
		}
		inner := strings.TrimSuffix(strings.TrimPrefix(key, "populate["), "]")
		if strings.ContainsAny(inner, "[]") {
			return false, nil, model.NewValidationError("populate", fmt.Sprintf("nested populate %q is not supported", key))
		}
		if _, err := strconv.Atoi(inner); err == nil {
			named[key] = vs
			continue
		}
		for _, v := range vs {
			if v != "true" && v != "*" {
				return false, nil, model.NewValidationError("populate", fmt.Sprintf("unsupported value for %q", key))
			}
		}
		relations = append(relations, Relation{Name: inner})
	}
	named["populate"] = values["populate"]

	names, err := listParam(named, "populate")
	if err != nil {
		return false, nil, err
	}
	for _, name := range names {
		if name == "*" {
			all = true
			continue
		}
		relations = append(relations, Relation{Name: name})
	}
	sort.SliceStable(relations, func(i, j int) bool { return relations[i].Name < relations[j].Name })
	return all, relations, nil
}

// ParseSort は sort=a:desc,b 形式と sort[0]=a:desc 形式のソート指定を解析する。
// 方向が省略された場合は昇順になる。
func ParseSort(values url.Values) ([]SortField, error) {
	raw, err := listParam(values, "sort")
	if err != nil {
		return nil, err
	}

	var fields []SortField
	for _, item := range raw {
		field, dir, hasDir := strings.Cut(item, ":")
		sf := SortField{Field: field, Direction: Asc}
		if hasDir {
			switch Direction(strings.ToLower(dir)) {
			case Asc:
			case Desc:
				sf.Direction = Desc
			default:
				return nil, model.NewValidationError("sort", fmt.Sprintf("invalid direction %q", dir))
			}
		}
		fields = append(fields, sf)
	}
	return fields, nil
}

// ParsePagination は page/pageSize または limit/offset を解析する。
// pagination[page] のようなブラケット形式も受け付ける。
func ParsePagination(values url.Values) (Pagination, error) {
	get := func(name string) (int, bool, error) {
		raw := values.Get(name)
		if raw == "" {
			raw = values.Get("pagination[" + name + "]")
		}
		if raw == "" {
			return 0, false, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, true, model.NewValidationError(name, "must be an integer")
		}
		return n, true, nil
	}

	page, hasPage, err := get("page")
	if err != nil {
		return Pagination{}, err
	}
	pageSize, hasPageSize, err := get("pageSize")
	if err != nil {
		return Pagination{}, err
	}
	limit, hasLimit, err := get("limit")
	if err != nil {
		return Pagination{}, err
	}
	offset, hasOffset, err := get("offset")
	if err != nil {
		return Pagination{}, err
	}
	if !hasOffset {
		if offset, hasOffset, err = get("start"); err != nil {
			return Pagination{}, err
		}
	}

	pageStyle := hasPage || hasPageSize
	windowStyle := hasLimit || hasOffset
	switch {
	case pageStyle && windowStyle:
		return Pagination{}, model.NewValidationError("pagination", "page and limit/offset pagination are mutually exclusive")
	case pageStyle:
		if !hasPage {
			page = 1
		}
		if !hasPageSize {
			pageSize = DefaultPageSize
		}
		return Pagination{Kind: PageBased, Page: page, PageSize: pageSize}, nil
	case windowStyle:
		if !hasLimit {
			limit = DefaultPageSize
		}
		return Pagination{Kind: WindowBased, Limit: limit, Offset: offset}, nil
	}
	return Pagination{}, nil
}

// DefaultPageSize はページサイズ省略時の値。
const DefaultPageSize = 25

// ApplyClientParams はクライアントのクエリ文字列（fields、populate、filters、sort、ページネーション）をBuilderに適用する。
// スコープ済みパスへのフィルタはBuild時に拒否される。
func ApplyClientParams(b *Builder, values url.Values) error {
	fields, err := ParseFields(values)
	if err != nil {
		return err
	}
	if len(fields) > 0 {
		b.Fields(fields...)
	}

	all, relations, err := ParsePopulate(values)
	if err != nil {
		return err
	}
	if all {
		b.PopulateAll()
	}
	if len(relations) > 0 {
		b.Populate(relations...)
	}

	filter, err := ParseFilters(values)
	if err != nil {
		return err
	}
	b.Where(filter)

	sorts, err := ParseSort(values)
	if err != nil {
		return err
	}
	for _, s := range sorts {
		b.Sort(s.Field, s.Direction)
	}

	p, err := ParsePagination(values)
	if err != nil {
		return err
	}
	switch p.Kind {
	case PageBased:
		b.Page(p.Page, p.PageSize)
	case WindowBased:
		b.Window(p.Limit, p.Offset)
	}
	return nil
}
