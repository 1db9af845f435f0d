// Package query はコンテンツバックエンド向けの読み取りクエリ仕様を構築する。
// フィールド選択、リレーションのpopulate、フィルタ述語木、ソート、ページネーションを
// イミュータブルなSpecとして組み立て、上流のブラケット記法クエリ文字列に直列化する。
package query

import (
	"fmt"
	"strings"
)

// Scalar はフィルタ値として使用できる型の制約。
// 任意の構造を値に渡せないようにし、不正なフィルタ形状をコンパイル時に排除する。
type Scalar interface {
	~string | ~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64 | ~bool
}

// Predicate はフィルタ述語木のノード。
// 実装はEqual、Member、Conjunctionの3種類に限定される。
type Predicate interface {
	isPredicate()
}

// Equal はパスの値が一致することを表す（$eq）。
type Equal struct {
	Path  []string
	Value string
}

// Member はパスの値が集合に含まれることを表す（$in）。
type Member struct {
	Path   []string
	Values []string
}

// Conjunction は全ての項が成り立つことを表す（$and）。
type Conjunction struct {
	Terms []Predicate
}

func (Equal) isPredicate()       {}
func (Member) isPredicate()      {}
func (Conjunction) isPredicate() {}

// Eq はドット区切りのパスに対する等価述語を生成する。
// 例: Eq("sender.id", 42) は filters[sender][id][$eq]=42 に対応する。
func Eq[T Scalar](path string, value T) Predicate {
	return Equal{Path: splitPath(path), Value: fmt.Sprint(value)}
}

// In はドット区切りのパスに対する集合所属述語を生成する。
func In[T Scalar](path string, values ...T) Predicate {
	vs := make([]string, len(values))
	for i, v := range values {
		vs[i] = fmt.Sprint(v)
	}
	return Member{Path: splitPath(path), Values: vs}
}

// And は述語の論理積を生成する。
func And(terms ...Predicate) Predicate {
	return Conjunction{Terms: append([]Predicate(nil), terms...)}
}

func splitPath(path string) []string {
	return strings.Split(strings.TrimSpace(path), ".")
}

// validatePredicate は述語木の形状を検証する。
func validatePredicate(p Predicate) error {
	switch t := p.(type) {
	case Equal:
		return validatePath(t.Path)
	case Member:
		if err := validatePath(t.Path); err != nil {
			return err
		}
		if len(t.Values) == 0 {
			return fmt.Errorf("$in on %q requires at least one value", strings.Join(t.Path, "."))
		}
		return nil
	case Conjunction:
		if len(t.Terms) == 0 {
			return fmt.Errorf("$and requires at least one term")
		}
		for _, term := range t.Terms {
			if err := validatePredicate(term); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return fmt.Errorf("nil predicate")
	default:
		return fmt.Errorf("unsupported predicate %T", p)
	}
}

// validatePath はフィルタ・ソートのパスを検証する。
// 空セグメント、演算子と紛らわしい$始まり、ブラケットを含むセグメントは不正。
func validatePath(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty path")
	}
	for _, seg := range path {
		if seg == "" {
			return fmt.Errorf("path %q has an empty segment", strings.Join(path, "."))
		}
		if strings.HasPrefix(seg, "$") || strings.ContainsAny(seg, "[]") {
			return fmt.Errorf("path segment %q is not a field name", seg)
		}
	}
	return nil
}

// flatten はネストしたConjunctionを1段に展開する。
func flatten(terms []Predicate) []Predicate {
	var out []Predicate
	for _, term := range terms {
		if c, ok := term.(Conjunction); ok {
			out = append(out, flatten(c.Terms)...)
			continue
		}
		out = append(out, term)
	}
	return out
}

// paths は述語木が参照する全てのパスを返す。
func paths(p Predicate) [][]string {
	switch t := p.(type) {
	case Equal:
		return [][]string{t.Path}
	case Member:
		return [][]string{t.Path}
	case Conjunction:
		var out [][]string
		for _, term := range t.Terms {
			out = append(out, paths(term)...)
		}
		return out
	}
	return nil
}

// overlaps は一方のパスが他方の接頭辞になっているかを判定する。
func overlaps(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
