package query

import (
	"fmt"
	"strings"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
)

// Direction はソート方向。
type Direction string

const (
	// Asc は昇順。
	Asc Direction = "asc"
	// Desc は降順。
	Desc Direction = "desc"
)

// SortField はソート対象フィールドと方向の組。
type SortField struct {
	Field     string
	Direction Direction
}

// String は上流の field:direction 形式を返す。
func (s SortField) String() string {
	return s.Field + ":" + string(s.Direction)
}

// Relation はpopulateするリレーションの指定。
// Fieldsが空の場合はリレーションの全フィールドを取得する。
type Relation struct {
	Name     string
	Fields   []string
	Populate []Relation
}

// PaginationKind はページネーションの方式。
type PaginationKind int

const (
	// NoPagination は上流のデフォルトに任せる。
	NoPagination PaginationKind = iota
	// PageBased は page/pageSize 方式。
	PageBased
	// WindowBased は limit/offset 方式。
	WindowBased
)

// Pagination はページネーション指定。
type Pagination struct {
	Kind     PaginationKind
	Page     int
	PageSize int
	Limit    int
	Offset   int
}

// Spec は構築済みのクエリ仕様。値として扱い、生成後は変更されない。
type Spec struct {
	fields      []string
	relations   []Relation
	populateAll bool
	scope       []Predicate
	where       []Predicate
	sort        []SortField
	pagination  Pagination
}

// Fields は選択フィールドのコピーを返す。
func (s Spec) Fields() []string { return append([]string(nil), s.fields...) }

// Relations はpopulate指定のコピーを返す。
func (s Spec) Relations() []Relation { return append([]Relation(nil), s.relations...) }

// PopulatesAll は全リレーションをpopulateするかを返す。
func (s Spec) PopulatesAll() bool { return s.populateAll }

// Sort はソート指定のコピーを返す。
func (s Spec) Sort() []SortField { return append([]SortField(nil), s.sort...) }

// Pagination はページネーション指定を返す。
func (s Spec) Pagination() Pagination { return s.pagination }

// Filter はスコープ述語と呼び出し元の述語を結合した述語木を返す。
// スコープ述語が常に先頭に並ぶ。フィルタがない場合はnilを返す。
func (s Spec) Filter() Predicate {
	terms := s.terms()
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	default:
		return Conjunction{Terms: terms}
	}
}

func (s Spec) terms() []Predicate {
	terms := make([]Predicate, 0, len(s.scope)+len(s.where))
	terms = append(terms, s.scope...)
	terms = append(terms, s.where...)
	return terms
}

// CapPageSize はページサイズ（またはlimit）を最大値で切り詰めたコピーを返す。
// 切り詰めが発生した場合はtrueを返す。maxが0以下の場合は何もしない。
func (s Spec) CapPageSize(max int) (Spec, bool) {
	if max <= 0 {
		return s, false
	}
	capped := false
	switch s.pagination.Kind {
	case PageBased:
		if s.pagination.PageSize > max {
			s.pagination.PageSize = max
			capped = true
		}
	case WindowBased:
		if s.pagination.Limit > max {
			s.pagination.Limit = max
			capped = true
		}
	}
	return s, capped
}

// Builder はSpecを組み立てる。メソッドはチェーン可能で、
// 検証エラーはBuildでまとめて返す。
type Builder struct {
	fields      []string
	relations   []Relation
	populateAll bool
	scope       []Predicate
	where       []Predicate
	sort        []SortField
	pagination  Pagination
	defaultSort []SortField
	errs        []string
}

// New は空のBuilderを生成する。
func New() *Builder {
	return &Builder{}
}

// Fields は取得するフィールドを追加する。
func (b *Builder) Fields(fields ...string) *Builder {
	b.fields = append(b.fields, fields...)
	return b
}

// Populate はリレーションのpopulate指定を追加する。
func (b *Builder) Populate(relations ...Relation) *Builder {
	b.relations = append(b.relations, relations...)
	return b
}

// PopulateAll は全リレーションをpopulateする（populate=*）。
// Populate で宣言したリレーションとは併用できず、Build がエラーを返す。
func (b *Builder) PopulateAll() *Builder {
	b.populateAll = true
	return b
}

// Where は呼び出し元（クライアント入力由来を含む）のフィルタ述語を追加する。
func (b *Builder) Where(p Predicate) *Builder {
	if p != nil {
		b.where = append(b.where, p)
	}
	return b
}

// Scope はサーバー側で解決したアイデンティティに基づくスコープ述語を追加する。
// スコープ述語は最上位の論理積として付与され、Whereで上書きできない。
// Whereの述語がスコープ述語と同じパスを参照する場合、Buildはエラーを返す。
func (b *Builder) Scope(p Predicate) *Builder {
	if p == nil {
		b.errs = append(b.errs, "scope predicate must not be nil")
		return b
	}
	b.scope = append(b.scope, p)
	return b
}

// Sort はソート指定を追加する。
func (b *Builder) Sort(field string, dir Direction) *Builder {
	b.sort = append(b.sort, SortField{Field: field, Direction: dir})
	return b
}

// DefaultSort はSortが一度も指定されなかった場合に使うソートを追加する。
func (b *Builder) DefaultSort(field string, dir Direction) *Builder {
	b.defaultSort = append(b.defaultSort, SortField{Field: field, Direction: dir})
	return b
}

// Page はpage/pageSize方式のページネーションを指定する。
func (b *Builder) Page(page, pageSize int) *Builder {
	if b.pagination.Kind == WindowBased {
		b.errs = append(b.errs, "page and limit/offset pagination are mutually exclusive")
	}
	b.pagination = Pagination{Kind: PageBased, Page: page, PageSize: pageSize}
	return b
}

// Window はlimit/offset方式のページネーションを指定する。
func (b *Builder) Window(limit, offset int) *Builder {
	if b.pagination.Kind == PageBased {
		b.errs = append(b.errs, "page and limit/offset pagination are mutually exclusive")
	}
	b.pagination = Pagination{Kind: WindowBased, Limit: limit, Offset: offset}
	return b
}

// Build は入力を検証してSpecを返す。
// 不正な場合は*model.ValidationErrorを返す。
func (b *Builder) Build() (Spec, error) {
	errs := append([]string(nil), b.errs...)

	sorts := b.sort
	if len(sorts) == 0 {
		sorts = b.defaultSort
	}

	for _, f := range b.fields {
		if err := validatePath([]string{f}); err != nil {
			errs = append(errs, "fields: "+err.Error())
		}
	}
	for _, r := range b.relations {
		if err := validateRelation(r); err != nil {
			errs = append(errs, "populate: "+err.Error())
		}
	}
	if b.populateAll && len(b.relations) > 0 {
		errs = append(errs, "populate: * cannot be combined with declared relations")
	}
	for _, s := range sorts {
		if err := validatePath(splitPath(s.Field)); err != nil {
			errs = append(errs, "sort: "+err.Error())
		}
		if s.Direction != Asc && s.Direction != Desc {
			errs = append(errs, fmt.Sprintf("sort: invalid direction %q", s.Direction))
		}
	}

	scope := flatten(b.scope)
	where := flatten(b.where)
	for _, p := range scope {
		if err := validatePredicate(p); err != nil {
			errs = append(errs, "scope: "+err.Error())
		}
	}
	for _, p := range where {
		if err := validatePredicate(p); err != nil {
			errs = append(errs, "filters: "+err.Error())
			continue
		}
		if field := scopedConflict(scope, p); field != "" {
			errs = append(errs, fmt.Sprintf("filters: %q is scoped by the server and cannot be filtered", field))
		}
	}

	switch b.pagination.Kind {
	case PageBased:
		if b.pagination.Page < 1 || b.pagination.PageSize < 1 {
			errs = append(errs, "pagination: page and pageSize must be positive")
		}
	case WindowBased:
		if b.pagination.Limit < 1 || b.pagination.Offset < 0 {
			errs = append(errs, "pagination: limit must be positive and offset non-negative")
		}
	}

	if len(errs) > 0 {
		return Spec{}, model.NewValidationError("query", strings.Join(errs, "; "))
	}

	return Spec{
		fields:      append([]string(nil), b.fields...),
		relations:   dedupeRelations(b.relations),
		populateAll: b.populateAll,
		scope:       scope,
		where:       where,
		sort:        append([]SortField(nil), sorts...),
		pagination:  b.pagination,
	}, nil
}

// dedupeRelations は同名のリレーション指定を最初の1件にまとめる。
func dedupeRelations(relations []Relation) []Relation {
	seen := make(map[string]bool, len(relations))
	out := make([]Relation, 0, len(relations))
	for _, r := range relations {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out
}

func validateRelation(r Relation) error {
	if err := validatePath([]string{r.Name}); err != nil {
		return err
	}
	for _, f := range r.Fields {
		if err := validatePath([]string{f}); err != nil {
			return err
		}
	}
	for _, nested := range r.Populate {
		if err := validateRelation(nested); err != nil {
			return err
		}
	}
	return nil
}

// scopedConflict はpがスコープ述語のパスと重なる場合にそのパスを返す。
func scopedConflict(scope []Predicate, p Predicate) string {
	for _, s := range scope {
		for _, sp := range paths(s) {
			for _, wp := range paths(p) {
				if overlaps(sp, wp) {
					return strings.Join(wp, ".")
				}
			}
		}
	}
	return ""
}
