package pagination

import (
	"fmt"
	"reflect"
	"strings"

	apperrors "github.com/conda-store/condastore/internal/errors"
)

// SortOption declares one orderable key: the SQL column expression it
// orders by (possibly across a join) and the dot-separated attribute
// path used to extract the cursor value from result rows.
type SortOption struct {
	Column string
	Path   string
}

// Paginator holds the ordering declaration for one paginated entity.
type Paginator struct {
	validSortBy map[string]SortOption
	idColumn    string
	idPath      string
}

func NewPaginator(validSortBy map[string]SortOption, idColumn, idPath string) *Paginator {
	return &Paginator{validSortBy: validSortBy, idColumn: idColumn, idPath: idPath}
}

// Page is the SQL fragment set a repository appends to its filtered
// base query: the seek predicate, the tuple ordering, and the limit.
// Args are numbered $firstArg..$firstArg+len(Args)-1.
type Page struct {
	Where   string
	Args    []any
	OrderBy string
	Limit   int
}

// SplitSortBy expands comma-separated sort_by values into individual
// names.
func SplitSortBy(values []string) []string {
	var out []string
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// Apply resolves the requested sort keys and cursor into SQL
// fragments. The direction must be asc or desc; every sort name must
// be declared; the cursor, when present, must carry a value for every
// requested key. firstArg is the placeholder number the predicate's
// first argument binds to.
func (p *Paginator) Apply(sortBy []string, direction string, limit int, cursor *Cursor, firstArg int) (*Page, error) {
	var comparator string
	var order string
	switch direction {
	case "asc":
		comparator, order = ">", "ASC"
	case "desc":
		comparator, order = "<", "DESC"
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid sort direction %q: must be asc or desc", direction))
	}

	columns := make([]string, 0, len(sortBy)+1)
	for _, name := range sortBy {
		opt, ok := p.validSortBy[name]
		if !ok {
			return nil, apperrors.NewValidationError(fmt.Sprintf("invalid sort_by %q: valid values are %s",
				name, strings.Join(p.sortNames(), ", ")))
		}
		columns = append(columns, opt.Column)
	}
	// The primary key breaks ties so the tuple is strictly monotonic
	// across pages.
	columns = append(columns, p.idColumn)

	page := &Page{Limit: limit}

	orderTerms := make([]string, len(columns))
	for i, col := range columns {
		orderTerms[i] = col + " " + order
	}
	page.OrderBy = strings.Join(orderTerms, ", ")

	if cursor != nil {
		placeholders := make([]string, 0, len(columns))
		for _, name := range sortBy {
			value, ok := cursor.LastValue[name]
			if !ok {
				return nil, apperrors.NewValidationError(fmt.Sprintf("cursor is missing a value for sort key %q", name))
			}
			page.Args = append(page.Args, value)
			placeholders = append(placeholders, fmt.Sprintf("$%d", firstArg+len(placeholders)))
		}
		page.Args = append(page.Args, cursor.LastID)
		placeholders = append(placeholders, fmt.Sprintf("$%d", firstArg+len(placeholders)))

		// A single tuple comparison, not column-wise ANDs: ties on the
		// leading keys fall through to the id tie-breaker.
		page.Where = fmt.Sprintf("(%s) %s (%s)",
			strings.Join(columns, ", "), comparator, strings.Join(placeholders, ", "))
	}

	return page, nil
}

// NextCursor builds the cursor for the page after rows. Returns nil
// when rows is empty (the iteration is complete).
func (p *Paginator) NextCursor(rows any, sortBy []string, count int64) (*Cursor, error) {
	v := reflect.ValueOf(rows)
	if v.Kind() != reflect.Slice || v.Len() == 0 {
		return nil, nil
	}
	last := v.Index(v.Len() - 1).Interface()

	id, err := ExtractPath(last, p.idPath)
	if err != nil {
		return nil, err
	}
	lastID, ok := toInt64(id)
	if !ok {
		return nil, fmt.Errorf("row id at path %q is not an integer", p.idPath)
	}

	values := map[string]any{}
	for _, name := range sortBy {
		opt, ok := p.validSortBy[name]
		if !ok {
			return nil, apperrors.NewValidationError(fmt.Sprintf("invalid sort_by %q", name))
		}
		value, err := ExtractPath(last, opt.Path)
		if err != nil {
			return nil, err
		}
		values[name] = value
	}

	return &Cursor{LastID: lastID, LastValue: values, Count: count}, nil
}

func (p *Paginator) sortNames() []string {
	names := make([]string, 0, len(p.validSortBy))
	for name := range p.validSortBy {
		names = append(names, name)
	}
	return names
}

// ExtractPath walks a dot-separated field path through structs and
// pointers, e.g. "Namespace.Name".
func ExtractPath(row any, path string) (any, error) {
	v := reflect.ValueOf(row)
	for _, field := range strings.Split(path, ".") {
		for v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return nil, fmt.Errorf("nil pointer at %q in path %q", field, path)
			}
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return nil, fmt.Errorf("cannot descend into %s at %q in path %q", v.Kind(), field, path)
		}
		v = v.FieldByName(field)
		if !v.IsValid() {
			return nil, fmt.Errorf("no field %q in path %q", field, path)
		}
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	return v.Interface(), nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
