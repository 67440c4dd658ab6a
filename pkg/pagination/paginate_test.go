package pagination

import (
	"fmt"
	"sort"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type pagedNamespace struct {
	Name string
}

type pagedEnvironment struct {
	ID        int64
	Name      string
	Namespace pagedNamespace
}

func newEnvPaginator() *Paginator {
	return NewPaginator(map[string]SortOption{
		"namespace": {Column: "namespace.name", Path: "Namespace.Name"},
		"name":      {Column: "environment.name", Path: "Name"},
	}, "environment.id", "ID")
}

// seekPage simulates what the database does with the generated
// fragments: order rows by the requested tuple, apply the cursor's
// tuple comparison, and truncate to the limit.
func seekPage(rows []pagedEnvironment, sortBy []string, cursor *Cursor, limit int) []pagedEnvironment {
	keyOf := func(e pagedEnvironment) []any {
		var key []any
		for _, name := range sortBy {
			switch name {
			case "namespace":
				key = append(key, e.Namespace.Name)
			case "name":
				key = append(key, e.Name)
			}
		}
		return append(key, e.ID)
	}
	less := func(a, b []any) bool {
		for i := range a {
			switch av := a[i].(type) {
			case string:
				bv := b[i].(string)
				if av != bv {
					return av < bv
				}
			case int64:
				bv := b[i].(int64)
				if av != bv {
					return av < bv
				}
			}
		}
		return false
	}

	ordered := append([]pagedEnvironment(nil), rows...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return less(keyOf(ordered[i]), keyOf(ordered[j]))
	})

	var out []pagedEnvironment
	for _, e := range ordered {
		if cursor != nil {
			var seek []any
			for _, name := range sortBy {
				seek = append(seek, cursor.LastValue[name])
			}
			seek = append(seek, cursor.LastID)
			if !less(seek, keyOf(e)) {
				continue
			}
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

var _ = Describe("Paginator", func() {
	var p *Paginator

	BeforeEach(func() {
		p = newEnvPaginator()
	})

	Describe("Apply", func() {
		It("renders the ordering with the id tie-breaker appended", func() {
			page, err := p.Apply([]string{"namespace", "name"}, "asc", 10, nil, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(page.OrderBy).To(Equal("namespace.name ASC, environment.name ASC, environment.id ASC"))
			Expect(page.Where).To(BeEmpty())
			Expect(page.Limit).To(Equal(10))
		})

		It("renders a single tuple comparison for the cursor", func() {
			cursor := &Cursor{
				LastID:    7,
				LastValue: map[string]any{"namespace": "ns1", "name": "web"},
			}
			page, err := p.Apply([]string{"namespace", "name"}, "asc", 10, cursor, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Where).To(Equal("(namespace.name, environment.name, environment.id) > ($3, $4, $5)"))
			Expect(page.Args).To(Equal([]any{"ns1", "web", int64(7)}))
		})

		It("inverts the comparator for descending order", func() {
			cursor := &Cursor{LastID: 7, LastValue: map[string]any{"name": "web"}}
			page, err := p.Apply([]string{"name"}, "desc", 10, cursor, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Where).To(ContainSubstring(") < ("))
			Expect(page.OrderBy).To(Equal("environment.name DESC, environment.id DESC"))
		})

		It("rejects an unknown direction", func() {
			_, err := p.Apply([]string{"name"}, "sideways", 10, nil, 1)
			Expect(err).To(HaveOccurred())
		})

		It("rejects an undeclared sort name", func() {
			_, err := p.Apply([]string{"size"}, "asc", 10, nil, 1)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("size"))
		})

		It("rejects a cursor missing a requested sort value", func() {
			cursor := &Cursor{LastID: 7, LastValue: map[string]any{"namespace": "ns1"}}
			_, err := p.Apply([]string{"namespace", "name"}, "asc", 10, cursor, 1)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("SplitSortBy", func() {
		It("expands comma-separated values", func() {
			Expect(SplitSortBy([]string{"namespace,name", "id"})).To(Equal([]string{"namespace", "name", "id"}))
		})
	})

	Describe("full iteration", func() {
		It("visits 25 rows in pages of 10, 10, and 5, each exactly once", func() {
			var rows []pagedEnvironment
			for i := 0; i < 25; i++ {
				rows = append(rows, pagedEnvironment{
					ID:        int64(i + 1),
					Name:      fmt.Sprintf("env-%02d", i%7),
					Namespace: pagedNamespace{Name: fmt.Sprintf("ns-%d", i%3)},
				})
			}
			sortBy := []string{"namespace", "name"}

			var cursor *Cursor
			var pageSizes []int
			seen := map[int64]int{}
			var visited []pagedEnvironment

			for {
				page := seekPage(rows, sortBy, cursor, 10)
				if len(page) == 0 {
					break
				}
				pageSizes = append(pageSizes, len(page))
				for _, e := range page {
					seen[e.ID]++
					visited = append(visited, e)
				}

				next, err := p.NextCursor(page, sortBy, int64(len(rows)))
				Expect(err).NotTo(HaveOccurred())

				// Round-trip through the wire format like a real
				// client would.
				encoded, err := next.Encode()
				Expect(err).NotTo(HaveOccurred())
				cursor, err = DecodeCursor(encoded)
				Expect(err).NotTo(HaveOccurred())
				Expect(cursor.Count).To(Equal(int64(25)))
			}

			Expect(pageSizes).To(Equal([]int{10, 10, 5}))
			Expect(seen).To(HaveLen(25))
			for id, n := range seen {
				Expect(n).To(Equal(1), "row %d visited more than once", id)
			}

			// The concatenated pages equal the full ordered set,
			// including ties on (namespace, name) broken by id.
			full := seekPage(rows, sortBy, nil, 25)
			Expect(visited).To(Equal(full))
		})

		It("skips ties on non-id columns via the id tie-breaker", func() {
			rows := []pagedEnvironment{
				{ID: 1, Name: "same", Namespace: pagedNamespace{Name: "ns"}},
				{ID: 2, Name: "same", Namespace: pagedNamespace{Name: "ns"}},
				{ID: 3, Name: "same", Namespace: pagedNamespace{Name: "ns"}},
			}
			sortBy := []string{"namespace", "name"}

			first := seekPage(rows, sortBy, nil, 2)
			Expect(first).To(HaveLen(2))

			cursor, err := p.NextCursor(first, sortBy, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(cursor.LastID).To(Equal(int64(2)))

			second := seekPage(rows, sortBy, cursor, 2)
			Expect(second).To(HaveLen(1))
			Expect(second[0].ID).To(Equal(int64(3)))
		})
	})

	Describe("NextCursor", func() {
		It("returns nil for an empty page", func() {
			cursor, err := p.NextCursor([]pagedEnvironment{}, []string{"name"}, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(cursor).To(BeNil())
		})

		It("extracts values across joined paths", func() {
			page := []pagedEnvironment{
				{ID: 9, Name: "web", Namespace: pagedNamespace{Name: "prod"}},
			}
			cursor, err := p.NextCursor(page, []string{"namespace", "name"}, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(cursor.LastID).To(Equal(int64(9)))
			Expect(cursor.LastValue).To(HaveKeyWithValue("namespace", "prod"))
			Expect(cursor.LastValue).To(HaveKeyWithValue("name", "web"))
		})
	})
})
