package specification

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	apperrors "github.com/conda-store/condastore/internal/errors"
	"github.com/conda-store/condastore/pkg/datastore/models"
	"github.com/conda-store/condastore/pkg/datastore/problem"
)

// fakeSpecStore records EnsureExists calls and deduplicates by sha256,
// mimicking the repository's unique-constraint behavior.
type fakeSpecStore struct {
	mu      sync.Mutex
	rows    map[string]*models.Specification
	inserts int
	nextID  int64
}

func newFakeSpecStore() *fakeSpecStore {
	return &fakeSpecStore{rows: map[string]*models.Specification{}}
}

func (s *fakeSpecStore) EnsureExists(_ context.Context, spec *models.Specification) (*models.Specification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[spec.SHA256]; ok {
		return existing, nil
	}
	s.inserts++
	s.nextID++
	row := &models.Specification{
		ID:         s.nextID,
		SHA256:     spec.SHA256,
		Spec:       spec.Spec,
		IsLockfile: spec.IsLockfile,
	}
	s.rows[spec.SHA256] = row
	return row, nil
}

var _ = Describe("Pipeline", func() {
	var (
		store *fakeSpecStore
		ctx   context.Context
	)

	BeforeEach(func() {
		store = newFakeSpecStore()
		ctx = context.Background()
	})

	newPipeline := func(settings Settings) *Pipeline {
		return NewPipeline(settings, store, zap.NewNop())
	}

	Describe("Parse", func() {
		It("rejects a specification without a name", func() {
			p := newPipeline(Settings{})
			_, err := p.Parse([]byte(`{"channels": ["conda-forge"]}`))
			Expect(err).To(HaveOccurred())
			var verr *problem.ValidationError
			Expect(err).To(BeAssignableToTypeOf(verr))
		})

		It("rejects a name with disallowed characters", func() {
			p := newPipeline(Settings{})
			_, err := p.Parse([]byte(`{"name": "bad name!"}`))
			Expect(err).To(HaveOccurred())
		})

		It("accepts a heterogeneous dependency list", func() {
			p := newPipeline(Settings{})
			spec, err := p.Parse([]byte(`{"name":"a","dependencies":["numpy=1.26",{"pip":["requests"]}]}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(spec.Dependencies.CondaPackages()).To(Equal([]string{"numpy=1.26"}))
			Expect(spec.Dependencies.PipPackages()).To(Equal([]string{"requests"}))
		})

		It("rejects two pip blocks", func() {
			p := newPipeline(Settings{})
			_, err := p.Parse([]byte(`{"name":"a","dependencies":[{"pip":["x"]},{"pip":["y"]}]}`))
			Expect(err).To(HaveOccurred())
		})

		It("parses YAML input", func() {
			p := newPipeline(Settings{})
			spec, err := p.Parse([]byte("name: a\nchannels:\n  - conda-forge\ndependencies:\n  - python=3.11\n  - pip:\n      - requests\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(spec.Channels).To(Equal([]string{"conda-forge"}))
			Expect(spec.Dependencies.PipPackages()).To(Equal([]string{"requests"}))
		})
	})

	Describe("channel policy", func() {
		settings := Settings{
			ChannelAlias:    "https://conda.anaconda.org",
			AllowedChannels: []string{"conda-forge", "defaults"},
			DefaultChannels: []string{"conda-forge"},
		}

		It("rejects channels outside the allowed set", func() {
			p := newPipeline(settings)
			spec := &CondaSpecification{Name: "a", Channels: []string{"nodefaults", "conda-forge"}}
			err := p.ApplyChannelPolicy(spec)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsType(err, apperrors.ErrorTypeChannelNotAllowed)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("nodefaults"))
		})

		It("accepts any channel when the allowed set is empty", func() {
			p := newPipeline(Settings{ChannelAlias: settings.ChannelAlias})
			spec := &CondaSpecification{Name: "a", Channels: []string{"anything-goes"}}
			Expect(p.ApplyChannelPolicy(spec)).To(Succeed())
		})

		It("substitutes default channels verbatim when none are requested", func() {
			p := newPipeline(Settings{DefaultChannels: []string{"conda-forge", "bioconda"}})
			spec := &CondaSpecification{Name: "a"}
			Expect(p.ApplyChannelPolicy(spec)).To(Succeed())
			Expect(spec.Channels).To(Equal([]string{"conda-forge", "bioconda"}))
		})

		It("treats aliased and fully-qualified forms of a channel as equal", func() {
			p := newPipeline(settings)
			spec := &CondaSpecification{Name: "a", Channels: []string{"https://conda.anaconda.org/conda-forge"}}
			Expect(p.ApplyChannelPolicy(spec)).To(Succeed())
		})
	})

	Describe("conda package policy", func() {
		It("raises when a required package is missing", func() {
			p := newPipeline(Settings{CondaRequiredPackages: []string{"python"}})
			spec := &CondaSpecification{Name: "a", Dependencies: DependencyList{{Conda: "numpy"}}}
			err := p.ApplyCondaPackagePolicy(spec)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsType(err, apperrors.ErrorTypePackageRequired)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("python"))
		})

		It("appends included packages not already present", func() {
			p := newPipeline(Settings{CondaIncludedPackages: []string{"ipykernel"}})
			spec := &CondaSpecification{Name: "a", Dependencies: DependencyList{{Conda: "numpy"}}}
			Expect(p.ApplyCondaPackagePolicy(spec)).To(Succeed())
			Expect(spec.Dependencies.CondaPackages()).To(Equal([]string{"numpy", "ipykernel"}))
		})

		It("does not duplicate an included package already pinned", func() {
			p := newPipeline(Settings{CondaIncludedPackages: []string{"ipykernel"}})
			spec := &CondaSpecification{Name: "a", Dependencies: DependencyList{{Conda: "ipykernel=6.29"}}}
			Expect(p.ApplyCondaPackagePolicy(spec)).To(Succeed())
			Expect(spec.Dependencies.CondaPackages()).To(Equal([]string{"ipykernel=6.29"}))
		})

		It("substitutes default packages for an empty dependency list", func() {
			p := newPipeline(Settings{CondaDefaultPackages: []string{"python"}})
			spec := &CondaSpecification{Name: "a"}
			Expect(p.ApplyCondaPackagePolicy(spec)).To(Succeed())
			Expect(spec.Dependencies.CondaPackages()).To(Equal([]string{"python"}))
		})

		It("satisfies a required package via a versioned match-spec", func() {
			p := newPipeline(Settings{CondaRequiredPackages: []string{"python"}})
			spec := &CondaSpecification{Name: "a", Dependencies: DependencyList{{Conda: "python=3.11"}}}
			Expect(p.ApplyCondaPackagePolicy(spec)).To(Succeed())
		})
	})

	Describe("pip package policy", func() {
		It("passes flag tokens through without parsing", func() {
			p := newPipeline(Settings{PipRequiredPackages: []string{"requests"}})
			spec := &CondaSpecification{
				Name: "a",
				Dependencies: DependencyList{
					{Pip: []string{"--index-url=https://x", "requests>=2"}},
				},
			}
			Expect(p.ApplyPipPackagePolicy(spec)).To(Succeed())
			Expect(spec.Dependencies.PipPackages()).To(Equal([]string{"--index-url=https://x", "requests>=2"}))
		})

		It("raises when a required pip package is missing", func() {
			p := newPipeline(Settings{PipRequiredPackages: []string{"requests"}})
			spec := &CondaSpecification{Name: "a", Dependencies: DependencyList{{Pip: []string{"flask"}}}}
			err := p.ApplyPipPackagePolicy(spec)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsType(err, apperrors.ErrorTypePackageRequired)).To(BeTrue())
		})

		It("creates the pip block when appending included packages", func() {
			p := newPipeline(Settings{PipIncludedPackages: []string{"pip-audit"}})
			spec := &CondaSpecification{Name: "a", Dependencies: DependencyList{{Conda: "numpy"}}}
			Expect(p.ApplyPipPackagePolicy(spec)).To(Succeed())
			Expect(spec.Dependencies.PipPackages()).To(Equal([]string{"pip-audit"}))
		})
	})

	Describe("Ensure", func() {
		It("returns the same row for semantically equivalent inputs", func() {
			p := newPipeline(Settings{})

			a, err := p.Parse([]byte(`{"name":"a","channels":["conda-forge"],"dependencies":["python=3.11"],"variables":{"X":"1","Y":"2"}}`))
			Expect(err).NotTo(HaveOccurred())
			b, err := p.Parse([]byte(`{"variables":{"Y":"2","X":"1"},"dependencies":["python=3.11"],"channels":["conda-forge"],"name":"a"}`))
			Expect(err).NotTo(HaveOccurred())

			rowA, err := p.Ensure(ctx, a)
			Expect(err).NotTo(HaveOccurred())
			rowB, err := p.Ensure(ctx, b)
			Expect(err).NotTo(HaveOccurred())

			Expect(rowA.SHA256).To(Equal(rowB.SHA256))
			Expect(rowA.ID).To(Equal(rowB.ID))
			Expect(store.inserts).To(Equal(1))
		})

		It("does not insert a spec row when the channel policy rejects", func() {
			p := newPipeline(Settings{
				AllowedChannels: []string{"conda-forge"},
			})
			spec := &CondaSpecification{
				Name:         "a",
				Channels:     []string{"nodefaults"},
				Dependencies: DependencyList{{Conda: "python"}},
			}
			_, err := p.Ensure(ctx, spec)
			Expect(err).To(HaveOccurred())
			Expect(store.inserts).To(Equal(0))
		})

		It("collapses concurrent duplicate submissions to one insert", func() {
			p := newPipeline(Settings{})
			const workers = 8
			var wg sync.WaitGroup
			rows := make([]*models.Specification, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					spec := &CondaSpecification{
						Name:         "a",
						Channels:     []string{"conda-forge"},
						Dependencies: DependencyList{{Conda: "python=3.11"}},
					}
					row, err := p.Ensure(ctx, spec)
					Expect(err).NotTo(HaveOccurred())
					rows[i] = row
				}(i)
			}
			wg.Wait()
			Expect(store.inserts).To(Equal(1))
			for _, row := range rows {
				Expect(row.SHA256).To(Equal(rows[0].SHA256))
			}
		})
	})

	Describe("EnsureLockfile", func() {
		It("marks the row as a lockfile specification", func() {
			p := newPipeline(Settings{})
			row, err := p.EnsureLockfile(ctx, &LockfileSpecification{
				Name:     "locked",
				Lockfile: map[string]any{"version": 1, "package": []any{}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(row.IsLockfile).To(BeTrue())
		})

		It("rejects a lockfile specification without a lock document", func() {
			p := newPipeline(Settings{})
			_, err := p.EnsureLockfile(ctx, &LockfileSpecification{Name: "locked"})
			Expect(err).To(HaveOccurred())
		})
	})
})
