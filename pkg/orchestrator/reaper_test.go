package orchestrator

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

var _ = Describe("Reap", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	buildingBuild := func(id int64, age time.Duration) *models.Build {
		started := time.Now().Add(-age)
		return &models.Build{
			ID:              id,
			EnvironmentID:   1,
			SpecificationID: 1,
			Status:          models.BuildStatusBuilding,
			StartedOn:       &started,
		}
	}

	It("fails a stuck build with no live task", func() {
		builds := newFakeBuildStore(buildingBuild(1, 10*time.Second))
		h := newTestHarness(builds, map[int64]*models.Specification{1: specRow(1, "a", false)}, Settings{})

		Expect(h.orchestrator.Reap(ctx, nil, "", false)).To(Succeed())

		final, _ := builds.Get(ctx, 1)
		Expect(final.Status).To(Equal(models.BuildStatusFailed))
		Expect(final.EndedOn).NotTo(BeNil())
	})

	It("appends the standard explanation to the build log", func() {
		build := buildingBuild(1, 10*time.Second)
		builds := newFakeBuildStore(build)
		spec := specRow(1, "a", false)
		h := newTestHarness(builds, map[int64]*models.Specification{1: spec}, Settings{})

		Expect(h.orchestrator.Reap(ctx, nil, "", false)).To(Succeed())

		keys := NewBuildKeys(build, spec)
		logs, err := h.backend.Get(ctx, keys.LogKey())
		Expect(err).NotTo(HaveOccurred())
		Expect(string(logs)).To(ContainSubstring("stuck in BUILDING state"))
	})

	It("cancels instead of failing when invoked as a cancel", func() {
		builds := newFakeBuildStore(buildingBuild(1, 10*time.Second))
		h := newTestHarness(builds, map[int64]*models.Specification{1: specRow(1, "a", false)}, Settings{})

		Expect(h.orchestrator.CancelBuild(ctx, 1)).To(Succeed())

		final, _ := builds.Get(ctx, 1)
		Expect(final.Status).To(Equal(models.BuildStatusCanceled))
	})

	It("leaves a build inside the settle window alone", func() {
		builds := newFakeBuildStore(buildingBuild(1, 2*time.Second))
		h := newTestHarness(builds, map[int64]*models.Specification{1: specRow(1, "a", false)}, Settings{})

		Expect(h.orchestrator.Reap(ctx, nil, "", false)).To(Succeed())

		final, _ := builds.Get(ctx, 1)
		Expect(final.Status).To(Equal(models.BuildStatusBuilding))
	})

	It("leaves a build with a live task alone", func() {
		builds := newFakeBuildStore(buildingBuild(1, 10*time.Second))
		h := newTestHarness(builds, map[int64]*models.Specification{1: specRow(1, "a", false)}, Settings{})
		h.inventory.active[1] = []string{"build"}

		Expect(h.orchestrator.Reap(ctx, nil, "", false)).To(Succeed())

		final, _ := builds.Get(ctx, 1)
		Expect(final.Status).To(Equal(models.BuildStatusBuilding))
	})

	It("restricts the sweep to explicit build ids", func() {
		builds := newFakeBuildStore(
			buildingBuild(1, 10*time.Second),
			buildingBuild(2, 10*time.Second),
		)
		h := newTestHarness(builds, map[int64]*models.Specification{1: specRow(1, "a", false)}, Settings{})

		Expect(h.orchestrator.Reap(ctx, []int64{2}, "", false)).To(Succeed())

		one, _ := builds.Get(ctx, 1)
		two, _ := builds.Get(ctx, 2)
		Expect(one.Status).To(Equal(models.BuildStatusBuilding))
		Expect(two.Status).To(Equal(models.BuildStatusFailed))
	})

	It("no-ops with a warning when the broker cannot enumerate tasks", func() {
		builds := newFakeBuildStore(buildingBuild(1, 10*time.Second))
		h := newTestHarness(builds, map[int64]*models.Specification{1: specRow(1, "a", false)}, Settings{})
		h.inventory.err = errors.New("inspect unsupported")

		Expect(h.orchestrator.Reap(ctx, nil, "", false)).To(Succeed())

		final, _ := builds.Get(ctx, 1)
		Expect(final.Status).To(Equal(models.BuildStatusBuilding))
	})
})
